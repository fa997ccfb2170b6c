package tilepipe

import (
	"github.com/LavishGent/tilepipe/internal/types"
)

// Re-export health types from internal/types.
type (
	// HealthStatus represents the overall health state.
	HealthStatus = types.HealthStatus

	// HealthMetrics contains overall pipeline health information.
	HealthMetrics = types.HealthMetrics

	// ProviderHealthMetrics describes one provider queue.
	ProviderHealthMetrics = types.ProviderHealthMetrics

	// StoreHealthMetrics describes the tile store tiers.
	StoreHealthMetrics = types.StoreHealthMetrics

	// MetricsSnapshot contains a point-in-time view of pipeline metrics.
	MetricsSnapshot = types.MetricsSnapshot
)

// Re-export health status constants.
const (
	HealthStatusHealthy   = types.HealthStatusHealthy
	HealthStatusDegraded  = types.HealthStatusDegraded
	HealthStatusUnhealthy = types.HealthStatusUnhealthy
)
