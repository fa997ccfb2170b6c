package types

import "time"

// HealthStatus represents the overall health state.
type HealthStatus int

const (
	// HealthStatusHealthy indicates all systems operating normally.
	HealthStatusHealthy HealthStatus = iota + 1
	// HealthStatusDegraded indicates partial functionality (e.g., Redis down, network breaker open).
	HealthStatusDegraded
	// HealthStatusUnhealthy indicates critical failure.
	HealthStatusUnhealthy
)

// String returns the string representation of health status.
func (s HealthStatus) String() string {
	switch s {
	case HealthStatusHealthy:
		return "healthy"
	case HealthStatusDegraded:
		return "degraded"
	case HealthStatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// MarshalText encodes the status by name in JSON health reports.
func (s HealthStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// HealthMetrics contains overall pipeline health information.
type HealthMetrics struct {
	Timestamp time.Time
	Cache     CacheHealthMetrics
	Stores    StoreHealthMetrics
	Providers []ProviderHealthMetrics
	Status    HealthStatus
}

// CacheHealthMetrics describes the in-memory decoded tile cache.
type CacheHealthMetrics struct {
	Size      int
	Capacity  int
	InFlight  int
	Evictions int64
}

// StoreHealthMetrics groups the persistent tile store layers.
type StoreHealthMetrics struct {
	Memory MemoryHealthMetrics
	Redis  RedisHealthMetrics
	SQLite SQLiteHealthMetrics
	Status HealthStatus
}

// MemoryHealthMetrics contains memory store health details.
type MemoryHealthMetrics struct {
	Status          HealthStatus
	Available       bool
	EntryCount      int
	SizeBytes       int64
	MaxSizeBytes    int64
	UsagePercentage float64
	HitCount        int64
	MissCount       int64
	HitRatio        float64
	EvictionCount   int64
}

// RedisHealthMetrics contains Redis store health details.
//
//nolint:govet // Metrics struct - logical grouping prioritized for readability
type RedisHealthMetrics struct {
	LastErrorTime       time.Time
	DroppedWrites       int64
	HitCount            int64
	MissCount           int64
	HitRatio            float64
	CircuitBreakerState string
	LastError           string
	PendingWrites       int
	Status              HealthStatus
	Available           bool
	Connected           bool
}

// SQLiteHealthMetrics contains the backing database details.
type SQLiteHealthMetrics struct {
	Status    HealthStatus
	Available bool
	Rows      int64
	Path      string
}

// ProviderHealthMetrics describes one provider in the chain.
type ProviderHealthMetrics struct {
	Name                string
	Available           bool
	InFlight            int64
	Queued              int64
	CircuitBreakerState string
}

// MetricsSnapshot contains a point-in-time view of pipeline metrics.
//
//nolint:govet // Metrics struct with many counters - grouping by category improves readability
type MetricsSnapshot struct {
	Timestamp time.Time
	// Decoded tile cache
	CacheHits      int64
	CacheMisses    int64
	CacheEvictions int64

	// Provider chain
	Dispatches      int64
	Loaded          int64
	Expired         int64
	ProviderMisses  int64
	Failed          int64
	QueueRejections int64

	// Store layers
	MemoryHits   int64
	MemoryMisses int64
	RedisHits    int64
	RedisMisses  int64
	SQLiteHits   int64
	SQLiteMisses int64
	StoreWrites  int64
	ErrorCount   int64

	// Load latency (milliseconds)
	AvgLatencyMs float64
	P50LatencyMs float64
	P95LatencyMs float64
	P99LatencyMs float64

	// Background work
	RescaledTiles       int64
	PrecachedTiles      int64
	CircuitBreakerState string
}

// CacheHitRatio is the share of tile requests served from the decoded cache.
func (s *MetricsSnapshot) CacheHitRatio() float64 {
	total := s.CacheHits + s.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(total)
}

// StoreHitRatio calculates the hit ratio across all store layers.
func (s *MetricsSnapshot) StoreHitRatio() float64 {
	hits := s.MemoryHits + s.RedisHits + s.SQLiteHits
	total := hits + s.MemoryMisses + s.RedisMisses + s.SQLiteMisses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// LoadSuccessRatio is the share of dispatches that produced a tile.
func (s *MetricsSnapshot) LoadSuccessRatio() float64 {
	total := s.Loaded + s.Expired + s.ProviderMisses + s.Failed + s.QueueRejections
	if total == 0 {
		return 0
	}
	return float64(s.Loaded+s.Expired) / float64(total)
}
