package metrics

import (
	"time"

	"github.com/LavishGent/tilepipe/internal/types"
)

// NoOpTracker satisfies types.MetricsRecorder for callers that pass no
// recorder.
type NoOpTracker struct{}

// NewNoOpTracker creates a new no-op tracker.
func NewNoOpTracker() *NoOpTracker {
	return &NoOpTracker{}
}

func (t *NoOpTracker) RecordCacheHit(state string)                                          {}
func (t *NoOpTracker) RecordCacheMiss()                                                     {}
func (t *NoOpTracker) RecordEviction()                                                      {}
func (t *NoOpTracker) RecordDispatch(provider string)                                       {}
func (t *NoOpTracker) RecordLoad(provider string, outcome string, latency time.Duration)    {}
func (t *NoOpTracker) RecordStoreHit(layer string, latency time.Duration)                   {}
func (t *NoOpTracker) RecordStoreMiss(layer string, latency time.Duration)                  {}
func (t *NoOpTracker) RecordStoreWrite(layer string, size int, latency time.Duration)       {}
func (t *NoOpTracker) RecordRescale(direction string, produced int, latency time.Duration) {}
func (t *NoOpTracker) RecordPrecache(loaded int)                                            {}
func (t *NoOpTracker) RecordError(component string, operation string, err error)           {}
func (t *NoOpTracker) RecordCircuitBreakerStateChange(from, to string)                      {}

// Snapshot returns empty metrics.
func (t *NoOpTracker) Snapshot() types.MetricsSnapshot { return types.MetricsSnapshot{} }

// Reset does nothing.
func (t *NoOpTracker) Reset() {}

// NoOpPublisher drops everything; it stands in when metrics are disabled.
type NoOpPublisher struct{}

// NewNoOpPublisher creates a new no-op publisher.
func NewNoOpPublisher() *NoOpPublisher {
	return &NoOpPublisher{}
}

func (p *NoOpPublisher) Gauge(name string, value float64, tags ...string) {}

func (p *NoOpPublisher) Incr(name string, tags ...string) {}

func (p *NoOpPublisher) Count(name string, value int64, tags ...string) {}

func (p *NoOpPublisher) Histogram(name string, value float64, tags ...string) {}

func (p *NoOpPublisher) Timing(name string, duration time.Duration, tags ...string) {}

func (p *NoOpPublisher) Event(title, text, alertType string, tags ...string) {}

func (p *NoOpPublisher) PublishHealthMetrics(metrics *types.PublisherHealthMetrics) {}

func (p *NoOpPublisher) Close() error { return nil }

var _ types.MetricsRecorder = (*NoOpTracker)(nil)
var _ types.Publisher = (*NoOpPublisher)(nil)
