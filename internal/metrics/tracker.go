// Package metrics provides tile pipeline metrics collection and publishing.
package metrics

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LavishGent/tilepipe/internal/types"
)

const (
	defaultLatencyBufferSize = 10000
)

// Tracker counts pipeline events in memory and, when a publisher is
// attached, forwards each event to it.
type Tracker struct {
	cacheHits      atomic.Int64
	cacheMisses    atomic.Int64
	cacheEvictions atomic.Int64

	dispatches      atomic.Int64
	loaded          atomic.Int64
	expired         atomic.Int64
	providerMisses  atomic.Int64
	failed          atomic.Int64
	queueRejections atomic.Int64

	memoryHits   atomic.Int64
	memoryMisses atomic.Int64
	redisHits    atomic.Int64
	redisMisses  atomic.Int64
	sqliteHits   atomic.Int64
	sqliteMisses atomic.Int64
	storeWrites  atomic.Int64

	errorCount atomic.Int64

	rescaled   atomic.Int64
	precached  atomic.Int64
	cbState    atomic.Value // string
	cbChanges  atomic.Int64
	bytesSaved atomic.Int64

	latencyMu     sync.RWMutex
	latencyBuffer []time.Duration
	latencyIndex  int
	latencyCount  int

	publisher types.Publisher
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithPublisher forwards every recorded event to p.
func WithPublisher(p types.Publisher) TrackerOption {
	return func(t *Tracker) {
		t.publisher = p
	}
}

func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{
		latencyBuffer: make([]time.Duration, defaultLatencyBufferSize),
		publisher:     NewNoOpPublisher(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.publisher == nil {
		t.publisher = NewNoOpPublisher()
	}
	return t
}

func (t *Tracker) RecordCacheHit(state string) {
	t.cacheHits.Add(1)
	t.publisher.Incr("cache.hit", StateTag(state))
}

func (t *Tracker) RecordCacheMiss() {
	t.cacheMisses.Add(1)
	t.publisher.Incr("cache.miss")
}

func (t *Tracker) RecordEviction() {
	t.cacheEvictions.Add(1)
	t.publisher.Incr("cache.eviction")
}

func (t *Tracker) RecordDispatch(provider string) {
	t.dispatches.Add(1)
	t.publisher.Incr("provider.dispatch", ProviderTag(provider))
}

func (t *Tracker) RecordLoad(provider string, outcome string, latency time.Duration) {
	switch outcome {
	case types.OutcomeLoaded:
		t.loaded.Add(1)
	case types.OutcomeExpired:
		t.expired.Add(1)
	case types.OutcomeMiss:
		t.providerMisses.Add(1)
	case types.OutcomeFailed:
		t.failed.Add(1)
	case types.OutcomeQueueFull:
		t.queueRejections.Add(1)
	}
	t.recordLatency(latency)
	t.publisher.Timing("provider.load", latency, ProviderTag(provider), OutcomeTag(outcome))
}

func (t *Tracker) RecordStoreHit(layer string, latency time.Duration) {
	switch layer {
	case "memory":
		t.memoryHits.Add(1)
	case "redis":
		t.redisHits.Add(1)
	case "sqlite":
		t.sqliteHits.Add(1)
	}
	t.publisher.Timing("store.get", latency, LayerTag(layer), StatusTag("hit"))
}

func (t *Tracker) RecordStoreMiss(layer string, latency time.Duration) {
	switch layer {
	case "memory":
		t.memoryMisses.Add(1)
	case "redis":
		t.redisMisses.Add(1)
	case "sqlite":
		t.sqliteMisses.Add(1)
	}
	t.publisher.Timing("store.get", latency, LayerTag(layer), StatusTag("miss"))
}

func (t *Tracker) RecordStoreWrite(layer string, size int, latency time.Duration) {
	t.storeWrites.Add(1)
	t.bytesSaved.Add(int64(size))
	t.publisher.Histogram("store.write_bytes", float64(size), LayerTag(layer))
	t.publisher.Timing("store.set", latency, LayerTag(layer))
}

// RecordRescale records one rescale pass and the number of tiles it produced.
func (t *Tracker) RecordRescale(direction string, produced int, latency time.Duration) {
	t.rescaled.Add(int64(produced))
	t.publisher.Count("rescale.tiles", int64(produced), DirectionTag(direction))
	t.publisher.Timing("rescale.duration", latency, DirectionTag(direction))
}

func (t *Tracker) RecordPrecache(loaded int) {
	t.precached.Add(int64(loaded))
	t.publisher.Count("precache.tiles", int64(loaded))
}

// RecordError records an error.
func (t *Tracker) RecordError(component string, operation string, err error) {
	t.errorCount.Add(1)
	t.publisher.Incr("error", ComponentTag(component), OperationTag(operation))
}

// RecordCircuitBreakerStateChange records circuit breaker state transitions.
func (t *Tracker) RecordCircuitBreakerStateChange(from, to string) {
	t.cbChanges.Add(1)
	t.cbState.Store(to)
	t.publisher.Incr("circuit_breaker.state_change", Tag("from", from), CircuitStateTag(to))
}

// recordLatency adds a latency measurement using a circular buffer.
func (t *Tracker) recordLatency(latency time.Duration) {
	t.latencyMu.Lock()
	t.latencyBuffer[t.latencyIndex] = latency
	t.latencyIndex = (t.latencyIndex + 1) % len(t.latencyBuffer)
	if t.latencyCount < len(t.latencyBuffer) {
		t.latencyCount++
	}
	t.latencyMu.Unlock()
}

// Snapshot returns current metrics snapshot.
func (t *Tracker) Snapshot() types.MetricsSnapshot {
	t.latencyMu.RLock()
	count := t.latencyCount
	latencyCopy := make([]time.Duration, count)
	if count > 0 {
		if count < len(t.latencyBuffer) {
			copy(latencyCopy, t.latencyBuffer[:count])
		} else {
			// Buffer is full - oldest data starts at latencyIndex
			firstPart := len(t.latencyBuffer) - t.latencyIndex
			copy(latencyCopy[:firstPart], t.latencyBuffer[t.latencyIndex:])
			copy(latencyCopy[firstPart:], t.latencyBuffer[:t.latencyIndex])
		}
	}
	t.latencyMu.RUnlock()

	snapshot := types.MetricsSnapshot{
		Timestamp:       time.Now(),
		CacheHits:       t.cacheHits.Load(),
		CacheMisses:     t.cacheMisses.Load(),
		CacheEvictions:  t.cacheEvictions.Load(),
		Dispatches:      t.dispatches.Load(),
		Loaded:          t.loaded.Load(),
		Expired:         t.expired.Load(),
		ProviderMisses:  t.providerMisses.Load(),
		Failed:          t.failed.Load(),
		QueueRejections: t.queueRejections.Load(),
		MemoryHits:      t.memoryHits.Load(),
		MemoryMisses:    t.memoryMisses.Load(),
		RedisHits:       t.redisHits.Load(),
		RedisMisses:     t.redisMisses.Load(),
		SQLiteHits:      t.sqliteHits.Load(),
		SQLiteMisses:    t.sqliteMisses.Load(),
		StoreWrites:     t.storeWrites.Load(),
		ErrorCount:      t.errorCount.Load(),
		RescaledTiles:   t.rescaled.Load(),
		PrecachedTiles:  t.precached.Load(),
	}
	if s, ok := t.cbState.Load().(string); ok {
		snapshot.CircuitBreakerState = s
	}

	if len(latencyCopy) > 0 {
		snapshot.AvgLatencyMs = float64(avgDuration(latencyCopy).Milliseconds())
		snapshot.P50LatencyMs = float64(percentile(latencyCopy, 50).Milliseconds())
		snapshot.P95LatencyMs = float64(percentile(latencyCopy, 95).Milliseconds())
		snapshot.P99LatencyMs = float64(percentile(latencyCopy, 99).Milliseconds())
	}

	return snapshot
}

// Reset clears all metrics.
func (t *Tracker) Reset() {
	for _, c := range []*atomic.Int64{
		&t.cacheHits, &t.cacheMisses, &t.cacheEvictions,
		&t.dispatches, &t.loaded, &t.expired, &t.providerMisses, &t.failed, &t.queueRejections,
		&t.memoryHits, &t.memoryMisses, &t.redisHits, &t.redisMisses, &t.sqliteHits, &t.sqliteMisses,
		&t.storeWrites, &t.errorCount, &t.rescaled, &t.precached, &t.cbChanges, &t.bytesSaved,
	} {
		c.Store(0)
	}

	t.latencyMu.Lock()
	t.latencyIndex = 0
	t.latencyCount = 0
	t.latencyMu.Unlock()
}

func avgDuration(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range durations {
		total += d
	}
	return total / time.Duration(len(durations))
}

func percentile(durations []time.Duration, p int) time.Duration {
	if len(durations) == 0 {
		return 0
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	slices.Sort(sorted)

	idx := (len(sorted) - 1) * p / 100
	return sorted[idx]
}

var _ types.MetricsRecorder = (*Tracker)(nil)
