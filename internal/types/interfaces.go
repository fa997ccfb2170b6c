package types

import (
	"context"
	"time"

	"github.com/LavishGent/tilepipe/internal/tile"
)

type StoreInfo interface {
	Name() string
	IsAvailable() bool
}

type TileReader interface {
	Load(ctx context.Context, source string, idx tile.Index) (Blob, error)
	Exists(ctx context.Context, source string, idx tile.Index) (bool, error)
}

type TileWriter interface {
	Save(ctx context.Context, source string, idx tile.Index, blob Blob) error
	Delete(ctx context.Context, source string, idx tile.Index) error
}

type StoreClearer interface {
	Clear(ctx context.Context) error
}

type StoreCloser interface {
	Close() error
}

// TileStore persists encoded tiles keyed by source name and index.
type TileStore interface {
	StoreInfo
	TileReader
	TileWriter
	StoreCloser
}

type MemoryStatsProvider interface {
	Stats() MemoryStoreStats
	EntryCount() int
	Size() int64
	MaxSize() int64
	UsagePercentage() float64
	HitRatio() float64
}

type RedisStatsProvider interface {
	PendingWrites() int
	DroppedWrites() int64
}

type MemoryStoreLayer interface {
	TileStore
	StoreClearer
	MemoryStatsProvider
}

type RedisStoreLayer interface {
	TileStore
	StoreClearer
	RedisStatsProvider
	// SaveAsync queues the write and returns ErrWriteQueueFull when the
	// queue is saturated.
	SaveAsync(source string, idx tile.Index, blob Blob) error
}

// Codec turns a Blob into the bytes kept by byte-oriented stores.
type Codec interface {
	Marshal(b Blob) ([]byte, error)
	Unmarshal(data []byte) (Blob, error)
}

// Load outcomes reported by MetricsRecorder.RecordLoad.
const (
	OutcomeLoaded    = "loaded"
	OutcomeExpired   = "expired"
	OutcomeMiss      = "miss"
	OutcomeFailed    = "failed"
	OutcomeQueueFull = "queue_full"
)

type MetricsRecorder interface {
	RecordCacheHit(state string)
	RecordCacheMiss()
	RecordEviction()
	RecordDispatch(provider string)
	RecordLoad(provider string, outcome string, latency time.Duration)
	RecordStoreHit(layer string, latency time.Duration)
	RecordStoreMiss(layer string, latency time.Duration)
	RecordStoreWrite(layer string, size int, latency time.Duration)
	RecordRescale(direction string, produced int, latency time.Duration)
	RecordPrecache(loaded int)
	RecordError(component string, operation string, err error)
	RecordCircuitBreakerStateChange(from, to string)
}

type Publisher interface {
	Gauge(name string, value float64, tags ...string)
	Incr(name string, tags ...string)
	Count(name string, value int64, tags ...string)
	Histogram(name string, value float64, tags ...string)
	Timing(name string, duration time.Duration, tags ...string)
	Event(title, text string, alertType string, tags ...string)
	PublishHealthMetrics(metrics *PublisherHealthMetrics)
	Close() error
}

type PublisherHealthMetrics struct {
	CachedTiles      int64
	CacheCapacity    int64
	CacheUsageRatio  float64
	InFlight         int64
	HitRatio         float64
	AverageLatencyMs float64
	QueueRejections  int64
	StoreConnected   bool
}
