package resilience

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/LavishGent/tilepipe/internal/config"
)

// Bulkhead is the work queue of one tile provider: MaxConcurrent loads run
// at once and at most MaxQueue requests wait behind them. A request that
// finds the queue full is rejected with ErrBulkheadFull straight away; one
// that waits longer than the acquire timeout gets ErrBulkheadTimeout.
type Bulkhead struct {
	workers        chan struct{}
	waiting        chan struct{}
	acquireTimeout time.Duration

	active   atomic.Int32
	rejected atomic.Int64
	executed atomic.Int64
}

func NewBulkhead(cfg config.BulkheadConfig) *Bulkhead {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = config.FilesystemWorkers
	}
	maxQueue := cfg.MaxQueue
	if maxQueue < 0 {
		maxQueue = config.ProviderMaxQueue
	}
	acquireTimeout := cfg.AcquireTimeout
	if acquireTimeout <= 0 {
		acquireTimeout = 30 * time.Second
	}

	return &Bulkhead{
		workers:        make(chan struct{}, maxConcurrent),
		waiting:        make(chan struct{}, maxQueue),
		acquireTimeout: acquireTimeout,
	}
}

// Do runs fn on a worker slot.
func (b *Bulkhead) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.acquire(ctx); err != nil {
		return err
	}
	b.active.Add(1)
	defer func() {
		b.active.Add(-1)
		<-b.workers
	}()

	err := fn(ctx)
	b.executed.Add(1)
	return err
}

func (b *Bulkhead) acquire(ctx context.Context) error {
	select {
	case b.workers <- struct{}{}:
		return nil
	default:
	}

	select {
	case b.waiting <- struct{}{}:
	default:
		b.rejected.Add(1)
		return ErrBulkheadFull
	}
	defer func() { <-b.waiting }()

	timer := time.NewTimer(b.acquireTimeout)
	defer timer.Stop()

	select {
	case b.workers <- struct{}{}:
		return nil
	case <-ctx.Done():
		b.rejected.Add(1)
		return ctx.Err()
	case <-timer.C:
		b.rejected.Add(1)
		return ErrBulkheadTimeout
	}
}

func (b *Bulkhead) ActiveCount() int {
	return int(b.active.Load())
}

func (b *Bulkhead) QueuedCount() int {
	return len(b.waiting)
}

func (b *Bulkhead) RejectedCount() int64 {
	return b.rejected.Load()
}

type BulkheadStats struct {
	MaxConcurrent int
	MaxQueue      int
	Active        int
	Queued        int
	Executed      int64
	Rejected      int64
}

func (b *Bulkhead) Stats() BulkheadStats {
	return BulkheadStats{
		MaxConcurrent: cap(b.workers),
		MaxQueue:      cap(b.waiting),
		Active:        b.ActiveCount(),
		Queued:        b.QueuedCount(),
		Executed:      b.executed.Load(),
		Rejected:      b.rejected.Load(),
	}
}

// DisabledBulkhead runs every call immediately.
type DisabledBulkhead struct{}

func NewDisabledBulkhead() *DisabledBulkhead {
	return &DisabledBulkhead{}
}

func (DisabledBulkhead) Do(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func (DisabledBulkhead) ActiveCount() int     { return 0 }
func (DisabledBulkhead) QueuedCount() int     { return 0 }
func (DisabledBulkhead) RejectedCount() int64 { return 0 }
