package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/LavishGent/tilepipe/internal/types"
)

// BackgroundPublisher periodically snapshots pipeline health and pushes it
// to a publisher. Loss and recovery of the shared tile store are reported
// as events.
type BackgroundPublisher struct {
	publisher types.Publisher
	logger    *slog.Logger
	snapshot  func() *types.PublisherHealthMetrics
	interval  time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	lastConnected *bool
}

// NewBackgroundPublisher creates a publisher loop; snapshot is called on
// every tick.
func NewBackgroundPublisher(
	publisher types.Publisher,
	interval time.Duration,
	snapshot func() *types.PublisherHealthMetrics,
	logger *slog.Logger,
) *BackgroundPublisher {
	if logger == nil {
		logger = slog.Default()
	}

	return &BackgroundPublisher{
		publisher: publisher,
		interval:  interval,
		logger:    logger.With("component", "health-publisher"),
		snapshot:  snapshot,
	}
}

// Start runs the loop until ctx is cancelled or Stop is called.
func (b *BackgroundPublisher) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(1)
	go b.run(ctx)
	b.logger.Info("Health publisher started", "interval", b.interval)
}

// Stop publishes a last snapshot and waits for the loop to exit.
func (b *BackgroundPublisher) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
	b.logger.Info("Health publisher stopped")
}

func (b *BackgroundPublisher) run(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.publish()
			return
		case <-ticker.C:
			b.publish()
		}
	}
}

func (b *BackgroundPublisher) publish() {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Recovered from panic while collecting pipeline health", "panic", r)
		}
	}()

	if b.snapshot == nil {
		return
	}

	timer := NewTimer(b.publisher, "health.snapshot")
	health := b.snapshot()
	if health == nil {
		return
	}
	timer.Stop()

	b.publisher.PublishHealthMetrics(health)
	b.trackStore(health.StoreConnected)
}

func (b *BackgroundPublisher) trackStore(connected bool) {
	b.mu.Lock()
	prev := b.lastConnected
	b.lastConnected = &connected
	b.mu.Unlock()

	if prev == nil || *prev == connected {
		return
	}
	if connected {
		b.logger.Info("Tile store reachable again")
		b.publisher.Event("tile store recovered", "the shared tile store is reachable again", "success")
	} else {
		b.logger.Warn("Tile store unreachable")
		b.publisher.Event("tile store lost", "the shared tile store stopped answering", "warning")
	}
}

// PublishNow publishes a snapshot immediately.
func (b *BackgroundPublisher) PublishNow() {
	b.publish()
}
