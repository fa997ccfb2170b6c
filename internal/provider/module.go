package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LavishGent/tilepipe/internal/config"
	"github.com/LavishGent/tilepipe/internal/resilience"
	"github.com/LavishGent/tilepipe/internal/tile"
	"github.com/LavishGent/tilepipe/internal/types"
)

// Callback receives the outcome of an asynchronous load. Exactly one
// method is called per LoadAsync, unless the module was detached first.
type Callback interface {
	TileLoaded(state *RequestState, t tile.Tile)
	TileFailed(state *RequestState)
	TileFailedQueueFull(state *RequestState)
	TileExpired(state *RequestState, t tile.Tile)
}

// Module runs a Provider asynchronously. Its bulkhead bounds the loads
// running at once and the requests allowed to wait for a slot; a request
// that finds the queue full is reported through TileFailedQueueFull.
type Module struct {
	provider Provider
	bulkhead resilience.Limiter
	metrics  types.MetricsRecorder
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	detached bool
	wg       sync.WaitGroup
	pending  atomic.Int64
}

// ModuleOptions configures a Module.
type ModuleOptions struct {
	Metrics types.MetricsRecorder
	Logger  *slog.Logger
}

// NewModule wraps p with the bounded queue described by queue.
func NewModule(p Provider, queue config.BulkheadConfig, opts ModuleOptions) *Module {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var bulkhead resilience.Limiter = resilience.NewDisabledBulkhead()
	if queue.Enabled {
		if queue.MaxQueue >= 0 && queue.MaxQueue < queue.MaxConcurrent {
			logger.Warn("Provider queue smaller than its worker count, reducing workers",
				"provider", p.Name(), "workers", queue.MaxConcurrent, "queue", queue.MaxQueue)
			queue.MaxConcurrent = max(queue.MaxQueue, 1)
		}
		bulkhead = resilience.NewBulkhead(queue)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Module{
		provider: p,
		bulkhead: bulkhead,
		metrics:  opts.Metrics,
		logger:   logger.With("component", "provider", "provider", p.Name()),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Provider returns the wrapped provider.
func (m *Module) Provider() Provider {
	return m.provider
}

func (m *Module) Name() string {
	return m.provider.Name()
}

func (m *Module) MinZoom() int {
	return m.provider.MinZoom()
}

func (m *Module) MaxZoom() int {
	return m.provider.MaxZoom()
}

func (m *Module) NeedsConnectivity() bool {
	return m.provider.NeedsConnectivity()
}

// AllowsPrefetch delegates to the provider. Providers without a prefetch
// policy allow it.
func (m *Module) AllowsPrefetch() bool {
	if p, ok := m.provider.(Prefetcher); ok {
		return p.AllowsPrefetch()
	}
	return true
}

// SetTileSource forwards src when the provider depends on the source.
func (m *Module) SetTileSource(src tile.Source) {
	if s, ok := m.provider.(SourceSetter); ok {
		s.SetTileSource(src)
	}
}

// LoadAsync starts loading the tile of state and reports to cb. It never
// blocks. After Detach it does nothing.
func (m *Module) LoadAsync(state *RequestState, cb Callback) {
	m.mu.RLock()
	if m.detached {
		m.mu.RUnlock()
		m.logger.Debug("Ignoring request on detached provider", "tile", state.Index())
		return
	}
	m.wg.Add(1)
	m.mu.RUnlock()

	m.pending.Add(1)
	if m.metrics != nil {
		m.metrics.RecordDispatch(m.Name())
	}

	go func() {
		defer m.wg.Done()
		m.run(state, cb)
	}()
}

func (m *Module) run(state *RequestState, cb Callback) {
	idx := state.Index()
	start := time.Now()

	var t tile.Tile
	err := m.bulkhead.Do(m.ctx, func(ctx context.Context) error {
		var err error
		t, err = m.Load(ctx, idx)
		return err
	})
	latency := time.Since(start)
	m.pending.Add(-1)

	if m.ctx.Err() != nil {
		m.logger.Debug("Dropping load of detached provider", "tile", idx, "request", state.ID)
		return
	}

	switch {
	case types.IsQueueFull(err):
		m.logger.Debug("Provider queue full", "tile", idx, "error", err)
		m.record(types.OutcomeQueueFull, latency)
		cb.TileFailedQueueFull(state)
	case types.IsTileNotFound(err):
		m.record(types.OutcomeMiss, latency)
		cb.TileFailed(state)
	case err != nil:
		m.logger.Debug("Tile load failed", "tile", idx, "request", state.ID, "error", err)
		m.record(types.OutcomeFailed, latency)
		if m.metrics != nil {
			m.metrics.RecordError(m.Name(), "load", err)
		}
		cb.TileFailed(state)
	case t.IsZero():
		m.record(types.OutcomeMiss, latency)
		cb.TileFailed(state)
	case t.State == tile.StateExpired || t.State == tile.StateScaled:
		m.record(types.OutcomeExpired, latency)
		cb.TileExpired(state, t)
	default:
		m.record(types.OutcomeLoaded, latency)
		cb.TileLoaded(state, tile.Tile{Image: t.Image, State: tile.StateUpToDate})
	}
}

// Load runs the provider synchronously. Tiles outside the provider's zoom
// range are not found. A panicking provider counts as a failed load.
func (m *Module) Load(ctx context.Context, idx tile.Index) (t tile.Tile, err error) {
	if !Reachable(m.provider, idx) {
		return tile.Tile{}, types.ErrTileNotFound
	}
	defer func() {
		if r := recover(); r != nil {
			t = tile.Tile{}
			err = types.NewTileError("load", idx, m.Name(), fmt.Errorf("panic: %v", r))
		}
	}()
	return m.provider.Load(ctx, idx)
}

func (m *Module) record(outcome string, latency time.Duration) {
	if m.metrics != nil {
		m.metrics.RecordLoad(m.Name(), outcome, latency)
	}
}

// QueueSize returns the loads started and not yet reported.
func (m *Module) QueueSize() int {
	return int(m.pending.Load())
}

// Detach stops the module: queued and running loads are cancelled and
// their results dropped, and the provider is closed when it holds
// resources. Detach waits for running loads to return.
func (m *Module) Detach() error {
	m.mu.Lock()
	if m.detached {
		m.mu.Unlock()
		return nil
	}
	m.detached = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()

	if c, ok := m.provider.(io.Closer); ok {
		if err := c.Close(); err != nil && !errors.Is(err, types.ErrClosed) {
			return fmt.Errorf("close %s: %w", m.Name(), err)
		}
	}
	m.logger.Debug("Provider detached")
	return nil
}

// Health reports the module's queue and breaker state.
func (m *Module) Health() types.ProviderHealthMetrics {
	m.mu.RLock()
	detached := m.detached
	m.mu.RUnlock()

	h := types.ProviderHealthMetrics{
		Name:      m.Name(),
		Available: !detached,
		InFlight:  int64(m.bulkhead.ActiveCount()),
		Queued:    int64(m.bulkhead.QueuedCount()),
	}
	if b, ok := m.provider.(interface{ CircuitState() resilience.State }); ok {
		h.CircuitBreakerState = b.CircuitState().String()
	}
	return h
}
