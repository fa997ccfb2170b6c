// Package precache warms the tile cache around the visible area: the
// border around it and the neighbouring zoom levels, as described by the
// cache's additional areas.
package precache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/LavishGent/tilepipe/internal/cache"
	"github.com/LavishGent/tilepipe/internal/provider"
	"github.com/LavishGent/tilepipe/internal/tile"
	"github.com/LavishGent/tilepipe/internal/types"
)

// Options configures a Warmer.
type Options struct {
	Cache *cache.TileCache
	// Providers returns the providers to consult, in chain order.
	Providers func() []provider.Provider
	// Online reports whether providers needing connectivity may be used.
	// Nil means always online.
	Online  func() bool
	Metrics types.MetricsRecorder
	Logger  *slog.Logger
}

// Warmer loads the tiles of the cache's additional areas with synchronous
// provider loads, one sweep at a time.
type Warmer struct {
	cache     *cache.TileCache
	providers func() []provider.Provider
	online    func() bool
	metrics   types.MetricsRecorder
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lifeMu  sync.Mutex
	closed  bool
	running atomic.Bool

	mu      sync.Mutex
	pending []tile.Index
	cursor  int
}

// New creates a warmer. No sweep runs until Fill is called.
func New(opts Options) *Warmer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	online := opts.Online
	if online == nil {
		online = func() bool { return true }
	}
	providers := opts.Providers
	if providers == nil {
		providers = func() []provider.Provider { return nil }
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Warmer{
		cache:     opts.Cache,
		providers: providers,
		online:    online,
		metrics:   opts.Metrics,
		logger:    logger.With("component", "precache"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Fill starts a sweep over the current additional areas in the
// background. It returns false when a sweep is already running or the
// warmer is closed. Cancelling ctx stops the sweep.
func (w *Warmer) Fill(ctx context.Context) bool {
	w.lifeMu.Lock()
	if w.closed || !w.running.CompareAndSwap(false, true) {
		w.lifeMu.Unlock()
		return false
	}
	w.wg.Add(1)
	w.lifeMu.Unlock()

	w.refresh()
	sweepCtx, cancel := context.WithCancel(w.ctx)
	stop := context.AfterFunc(ctx, cancel)

	go func() {
		defer w.wg.Done()
		defer w.running.Store(false)
		defer stop()
		defer cancel()
		w.sweep(sweepCtx)
	}()
	return true
}

// Running reports whether a sweep is in progress.
func (w *Warmer) Running() bool {
	return w.running.Load()
}

// Wait blocks until the current sweep, if any, returns.
func (w *Warmer) Wait() {
	w.wg.Wait()
}

// Close stops any running sweep and waits for it.
func (w *Warmer) Close() error {
	w.lifeMu.Lock()
	if w.closed {
		w.lifeMu.Unlock()
		return nil
	}
	w.closed = true
	w.lifeMu.Unlock()

	w.cancel()
	w.wg.Wait()
	return nil
}

// refresh snapshots the additional areas and rewinds the cursor.
func (w *Warmer) refresh() {
	areas := w.cache.AdditionalAreas()

	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = w.pending[:0]
	for idx := range areas.Indices() {
		w.pending = append(w.pending, idx)
	}
	w.cursor = 0
}

// next pops the next index that is not cached yet.
func (w *Warmer) next() (tile.Index, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.cursor < len(w.pending) {
		idx := w.pending[w.cursor]
		w.cursor++
		if !w.cache.Contains(idx) {
			return idx, true
		}
	}
	return 0, false
}

func (w *Warmer) sweep(ctx context.Context) {
	loaded := 0
	for ctx.Err() == nil {
		idx, ok := w.next()
		if !ok {
			break
		}
		if w.search(ctx, idx) {
			loaded++
		}
	}
	if w.metrics != nil {
		w.metrics.RecordPrecache(loaded)
	}
	w.logger.Debug("Pre-cache sweep finished", "loaded", loaded, "cancelled", ctx.Err() != nil)
}

// search asks each eligible provider in turn and caches the first image.
func (w *Warmer) search(ctx context.Context, idx tile.Index) bool {
	online := w.online()
	for _, p := range w.providers() {
		if ctx.Err() != nil {
			return false
		}
		if !provider.Reachable(p, idx) {
			continue
		}
		if pf, ok := p.(provider.Prefetcher); ok && !pf.AllowsPrefetch() {
			continue
		}
		if p.NeedsConnectivity() && !online {
			continue
		}
		t, ok := w.load(ctx, p, idx)
		if !ok {
			continue
		}
		w.cache.Put(idx, t.Image, t.State)
		return true
	}
	return false
}

// load swallows provider errors and panics: a failed tile only means the
// sweep moves on.
func (w *Warmer) load(ctx context.Context, p provider.Provider, idx tile.Index) (t tile.Tile, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Debug("Recovered from panic in pre-cache load", "provider", p.Name(), "tile", idx, "panic", r)
			ok = false
		}
	}()
	t, err := p.Load(ctx, idx)
	if err != nil {
		if !types.IsTileNotFound(err) {
			w.logger.Debug("Pre-cache load failed", "provider", p.Name(), "tile", idx, "error", err)
		}
		return tile.Tile{}, false
	}
	return t, !t.IsZero()
}
