// Package pipeline resolves tile requests against the decoded tile cache
// and walks the provider chain for the tiles it misses.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LavishGent/tilepipe/internal/cache"
	"github.com/LavishGent/tilepipe/internal/precache"
	"github.com/LavishGent/tilepipe/internal/provider"
	"github.com/LavishGent/tilepipe/internal/rescale"
	"github.com/LavishGent/tilepipe/internal/resilience"
	"github.com/LavishGent/tilepipe/internal/store"
	"github.com/LavishGent/tilepipe/internal/tile"
	"github.com/LavishGent/tilepipe/internal/types"
)

type workStatus int

const (
	statusStarted workStatus = iota + 1
	// statusFound means an expired tile was already delivered.
	statusFound
)

type zoomSpan struct {
	minZoom, maxZoom int
}

// work is a working set entry: the request status and the source
// generation it was started under.
type work struct {
	status workStatus
	gen    uint64
}

// ArrayOptions configures a ProviderArray.
type ArrayOptions struct {
	Source tile.Source
	// NotFoundImage is cached for tiles no provider has. Nil reports
	// EventFailed instead.
	NotFoundImage image.Image
	Metrics       types.MetricsRecorder
	Logger        *slog.Logger
}

// ProviderArray hands out cached tiles and dispatches the missing ones to
// the provider chain, at most one request per tile at a time.
type ProviderArray struct {
	cache   *cache.TileCache
	metrics types.MetricsRecorder
	logger  *slog.Logger

	providersMu sync.RWMutex
	modules     []*provider.Module
	// connected holds the zoom ranges of providers needing a data
	// connection, refreshed whenever the modules or the source change.
	connected atomic.Pointer[[]zoomSpan]

	// workMu is taken after the cache lock when the cache asks Contains;
	// never call the cache while holding it.
	workMu  sync.Mutex
	working map[tile.Index]work

	// sourceMu orders cache writes of provider results against source
	// changes. It is taken before the cache lock.
	sourceMu   sync.RWMutex
	generation atomic.Uint64

	listenersMu sync.RWMutex
	listeners   []Listener

	source   atomic.Pointer[tile.Source]
	notFound atomic.Pointer[image.Image]
	offline  atomic.Bool
	detached atomic.Bool

	rescaler *rescale.Engine
	warmer   *precache.Warmer
	store    *store.Manager
}

// NewProviderArray creates the orchestrator over modules, in chain order,
// and registers its working set as a cache protector.
func NewProviderArray(c *cache.TileCache, modules []*provider.Module, opts ArrayOptions) *ProviderArray {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &ProviderArray{
		cache:   c,
		metrics: opts.Metrics,
		logger:  logger.With("component", "provider-array"),
		modules: slices.Clone(modules),
		working: make(map[tile.Index]work),
	}
	src := opts.Source
	a.source.Store(&src)
	a.SetNotFoundImage(opts.NotFoundImage)
	a.refreshConnected()
	c.AddProtector(a)
	return a
}

// RequestTile returns the best cached image for idx, possibly nil, and
// starts loading a fresh one when needed. It never blocks on providers.
func (a *ProviderArray) RequestTile(idx tile.Index) image.Image {
	cached, ok := a.cache.Get(idx)
	if ok {
		a.recordCacheHit(cached.State)
		if cached.State == tile.StateUpToDate || a.degraded(idx) {
			return cached.Image
		}
	} else if a.metrics != nil {
		a.metrics.RecordCacheMiss()
	}

	if a.detached.Load() {
		return cached.Image
	}

	a.workMu.Lock()
	if _, busy := a.working[idx]; busy {
		a.workMu.Unlock()
		return cached.Image
	}
	gen := a.generation.Load()
	a.working[idx] = work{status: statusStarted, gen: gen}
	a.workMu.Unlock()

	state := provider.NewRequestState(idx, a.snapshot())
	state.Generation = gen
	a.logger.Debug("Requesting tile", "tile", idx, "request", state.ID)
	a.runNext(state)
	return cached.Image
}

func (a *ProviderArray) recordCacheHit(s tile.State) {
	if a.metrics != nil {
		a.metrics.RecordCacheHit(s.String())
	}
}

// degraded reports whether a fresher copy of idx cannot be fetched: the
// data connection is off or no connected provider serves the zoom.
func (a *ProviderArray) degraded(idx tile.Index) bool {
	if a.offline.Load() {
		return true
	}
	z := idx.Zoom()
	for _, s := range *a.connected.Load() {
		if z >= s.minZoom && z <= s.maxZoom {
			return false
		}
	}
	return true
}

func (a *ProviderArray) refreshConnected() {
	a.providersMu.RLock()
	var spans []zoomSpan
	for _, m := range a.modules {
		if m.NeedsConnectivity() {
			spans = append(spans, zoomSpan{minZoom: m.MinZoom(), maxZoom: m.MaxZoom()})
		}
	}
	a.providersMu.RUnlock()
	a.connected.Store(&spans)
}

func (a *ProviderArray) snapshot() []*provider.Module {
	a.providersMu.RLock()
	defer a.providersMu.RUnlock()
	return slices.Clone(a.modules)
}

func (a *ProviderArray) registered(m *provider.Module) bool {
	a.providersMu.RLock()
	defer a.providersMu.RUnlock()
	return slices.Contains(a.modules, m)
}

// findNextAppropriateProvider advances the cursor of state to a provider
// that is still registered, reachable without a data connection when
// offline, and serves the zoom. It returns nil once the chain is exhausted.
func (a *ProviderArray) findNextAppropriateProvider(state *provider.RequestState) *provider.Module {
	online := !a.offline.Load()
	for {
		m := state.Next()
		if m == nil {
			return nil
		}
		if !a.registered(m) {
			continue
		}
		if m.NeedsConnectivity() && !online {
			continue
		}
		if !provider.Reachable(m, state.Index()) {
			continue
		}
		return m
	}
}

// runNext dispatches state to the next provider or ends the request.
// Requests of a previous tile source end without trying further providers.
func (a *ProviderArray) runNext(state *provider.RequestState) {
	if a.stale(state) {
		a.finish(state)
		return
	}
	if m := a.findNextAppropriateProvider(state); m != nil {
		m.LoadAsync(state, a)
		return
	}

	idx := state.Index()
	status, ok := a.finish(state)
	if !ok {
		return
	}

	switch status {
	case statusStarted:
		if img := a.placeholder(); img != nil {
			if a.putCurrent(state, img, tile.StateNotFound) {
				a.notify(Event{Index: idx, Kind: EventLoaded})
			}
			return
		}
		a.logger.Debug("No provider has the tile", "tile", idx, "request", state.ID)
		a.notify(Event{Index: idx, Kind: EventFailed})
	case statusFound:
		a.notify(Event{Index: idx, Kind: EventDone})
	}
}

// stale reports whether state was issued before the last source change.
func (a *ProviderArray) stale(state *provider.RequestState) bool {
	return state.Generation != a.generation.Load()
}

// finish drops the working entry of state and returns its status. Entries
// started for another generation are left alone.
func (a *ProviderArray) finish(state *provider.RequestState) (workStatus, bool) {
	idx := state.Index()
	a.workMu.Lock()
	defer a.workMu.Unlock()
	w, ok := a.working[idx]
	if !ok || w.gen != state.Generation {
		return 0, false
	}
	delete(a.working, idx)
	return w.status, true
}

// putCurrent caches img unless state belongs to a previous tile source.
func (a *ProviderArray) putCurrent(state *provider.RequestState, img image.Image, s tile.State) bool {
	a.sourceMu.RLock()
	defer a.sourceMu.RUnlock()
	if a.stale(state) {
		a.logger.Debug("Dropping tile of a previous source", "tile", state.Index(), "request", state.ID)
		return false
	}
	a.cache.Put(state.Index(), img, s)
	return true
}

// TileLoaded implements provider.Callback.
func (a *ProviderArray) TileLoaded(state *provider.RequestState, t tile.Tile) {
	idx := state.Index()
	if !a.putCurrent(state, t.Image, tile.StateUpToDate) {
		a.finish(state)
		return
	}
	a.finish(state)
	a.notify(Event{Index: idx, Kind: EventLoaded, Provider: state.CurrentName()})
}

// TileFailed implements provider.Callback: the next provider gets a try.
func (a *ProviderArray) TileFailed(state *provider.RequestState) {
	a.runNext(state)
}

// TileFailedQueueFull implements provider.Callback. The request ends
// here; later providers are not tried.
func (a *ProviderArray) TileFailedQueueFull(state *provider.RequestState) {
	if _, ok := a.finish(state); !ok && a.stale(state) {
		return
	}
	a.notify(Event{Index: state.Index(), Kind: EventQueueFull, Provider: state.CurrentName()})
}

// TileExpired implements provider.Callback. The stale tile is shown while
// the rest of the chain looks for a fresh one.
func (a *ProviderArray) TileExpired(state *provider.RequestState, t tile.Tile) {
	idx := state.Index()
	if !a.putCurrent(state, t.Image, t.State) {
		a.finish(state)
		return
	}

	a.workMu.Lock()
	if w, ok := a.working[idx]; ok && w.gen == state.Generation {
		a.working[idx] = work{status: statusFound, gen: w.gen}
	}
	a.workMu.Unlock()

	a.notify(Event{Index: idx, Kind: EventExpired, Provider: state.CurrentName()})
	a.runNext(state)
}

// AddListener registers fn for every request outcome.
func (a *ProviderArray) AddListener(fn Listener) {
	a.listenersMu.Lock()
	defer a.listenersMu.Unlock()
	a.listeners = append(a.listeners, fn)
}

func (a *ProviderArray) notify(ev Event) {
	a.listenersMu.RLock()
	listeners := slices.Clone(a.listeners)
	a.listenersMu.RUnlock()

	for _, fn := range listeners {
		a.callListener(fn, ev)
	}
}

func (a *ProviderArray) callListener(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Recovered from panic in tile listener", "tile", ev.Index, "panic", r)
		}
	}()
	fn(ev)
}

// Contains reports whether idx is being loaded. It protects loading tiles
// from eviction.
func (a *ProviderArray) Contains(idx tile.Index) bool {
	a.workMu.Lock()
	defer a.workMu.Unlock()
	_, ok := a.working[idx]
	return ok
}

// QueueSize returns the number of tiles being loaded.
func (a *ProviderArray) QueueSize() int {
	a.workMu.Lock()
	defer a.workMu.Unlock()
	return len(a.working)
}

// MinZoom is the lowest zoom any provider serves.
func (a *ProviderArray) MinZoom() int {
	result := tile.MaxZoom
	for _, m := range a.snapshot() {
		result = min(result, m.MinZoom())
	}
	return result
}

// MaxZoom is the highest zoom any provider serves.
func (a *ProviderArray) MaxZoom() int {
	result := 0
	for _, m := range a.snapshot() {
		result = max(result, m.MaxZoom())
	}
	return result
}

// Source returns the active tile source.
func (a *ProviderArray) Source() tile.Source {
	return *a.source.Load()
}

// SetTileSource switches every provider to src and drops the tiles of the
// previous source. Loads still running for the previous source are
// discarded when they finish, and new requests are dispatched afresh.
func (a *ProviderArray) SetTileSource(src tile.Source) {
	a.source.Store(&src)
	for _, m := range a.snapshot() {
		m.SetTileSource(src)
	}

	// Providers are switched first: every load started before the bump
	// may have used the old source.
	a.sourceMu.Lock()
	a.workMu.Lock()
	a.generation.Add(1)
	clear(a.working)
	a.workMu.Unlock()
	a.sourceMu.Unlock()

	a.refreshConnected()
	a.ClearTileCache()
	a.logger.Info("Tile source changed", "source", src.Name)
}

// SetNotFoundImage sets the placeholder cached for missing tiles. Nil
// disables it.
func (a *ProviderArray) SetNotFoundImage(img image.Image) {
	img = ownPlaceholder(img)
	a.notFound.Store(&img)
}

func (a *ProviderArray) placeholder() image.Image {
	if p := a.notFound.Load(); p != nil {
		return *p
	}
	return nil
}

// SetUseDataConnection allows or forbids providers that need a data
// connection.
func (a *ProviderArray) SetUseDataConnection(use bool) {
	a.offline.Store(!use)
}

// UseDataConnection reports whether connected providers may be used.
func (a *ProviderArray) UseDataConnection() bool {
	return !a.offline.Load()
}

// Cache returns the decoded tile cache.
func (a *ProviderArray) Cache() *cache.TileCache {
	return a.cache
}

// EnsureCapacity grows the cache to hold at least n tiles.
func (a *ProviderArray) EnsureCapacity(n int) bool {
	return a.cache.EnsureCapacity(n)
}

// ClearTileCache removes every cached tile.
func (a *ProviderArray) ClearTileCache() {
	a.cache.Clear()
}

// SetVisibleArea protects area and the additional areas derived from it.
func (a *ProviderArray) SetVisibleArea(area tile.Area) {
	a.cache.SetVisibleArea(area)
}

// RescaleCache fills the tiles of area, at newZoom, that are not loaded
// yet with tiles scaled from oldZoom. It returns empty stats when
// rescaling is disabled.
func (a *ProviderArray) RescaleCache(ctx context.Context, newZoom, oldZoom int, area tile.Area) rescale.Stats {
	if a.rescaler == nil || a.detached.Load() {
		return rescale.Stats{}
	}
	return a.rescaler.Rescale(ctx, newZoom, oldZoom, area)
}

// Maintenance starts a pre-cache sweep over the additional areas. It
// reports whether a sweep was started.
func (a *ProviderArray) Maintenance(ctx context.Context) bool {
	if a.warmer == nil || a.detached.Load() {
		return false
	}
	return a.warmer.Fill(ctx)
}

// syncProviders lists the modules for synchronous loads.
func (a *ProviderArray) syncProviders() []provider.Provider {
	modules := a.snapshot()
	out := make([]provider.Provider, len(modules))
	for i, m := range modules {
		out[i] = m
	}
	return out
}

// Detach stops the pre-cache, detaches every provider, and drops the
// working set and the cache. Results of loads still running are dropped.
func (a *ProviderArray) Detach() error {
	if !a.detached.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	if a.warmer != nil {
		if err := a.warmer.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	a.providersMu.Lock()
	modules := a.modules
	a.modules = nil
	a.providersMu.Unlock()
	a.refreshConnected()

	for _, m := range modules {
		if err := m.Detach(); err != nil {
			errs = append(errs, err)
		}
	}

	a.workMu.Lock()
	clear(a.working)
	a.workMu.Unlock()

	a.cache.Clear()

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	a.logger.Info("Provider array detached", "providers", len(modules))
	return errors.Join(errs...)
}

// Health reports the cache, store and provider state.
func (a *ProviderArray) Health(ctx context.Context) types.HealthMetrics {
	h := types.HealthMetrics{
		Timestamp: time.Now(),
		Cache: types.CacheHealthMetrics{
			Size:     a.cache.Size(),
			Capacity: a.cache.Capacity(),
			InFlight: a.QueueSize(),
		},
		Status: types.HealthStatusHealthy,
	}
	if s, ok := a.metrics.(interface{ Snapshot() types.MetricsSnapshot }); ok {
		h.Cache.Evictions = s.Snapshot().CacheEvictions
	}
	if a.store != nil {
		h.Stores = a.store.Health(ctx)
		if h.Stores.Status != types.HealthStatusHealthy {
			h.Status = types.HealthStatusDegraded
		}
	}

	for _, m := range a.snapshot() {
		ph := m.Health()
		if ph.CircuitBreakerState == resilience.StateOpen.String() {
			h.Status = types.HealthStatusDegraded
		}
		h.Providers = append(h.Providers, ph)
	}
	if len(h.Providers) == 0 || a.detached.Load() {
		h.Status = types.HealthStatusUnhealthy
	}
	return h
}

// PublisherHealth summarizes Health for metrics publishers.
func (a *ProviderArray) PublisherHealth() *types.PublisherHealthMetrics {
	size, capacity := a.cache.Size(), a.cache.Capacity()
	m := &types.PublisherHealthMetrics{
		CachedTiles:   int64(size),
		CacheCapacity: int64(capacity),
		InFlight:      int64(a.QueueSize()),
	}
	if capacity > 0 {
		m.CacheUsageRatio = float64(size) / float64(capacity)
	}
	if s, ok := a.metrics.(interface{ Snapshot() types.MetricsSnapshot }); ok {
		snap := s.Snapshot()
		m.HitRatio = snap.CacheHitRatio()
		m.AverageLatencyMs = snap.AvgLatencyMs
		m.QueueRejections = snap.QueueRejections
	}
	if a.store != nil {
		m.StoreConnected = a.store.IsAvailable()
	}
	return m
}

var _ provider.Callback = (*ProviderArray)(nil)
