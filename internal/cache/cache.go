// Package cache holds decoded tile images in a bounded, recency ordered
// cache whose visible and protected tiles are never evicted.
package cache

import (
	"container/list"
	"image"
	"log/slog"
	"sync"

	"github.com/LavishGent/tilepipe/internal/tile"
	"github.com/LavishGent/tilepipe/internal/types"
)

// Protector reports tiles that must survive eviction, such as tiles that
// are still being loaded.
type Protector interface {
	Contains(idx tile.Index) bool
}

// RemovedListener is told about every tile that leaves the cache.
type RemovedListener func(idx tile.Index, t tile.Tile)

// Options configures a TileCache.
type Options struct {
	Capacity int
	// AutoEnsureCapacity grows the capacity to the size of the visible and
	// additional areas whenever the visible area changes.
	AutoEnsureCapacity bool
	Pool               *Pool
	Metrics            types.MetricsRecorder
	Logger             *slog.Logger
}

type entry struct {
	idx  tile.Index
	tile tile.Tile
	// shared is set once Get has handed the image out. Shared images are
	// left to the garbage collector instead of the reuse pool.
	shared bool
}

// TileCache is an LRU of decoded tiles with a protected set.
type TileCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[tile.Index]*list.Element
	order    *list.List // front is most recently used

	visible    tile.Area
	hasVisible bool
	computers  []tile.AreaComputer
	additional tile.AreaList
	protectors []Protector

	autoEnsure bool
	onRemoved  RemovedListener
	pool       *Pool
	metrics    types.MetricsRecorder
	logger     *slog.Logger
}

// New creates a tile cache.
func New(opts Options) *TileCache {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TileCache{
		capacity:   max(opts.Capacity, 0),
		entries:    make(map[tile.Index]*list.Element),
		order:      list.New(),
		autoEnsure: opts.AutoEnsureCapacity,
		pool:       opts.Pool,
		metrics:    opts.Metrics,
		logger:     logger.With("component", "tile-cache"),
	}
}

// Get returns the cached tile and marks it most recently used.
func (c *TileCache) Get(idx tile.Index) (tile.Tile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[idx]
	if !ok {
		return tile.Tile{}, false
	}
	c.order.MoveToFront(el)
	e := el.Value.(*entry)
	e.shared = true
	return e.tile, true
}

// Contains reports whether the tile is cached without touching recency.
func (c *TileCache) Contains(idx tile.Index) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[idx]
	return ok
}

// Put stores img in the given state unless the cached entry has a higher
// precedence state. A nil image is ignored. It reports whether the write
// was applied.
func (c *TileCache) Put(idx tile.Index, img image.Image, state tile.State) bool {
	if img == nil {
		return false
	}

	var replaced *entry
	c.mu.Lock()
	if el, ok := c.entries[idx]; ok {
		e := el.Value.(*entry)
		if !state.Precedes(e.tile.State) {
			c.mu.Unlock()
			return false
		}
		if e.tile.Image != img {
			replaced = &entry{idx: idx, tile: e.tile, shared: e.shared}
			e.shared = false
		}
		e.tile = tile.Tile{Image: img, State: state}
		c.order.MoveToFront(el)
	} else {
		c.entries[idx] = c.order.PushFront(&entry{idx: idx, tile: tile.Tile{Image: img, State: state}})
	}
	evicted := c.evictLocked(idx)
	c.mu.Unlock()

	if replaced != nil {
		c.recycle(replaced, false)
	}
	c.released(evicted)
	if c.metrics != nil {
		for range evicted {
			c.metrics.RecordEviction()
		}
	}
	return true
}

// evictLocked removes unprotected entries, least recently used first,
// until the cache fits its capacity. The entry just written is kept.
func (c *TileCache) evictLocked(keep tile.Index) []*entry {
	var evicted []*entry
	el := c.order.Back()
	for c.order.Len() > c.capacity && el != nil {
		prev := el.Prev()
		e := el.Value.(*entry)
		if e.idx != keep && !c.protectedLocked(e.idx) {
			c.order.Remove(el)
			delete(c.entries, e.idx)
			evicted = append(evicted, e)
		}
		el = prev
	}
	if len(evicted) > 0 {
		c.logger.Debug("Evicted tiles", "count", len(evicted), "size", c.order.Len())
	}
	return evicted
}

func (c *TileCache) protectedLocked(idx tile.Index) bool {
	if c.hasVisible && c.visible.Contains(idx) {
		return true
	}
	if c.additional.Contains(idx) {
		return true
	}
	for _, p := range c.protectors {
		if p.Contains(idx) {
			return true
		}
	}
	return false
}

// released notifies the listener and recycles images of removed entries.
// Images passed to the listener are not recycled since it may keep them.
// It must be called without holding c.mu.
func (c *TileCache) released(removed []*entry) {
	if len(removed) == 0 {
		return
	}
	c.mu.Lock()
	listener := c.onRemoved
	c.mu.Unlock()

	for _, e := range removed {
		if listener != nil {
			listener(e.idx, e.tile)
		}
		c.recycle(e, listener != nil)
	}
}

func (c *TileCache) recycle(e *entry, kept bool) {
	if c.pool == nil || e.shared || kept {
		return
	}
	c.pool.Put(e.tile.Image)
}

// Remove drops one tile. It reports whether the tile was cached.
func (c *TileCache) Remove(idx tile.Index) bool {
	c.mu.Lock()
	el, ok := c.entries[idx]
	if !ok {
		c.mu.Unlock()
		return false
	}
	e := el.Value.(*entry)
	c.order.Remove(el)
	delete(c.entries, idx)
	c.mu.Unlock()

	c.released([]*entry{e})
	return true
}

// Clear removes every tile one at a time so each removal is reported.
// Tiles removed concurrently are skipped.
func (c *TileCache) Clear() {
	c.mu.Lock()
	keys := make([]tile.Index, 0, len(c.entries))
	for idx := range c.entries {
		keys = append(keys, idx)
	}
	c.mu.Unlock()

	for _, idx := range keys {
		c.Remove(idx)
	}

	c.mu.Lock()
	var rest []*entry
	for el := c.order.Front(); el != nil; el = el.Next() {
		rest = append(rest, el.Value.(*entry))
	}
	c.entries = make(map[tile.Index]*list.Element)
	c.order.Init()
	c.mu.Unlock()

	c.released(rest)
}

// EnsureCapacity raises the capacity to n. Capacity never shrinks. It
// reports whether the capacity grew.
func (c *TileCache) EnsureCapacity(n int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureCapacityLocked(n)
}

func (c *TileCache) ensureCapacityLocked(n int) bool {
	if n <= c.capacity {
		return false
	}
	c.logger.Debug("Growing tile cache", "from", c.capacity, "to", n)
	c.capacity = n
	return true
}

// SetVisibleArea protects the area and recomputes the additional areas.
func (c *TileCache) SetVisibleArea(area tile.Area) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.visible = area
	c.hasVisible = !area.IsEmpty()
	c.recomputeLocked()
	if c.autoEnsure {
		c.ensureCapacityLocked(c.visible.Size() + c.additional.Size())
	}
}

// VisibleArea returns the protected visible area.
func (c *TileCache) VisibleArea() (tile.Area, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.visible, c.hasVisible
}

// AddAreaComputer registers a computer deriving an additional area from
// the visible one.
func (c *TileCache) AddAreaComputer(ac tile.AreaComputer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.computers = append(c.computers, ac)
	c.recomputeLocked()
}

func (c *TileCache) recomputeLocked() {
	c.additional = c.additional[:0]
	if !c.hasVisible {
		return
	}
	for _, ac := range c.computers {
		if a, ok := ac.Compute(c.visible); ok {
			c.additional = append(c.additional, a)
		}
	}
}

// AdditionalAreas returns a copy of the computed additional areas.
func (c *TileCache) AdditionalAreas() tile.AreaList {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append(tile.AreaList(nil), c.additional...)
}

// AddProtector registers p. Protectors are consulted with the cache lock
// held and must not call back into the cache.
func (c *TileCache) AddProtector(p Protector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.protectors = append(c.protectors, p)
}

// SetRemovedListener sets the listener fired for every removed tile.
func (c *TileCache) SetRemovedListener(fn RemovedListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRemoved = fn
}

// Size returns the number of cached tiles.
func (c *TileCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Capacity returns the current capacity.
func (c *TileCache) Capacity() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity
}

// Pool returns the reuse pool, nil when recycling is off.
func (c *TileCache) Pool() *Pool {
	return c.pool
}
