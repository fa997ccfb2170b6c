// Package rescale synthesizes placeholder tiles from cached tiles of
// another zoom level while the real tiles of a new zoom level load.
package rescale

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/LavishGent/tilepipe/internal/cache"
	"github.com/LavishGent/tilepipe/internal/tile"
	"github.com/LavishGent/tilepipe/internal/types"
)

const (
	// DefaultMaxZoomOutDelta is the zoom out distance from which no
	// composite is attempted; 4 levels mean 256 source tiles per tile.
	DefaultMaxZoomOutDelta = 4
	// DefaultWorkers bounds the tiles composed concurrently.
	DefaultWorkers = 4
)

// Directions reported in Stats and to the metrics recorder.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Lookup returns the image currently available for idx, possibly starting
// its load. Rescaling skips tiles for which it returns an image.
type Lookup func(idx tile.Index) image.Image

// Options configures an Engine.
type Options struct {
	Cache *cache.TileCache
	// Lookup defaults to reading the cache.
	Lookup          Lookup
	TileSize        int
	MaxZoomOutDelta int
	Workers         int
	Metrics         types.MetricsRecorder
	Logger          *slog.Logger
}

// Stats summarizes one rescale pass.
type Stats struct {
	Direction  string
	Candidates int
	Produced   int
	Failed     int
	Elapsed    time.Duration
}

// Engine runs rescale passes against a tile cache. Tiles read by a pass
// are protected from eviction until the pass ends.
type Engine struct {
	cache           *cache.TileCache
	lookup          Lookup
	tileSize        int
	maxZoomOutDelta int
	workers         int
	metrics         types.MetricsRecorder
	logger          *slog.Logger

	mu     sync.Mutex
	nextID int
	active map[int]tile.Area
}

// New creates an engine and registers it as a protector of opts.Cache.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		cache:           opts.Cache,
		lookup:          opts.Lookup,
		tileSize:        opts.TileSize,
		maxZoomOutDelta: opts.MaxZoomOutDelta,
		workers:         opts.Workers,
		metrics:         opts.Metrics,
		logger:          logger.With("component", "rescale"),
		active:          make(map[int]tile.Area),
	}
	if e.tileSize <= 0 {
		e.tileSize = 256
		if pool := opts.Cache.Pool(); pool != nil {
			e.tileSize = pool.TileSize()
		}
	}
	if e.maxZoomOutDelta <= 0 {
		e.maxZoomOutDelta = DefaultMaxZoomOutDelta
	}
	if e.workers <= 0 {
		e.workers = DefaultWorkers
	}
	if e.lookup == nil {
		e.lookup = func(idx tile.Index) image.Image {
			t, _ := opts.Cache.Get(idx)
			return t.Image
		}
	}
	opts.Cache.AddProtector(e)
	return e
}

// Contains reports whether idx is a source tile of a running pass.
func (e *Engine) Contains(idx tile.Index) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, a := range e.active {
		if a.Contains(idx) {
			return true
		}
	}
	return false
}

func (e *Engine) protect(a tile.Area) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.active[e.nextID] = a
	return e.nextID
}

func (e *Engine) unprotect(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, id)
}

// Rescale fills the tiles of area, taken at newZoom, that have no image
// yet with Scaled placeholders built from the tiles cached at oldZoom.
// Placeholders are written only after the whole pass has been computed.
func (e *Engine) Rescale(ctx context.Context, newZoom, oldZoom int, area tile.Area) Stats {
	delta := newZoom - oldZoom
	if delta == 0 || area.IsEmpty() {
		return Stats{}
	}
	if area.Zoom != newZoom {
		var ok bool
		if area, ok = (tile.ZoomComputer{Delta: newZoom - area.Zoom}).Compute(area); !ok {
			return Stats{}
		}
	}

	stats := Stats{Direction: DirectionIn}
	if delta < 0 {
		stats.Direction = DirectionOut
		if -delta >= e.maxZoomOutDelta {
			e.logger.Debug("Zoom out too far to composite", "delta", -delta)
			return stats
		}
	}

	sources, ok := (tile.ZoomComputer{Delta: -delta}).Compute(area)
	if !ok {
		return stats
	}
	id := e.protect(sources)
	defer e.unprotect(id)

	start := time.Now()
	var (
		mu      sync.Mutex
		results = make(map[tile.Index]image.Image)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for idx := range area.Indices() {
		if gctx.Err() != nil {
			break
		}
		if e.lookup(idx) != nil {
			continue
		}
		stats.Candidates++
		g.Go(func() error {
			img, err := e.compose(idx, delta)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				stats.Failed++
				e.logger.Warn("Failed to rescale tile", "tile", idx, "error", err)
				if e.metrics != nil {
					e.metrics.RecordError("rescale", "compose", err)
				}
				return nil
			}
			if img != nil {
				results[idx] = img
			}
			return nil
		})
	}
	_ = g.Wait()

	for idx, img := range results {
		if ctx.Err() == nil && e.cache.Put(idx, img, tile.StateScaled) {
			stats.Produced++
			continue
		}
		e.recycle(img)
	}

	stats.Elapsed = time.Since(start)
	if e.metrics != nil {
		e.metrics.RecordRescale(stats.Direction, stats.Produced, stats.Elapsed)
	}
	e.logger.Debug("Rescaled cache",
		"direction", stats.Direction,
		"from", oldZoom,
		"to", newZoom,
		"candidates", stats.Candidates,
		"produced", stats.Produced,
		"elapsed", stats.Elapsed)
	return stats
}

// compose builds the placeholder for one tile. A panic while drawing is
// turned into an error so the rest of the pass carries on.
func (e *Engine) compose(idx tile.Index, delta int) (img image.Image, err error) {
	defer func() {
		if r := recover(); r != nil {
			img = nil
			err = fmt.Errorf("compose %s: panic: %v", idx, r)
		}
	}()
	if delta > 0 {
		return e.zoomIn(idx, delta), nil
	}
	return e.zoomOut(idx, -delta), nil
}

func (e *Engine) zoomIn(idx tile.Index, delta int) image.Image {
	ancestor, ok := e.cache.Get(idx.Ancestor(delta))
	if !ok || ancestor.Image == nil {
		return nil
	}
	dst := e.newImage()
	if !CropScale(dst, ancestor.Image, idx, delta) {
		e.recycle(dst)
		return nil
	}
	return dst
}

func (e *Engine) zoomOut(idx tile.Index, delta int) image.Image {
	n := 1 << delta
	zoom := idx.Zoom() + delta
	left := idx.X() << delta
	top := idx.Y() << delta

	cells := make([]image.Image, n*n)
	found := 0
	for col := 0; col < n; col++ {
		for row := 0; row < n; row++ {
			if t, ok := e.cache.Get(tile.New(zoom, left+col, top+row)); ok && t.Image != nil {
				cells[row*n+col] = t.Image
				found++
			}
		}
	}
	if found == 0 {
		return nil
	}

	dst := e.newImage()
	Composite(dst, n, func(col, row int) image.Image {
		return cells[row*n+col]
	})
	return dst
}

func (e *Engine) newImage() *image.RGBA {
	if pool := e.cache.Pool(); pool != nil && pool.TileSize() == e.tileSize {
		return pool.Get()
	}
	return image.NewRGBA(image.Rect(0, 0, e.tileSize, e.tileSize))
}

func (e *Engine) recycle(img image.Image) {
	if pool := e.cache.Pool(); pool != nil {
		pool.Put(img)
	}
}
