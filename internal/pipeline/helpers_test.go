package pipeline

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/LavishGent/tilepipe/internal/cache"
	"github.com/LavishGent/tilepipe/internal/config"
	"github.com/LavishGent/tilepipe/internal/provider"
	"github.com/LavishGent/tilepipe/internal/tile"
	"github.com/LavishGent/tilepipe/internal/types"
)

var (
	red   = color.RGBA{R: 0xff, A: 0xff}
	green = color.RGBA{G: 0xff, A: 0xff}
	blue  = color.RGBA{B: 0xff, A: 0xff}
)

func solid(c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 256, 256))
	draw.Draw(img, img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	return img
}

func pngBytes(t testing.TB, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode() error = %v", err)
	}
	return buf.Bytes()
}

func colorAt(img image.Image, x, y int) color.RGBA {
	return color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)
}

// fakeProvider serves tiles from a map and counts loads per tile. block,
// when set, holds loads until it is closed.
type fakeProvider struct {
	name     string
	minZoom  int
	maxZoom  int
	needsNet bool
	block    chan struct{}

	mu    sync.Mutex
	tiles map[tile.Index]tile.Tile
	loads map[tile.Index]int
}

func newFake(name string, minZoom, maxZoom int) *fakeProvider {
	return &fakeProvider{
		name:    name,
		minZoom: minZoom,
		maxZoom: maxZoom,
		tiles:   make(map[tile.Index]tile.Tile),
		loads:   make(map[tile.Index]int),
	}
}

func (f *fakeProvider) Name() string            { return f.name }
func (f *fakeProvider) MinZoom() int            { return f.minZoom }
func (f *fakeProvider) MaxZoom() int            { return f.maxZoom }
func (f *fakeProvider) NeedsConnectivity() bool { return f.needsNet }

func (f *fakeProvider) Load(ctx context.Context, idx tile.Index) (tile.Tile, error) {
	f.mu.Lock()
	f.loads[idx]++
	f.mu.Unlock()
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return tile.Tile{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tiles[idx]; ok {
		return t, nil
	}
	return tile.Tile{}, types.ErrTileNotFound
}

func (f *fakeProvider) put(idx tile.Index, c color.Color, state tile.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tiles[idx] = tile.Tile{Image: solid(c), State: state}
}

func (f *fakeProvider) loadCount(idx tile.Index) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads[idx]
}

// sourceFake paints tiles in the color of the source active when the load
// started. Loads wait on gate and announce themselves on started.
type sourceFake struct {
	colors  map[string]color.RGBA
	gate    chan struct{}
	started chan string

	mu    sync.Mutex
	src   string
	loads int
}

func (f *sourceFake) Name() string            { return "source-aware" }
func (f *sourceFake) MinZoom() int            { return 0 }
func (f *sourceFake) MaxZoom() int            { return 18 }
func (f *sourceFake) NeedsConnectivity() bool { return false }

func (f *sourceFake) SetTileSource(src tile.Source) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.src = src.Name
}

func (f *sourceFake) Load(ctx context.Context, idx tile.Index) (tile.Tile, error) {
	f.mu.Lock()
	src := f.src
	f.loads++
	f.mu.Unlock()

	f.started <- src
	select {
	case <-f.gate:
	case <-ctx.Done():
		return tile.Tile{}, ctx.Err()
	}
	return tile.Tile{Image: solid(f.colors[src]), State: tile.StateUpToDate}, nil
}

func (f *sourceFake) loadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads
}

func unbounded(ps ...provider.Provider) []*provider.Module {
	modules := make([]*provider.Module, len(ps))
	for i, p := range ps {
		modules[i] = provider.NewModule(p, config.BulkheadConfig{}, provider.ModuleOptions{})
	}
	return modules
}

func newArray(t *testing.T, modules []*provider.Module, opts ArrayOptions) *ProviderArray {
	t.Helper()
	c := cache.New(cache.Options{Capacity: 64})
	a := NewProviderArray(c, modules, opts)
	t.Cleanup(func() { _ = a.Detach() })
	return a
}

// eventLog collects listener events on a channel.
type eventLog struct {
	ch chan Event
}

func listen(a *ProviderArray) *eventLog {
	l := &eventLog{ch: make(chan Event, 128)}
	a.AddListener(func(ev Event) { l.ch <- ev })
	return l
}

func (l *eventLog) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-l.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a tile event")
		return Event{}
	}
}

func (l *eventLog) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-l.ch:
		t.Fatalf("unexpected event %v for %v", ev.Kind, ev.Index)
	case <-time.After(wait):
	}
}
