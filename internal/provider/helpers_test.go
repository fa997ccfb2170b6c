package provider

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

func testSource() tile.Source {
	src := tile.DefaultSource()
	src.Name = "Test"
	src.MaxZoom = 20
	return src
}

// fakeProvider answers from a map and counts loads. block, when set,
// holds every load until it is closed.
type fakeProvider struct {
	name       string
	minZoom    int
	maxZoom    int
	needsNet   bool
	tiles      map[tile.Index]tile.Tile
	err        error
	panicValue any
	block      chan struct{}
	closed     bool

	mu    sync.Mutex
	loads []tile.Index
}

func newFakeProvider(name string, minZoom, maxZoom int) *fakeProvider {
	return &fakeProvider{name: name, minZoom: minZoom, maxZoom: maxZoom, tiles: make(map[tile.Index]tile.Tile)}
}

func (f *fakeProvider) Name() string            { return f.name }
func (f *fakeProvider) MinZoom() int            { return f.minZoom }
func (f *fakeProvider) MaxZoom() int            { return f.maxZoom }
func (f *fakeProvider) NeedsConnectivity() bool { return f.needsNet }

func (f *fakeProvider) Load(ctx context.Context, idx tile.Index) (tile.Tile, error) {
	f.mu.Lock()
	f.loads = append(f.loads, idx)
	f.mu.Unlock()

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return tile.Tile{}, ctx.Err()
		}
	}
	if f.panicValue != nil {
		panic(f.panicValue)
	}
	if f.err != nil {
		return tile.Tile{}, f.err
	}
	if t, ok := f.tiles[idx]; ok {
		return t, nil
	}
	return tile.Tile{}, types.ErrTileNotFound
}

func (f *fakeProvider) Close() error {
	f.closed = true
	return nil
}

func (f *fakeProvider) loadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.loads)
}

type outcome struct {
	kind  string
	state *RequestState
	tile  tile.Tile
}

// recorder is a Callback collecting outcomes on a channel.
type recorder struct {
	ch chan outcome
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan outcome, 64)}
}

func (r *recorder) TileLoaded(s *RequestState, t tile.Tile) { r.ch <- outcome{"loaded", s, t} }
func (r *recorder) TileFailed(s *RequestState)              { r.ch <- outcome{"failed", s, tile.Tile{}} }
func (r *recorder) TileFailedQueueFull(s *RequestState)     { r.ch <- outcome{"queue-full", s, tile.Tile{}} }
func (r *recorder) TileExpired(s *RequestState, t tile.Tile) {
	r.ch <- outcome{"expired", s, t}
}

func (r *recorder) next(t *testing.T) outcome {
	t.Helper()
	select {
	case o := <-r.ch:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a callback")
		return outcome{}
	}
}

func (r *recorder) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case o := <-r.ch:
		t.Fatalf("unexpected callback %q", o.kind)
	case <-time.After(wait):
	}
}
