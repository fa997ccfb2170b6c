package precache

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LavishGent/tilepipe/internal/cache"
	"github.com/LavishGent/tilepipe/internal/metrics"
	"github.com/LavishGent/tilepipe/internal/provider"
	"github.com/LavishGent/tilepipe/internal/tile"
	"github.com/LavishGent/tilepipe/internal/types"
)

func solid(c color.Color) image.Image {
	return image.NewUniform(c)
}

// stubProvider answers every load with img, err or a panic.
type stubProvider struct {
	name     string
	minZoom  int
	maxZoom  int
	net      bool
	prefetch *bool
	img      image.Image
	err      error
	panics   bool
	block    chan struct{}

	mu    sync.Mutex
	loads int
}

func (s *stubProvider) Name() string            { return s.name }
func (s *stubProvider) MinZoom() int            { return s.minZoom }
func (s *stubProvider) MaxZoom() int            { return s.maxZoom }
func (s *stubProvider) NeedsConnectivity() bool { return s.net }

func (s *stubProvider) Load(ctx context.Context, idx tile.Index) (tile.Tile, error) {
	s.mu.Lock()
	s.loads++
	s.mu.Unlock()
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return tile.Tile{}, ctx.Err()
		}
	}
	if s.panics {
		panic("boom")
	}
	if s.err != nil {
		return tile.Tile{}, s.err
	}
	if s.img == nil {
		return tile.Tile{}, types.ErrTileNotFound
	}
	return tile.Tile{Image: s.img, State: tile.StateUpToDate}, nil
}

func (s *stubProvider) loadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads
}

// prefetchProvider adds a prefetch policy to stubProvider.
type prefetchProvider struct {
	*stubProvider
	allow bool
}

func (p prefetchProvider) AllowsPrefetch() bool { return p.allow }

// sameArea warms the visible area itself.
type sameArea struct{}

func (sameArea) Compute(src tile.Area) (tile.Area, bool) { return src, !src.IsEmpty() }

func newCache(visible tile.Area, computers ...tile.AreaComputer) *cache.TileCache {
	c := cache.New(cache.Options{Capacity: 256})
	for _, ac := range computers {
		c.AddAreaComputer(ac)
	}
	c.SetVisibleArea(visible)
	return c
}

func providers(ps ...provider.Provider) func() []provider.Provider {
	return func() []provider.Provider { return ps }
}

func TestWarmerFillsFromFirstProvider(t *testing.T) {
	visible := tile.NewArea(3, 2, 2, 2, 2)
	c := newCache(visible, tile.BorderComputer{Border: 1})

	first := &stubProvider{name: "first", maxZoom: 10, img: solid(color.White)}
	second := &stubProvider{name: "second", maxZoom: 10, img: solid(color.Black)}
	tracker := metrics.NewTracker()
	w := New(Options{Cache: c, Providers: providers(first, second), Metrics: tracker})
	defer w.Close()

	require.True(t, w.Fill(context.Background()))
	w.Wait()

	assert.Equal(t, 16, c.Size())
	assert.Equal(t, 16, first.loadCount())
	assert.Zero(t, second.loadCount())

	got, ok := c.Get(tile.New(3, 1, 1))
	require.True(t, ok)
	assert.Equal(t, tile.StateUpToDate, got.State)
	assert.EqualValues(t, 16, tracker.Snapshot().PrecachedTiles)
}

func TestWarmerSkipsCachedTiles(t *testing.T) {
	c := newCache(tile.NewArea(2, 0, 0, 2, 1))
	c.Put(tile.New(2, 0, 0), solid(color.White), tile.StateUpToDate)

	p := &stubProvider{name: "p", maxZoom: 5, img: solid(color.Black)}
	w := New(Options{Cache: c, Providers: providers(p)})
	defer w.Close()

	// Without area computers there is nothing to warm.
	require.True(t, w.Fill(context.Background()))
	w.Wait()
	assert.Zero(t, p.loadCount())

	c.AddAreaComputer(sameArea{})
	require.True(t, w.Fill(context.Background()))
	w.Wait()
	assert.Equal(t, 1, p.loadCount())
	assert.True(t, c.Contains(tile.New(2, 1, 0)))
}

func TestWarmerSwallowsErrors(t *testing.T) {
	c := newCache(tile.NewArea(4, 0, 0, 1, 1), tile.BorderComputer{Border: 1})

	panicky := &stubProvider{name: "panicky", maxZoom: 10, panics: true}
	failing := &stubProvider{name: "failing", maxZoom: 10, err: errors.New("disk on fire")}
	good := &stubProvider{name: "good", maxZoom: 10, img: solid(color.White)}
	w := New(Options{Cache: c, Providers: providers(panicky, failing, good)})
	defer w.Close()

	require.True(t, w.Fill(context.Background()))
	w.Wait()

	// The border clips at the top and wraps on the left: 3 columns, 2 rows.
	assert.Equal(t, 6, c.Size())
	assert.Equal(t, 6, panicky.loadCount())
	assert.Equal(t, 6, failing.loadCount())
}

func TestWarmerProviderEligibility(t *testing.T) {
	c := newCache(tile.NewArea(5, 0, 0, 1, 1), sameArea{})
	img := solid(color.White)

	outOfRange := &stubProvider{name: "high", minZoom: 8, maxZoom: 12, img: img}
	noPrefetch := prefetchProvider{&stubProvider{name: "osm", maxZoom: 19, net: true, img: img}, false}
	offline := &stubProvider{name: "net", maxZoom: 19, net: true, img: img}

	online := false
	w := New(Options{
		Cache:     c,
		Providers: providers(outOfRange, noPrefetch, offline),
		Online:    func() bool { return online },
	})
	defer w.Close()

	require.True(t, w.Fill(context.Background()))
	w.Wait()
	assert.Zero(t, c.Size())
	assert.Zero(t, outOfRange.loadCount())
	assert.Zero(t, noPrefetch.loadCount())
	assert.Zero(t, offline.loadCount())

	online = true
	require.True(t, w.Fill(context.Background()))
	w.Wait()
	assert.Equal(t, 1, c.Size())
	assert.Zero(t, noPrefetch.loadCount())
	assert.Equal(t, 1, offline.loadCount())
}

func TestWarmerSingleSweep(t *testing.T) {
	c := newCache(tile.NewArea(6, 0, 0, 2, 2), sameArea{})
	p := &stubProvider{name: "slow", maxZoom: 10, img: solid(color.White), block: make(chan struct{})}
	w := New(Options{Cache: c, Providers: providers(p)})
	defer w.Close()

	require.True(t, w.Fill(context.Background()))
	assert.False(t, w.Fill(context.Background()), "a second sweep must not start")
	assert.True(t, w.Running())

	close(p.block)
	w.Wait()
	assert.False(t, w.Running())
	assert.Equal(t, 4, c.Size())
}

func TestWarmerCloseCancelsSweep(t *testing.T) {
	c := newCache(tile.NewArea(6, 0, 0, 4, 4), sameArea{})
	p := &stubProvider{name: "stuck", maxZoom: 10, img: solid(color.White), block: make(chan struct{})}
	w := New(Options{Cache: c, Providers: providers(p)})

	require.True(t, w.Fill(context.Background()))

	done := make(chan struct{})
	go func() {
		_ = w.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close() did not stop the sweep")
	}
	assert.Zero(t, c.Size())
	assert.False(t, w.Fill(context.Background()), "closed warmer must not sweep")
}

func TestWarmerCallerContextCancelsSweep(t *testing.T) {
	c := newCache(tile.NewArea(6, 0, 0, 4, 4), sameArea{})
	p := &stubProvider{name: "stuck", maxZoom: 10, img: solid(color.White), block: make(chan struct{})}
	w := New(Options{Cache: c, Providers: providers(p)})
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	require.True(t, w.Fill(ctx))
	cancel()
	w.Wait()
	assert.LessOrEqual(t, p.loadCount(), 1)
	assert.Zero(t, c.Size())
}
