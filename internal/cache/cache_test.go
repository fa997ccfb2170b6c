package cache

import (
	"image"
	"image/color"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/LavishGent/tilepipe/internal/metrics"
	"github.com/LavishGent/tilepipe/internal/tile"
)

func img() image.Image {
	return image.NewRGBA(image.Rect(0, 0, 1, 1))
}

type protectSet map[tile.Index]bool

func (p protectSet) Contains(idx tile.Index) bool { return p[idx] }

func TestTileCacheGetPut(t *testing.T) {
	c := New(Options{Capacity: 4})
	idx := tile.New(3, 1, 1)

	if _, ok := c.Get(idx); ok {
		t.Fatal("Get() on empty cache = ok")
	}
	if c.Put(idx, nil, tile.StateUpToDate) {
		t.Error("Put(nil) = true, want false")
	}
	if c.Size() != 0 {
		t.Errorf("Size() after Put(nil) = %d", c.Size())
	}

	want := img()
	if !c.Put(idx, want, tile.StateUpToDate) {
		t.Fatal("Put() = false")
	}
	got, ok := c.Get(idx)
	if !ok || got.Image != want || got.State != tile.StateUpToDate {
		t.Errorf("Get() = %+v, %v", got, ok)
	}
	if !c.Contains(idx) {
		t.Error("Contains() = false")
	}
}

func TestTileCachePrecedence(t *testing.T) {
	states := []tile.State{tile.StateNotFound, tile.StateScaled, tile.StateExpired, tile.StateUpToDate}

	for _, existing := range states {
		for _, incoming := range states {
			c := New(Options{Capacity: 2})
			idx := tile.New(1, 0, 0)
			first := img()
			c.Put(idx, first, existing)

			second := img()
			applied := c.Put(idx, second, incoming)

			got, _ := c.Get(idx)
			if incoming >= existing {
				if !applied || got.Image != second || got.State != incoming {
					t.Errorf("%v over %v: applied=%v state=%v, want replaced", incoming, existing, applied, got.State)
				}
			} else {
				if applied || got.Image != first || got.State != existing {
					t.Errorf("%v over %v: applied=%v state=%v, want kept", incoming, existing, applied, got.State)
				}
			}
		}
	}
}

func TestTileCacheEvictsLeastRecentlyUsed(t *testing.T) {
	tracker := metrics.NewTracker()
	c := New(Options{Capacity: 2, Metrics: tracker})

	a, b, d := tile.New(2, 0, 0), tile.New(2, 1, 0), tile.New(2, 2, 0)
	c.Put(a, img(), tile.StateUpToDate)
	c.Put(b, img(), tile.StateUpToDate)
	c.Get(a)
	c.Put(d, img(), tile.StateUpToDate)

	if c.Contains(b) {
		t.Error("least recently used tile survived")
	}
	if !c.Contains(a) || !c.Contains(d) {
		t.Error("recently used tiles were evicted")
	}
	if n := tracker.Snapshot().CacheEvictions; n != 1 {
		t.Errorf("CacheEvictions = %d, want 1", n)
	}
}

func TestTileCacheEvictionRespectsProtection(t *testing.T) {
	t.Run("visible area", func(t *testing.T) {
		c := New(Options{Capacity: 2})
		c.SetVisibleArea(tile.NewArea(4, 0, 0, 2, 2))

		for idx := range tile.NewArea(4, 0, 0, 2, 2).Indices() {
			c.Put(idx, img(), tile.StateUpToDate)
		}
		if c.Size() != 4 {
			t.Fatalf("Size() = %d, want 4 protected tiles kept over capacity", c.Size())
		}

		outside := tile.New(4, 9, 9)
		c.Put(outside, img(), tile.StateUpToDate)
		for idx := range tile.NewArea(4, 0, 0, 2, 2).Indices() {
			if !c.Contains(idx) {
				t.Errorf("visible tile %v evicted", idx)
			}
		}
		if !c.Contains(outside) {
			t.Error("the tile just written was evicted")
		}
	})

	t.Run("additional areas", func(t *testing.T) {
		c := New(Options{Capacity: 1})
		c.AddAreaComputer(tile.ZoomComputer{Delta: 1})
		c.SetVisibleArea(tile.NewArea(2, 0, 0, 1, 1))

		child := tile.New(3, 1, 1)
		c.Put(child, img(), tile.StateUpToDate)
		c.Put(tile.New(2, 3, 3), img(), tile.StateUpToDate)
		c.Put(tile.New(2, 3, 2), img(), tile.StateUpToDate)

		if !c.Contains(child) {
			t.Error("tile in an additional area evicted")
		}
		if c.Contains(tile.New(2, 3, 3)) {
			t.Error("unprotected tile kept over capacity")
		}
	})

	t.Run("registered protector", func(t *testing.T) {
		c := New(Options{Capacity: 1})
		loading := tile.New(5, 5, 5)
		c.AddProtector(protectSet{loading: true})

		c.Put(loading, img(), tile.StateScaled)
		c.Put(tile.New(5, 0, 0), img(), tile.StateUpToDate)
		c.Put(tile.New(5, 0, 1), img(), tile.StateUpToDate)

		if !c.Contains(loading) {
			t.Error("protected tile evicted")
		}
	})
}

func TestTileCacheEnsureCapacity(t *testing.T) {
	c := New(Options{Capacity: 9})

	if c.EnsureCapacity(4) {
		t.Error("EnsureCapacity(4) grew a capacity of 9")
	}
	if !c.EnsureCapacity(20) || c.Capacity() != 20 {
		t.Errorf("EnsureCapacity(20) -> Capacity() = %d", c.Capacity())
	}

	t.Run("auto ensure from areas", func(t *testing.T) {
		c := New(Options{Capacity: 1, AutoEnsureCapacity: true})
		c.AddAreaComputer(tile.BorderComputer{Border: 1})
		c.SetVisibleArea(tile.NewArea(6, 10, 10, 2, 2))

		if got, want := c.Capacity(), 4+16; got != want {
			t.Errorf("Capacity() = %d, want %d", got, want)
		}
		if len(c.AdditionalAreas()) != 1 {
			t.Errorf("AdditionalAreas() = %v", c.AdditionalAreas())
		}
	})
}

func TestTileCacheRemovedListenerAndPool(t *testing.T) {
	pool := NewPool(8)
	c := New(Options{Capacity: 1, Pool: pool})

	var removed []tile.Index
	c.SetRemovedListener(func(idx tile.Index, _ tile.Tile) {
		removed = append(removed, idx)
	})

	first := pool.Get()
	c.Put(tile.New(1, 0, 0), first, tile.StateScaled)
	c.Put(tile.New(1, 1, 0), pool.Get(), tile.StateScaled)

	if len(removed) != 1 || removed[0] != tile.New(1, 0, 0) {
		t.Errorf("removed = %v", removed)
	}
	if !c.Remove(tile.New(1, 1, 0)) {
		t.Error("Remove() = false for a cached tile")
	}
	if c.Remove(tile.New(1, 1, 0)) {
		t.Error("Remove() = true for a missing tile")
	}
	if len(removed) != 2 {
		t.Errorf("listener fired %d times, want 2", len(removed))
	}
}

func TestTileCacheKeepsImagesHandedOut(t *testing.T) {
	// One P keeps sync.Pool handing back what was just put.
	defer runtime.GOMAXPROCS(runtime.GOMAXPROCS(1))

	red := color.RGBA{R: 255, A: 255}
	pool := NewPool(8)
	c := New(Options{Capacity: 1, Pool: pool})

	replacedIdx := tile.New(3, 1, 1)
	c.Put(replacedIdx, pool.GetFilled(image.NewUniform(red)), tile.StateScaled)
	replaced, _ := c.Get(replacedIdx)
	c.Put(replacedIdx, pool.Get(), tile.StateUpToDate)

	evictedIdx := tile.New(3, 2, 2)
	c.Put(evictedIdx, pool.GetFilled(image.NewUniform(red)), tile.StateScaled)
	evicted, _ := c.Get(evictedIdx)
	c.Put(tile.New(3, 0, 0), pool.Get(), tile.StateScaled)

	var removed []tile.Tile
	c.SetRemovedListener(func(_ tile.Index, t tile.Tile) {
		removed = append(removed, t)
	})
	c.Put(tile.New(3, 0, 0), pool.GetFilled(image.NewUniform(red)), tile.StateUpToDate)
	c.Clear()
	if len(removed) != 1 {
		t.Fatalf("listener saw %d removals, want 1", len(removed))
	}

	held := []image.Image{replaced.Image, evicted.Image, removed[0].Image}
	for range 8 {
		got := pool.Get()
		for i, h := range held {
			if image.Image(got) == h {
				t.Fatalf("pool reused held image %d", i)
			}
		}
	}
	for i, h := range held {
		if px := h.(*image.RGBA).RGBAAt(0, 0); px != red {
			t.Errorf("held image %d pixel = %v, want %v", i, px, red)
		}
	}
}

func TestTileCacheClear(t *testing.T) {
	c := New(Options{Capacity: 100})
	var fired atomic.Int32
	c.SetRemovedListener(func(tile.Index, tile.Tile) { fired.Add(1) })

	for i := 0; i < 50; i++ {
		c.Put(tile.New(6, i, 0), img(), tile.StateUpToDate)
	}
	c.Clear()

	if c.Size() != 0 {
		t.Errorf("Size() after Clear() = %d", c.Size())
	}
	if fired.Load() != 50 {
		t.Errorf("listener fired %d times, want 50", fired.Load())
	}
}

func TestTileCacheClearUnderConcurrentRemoval(t *testing.T) {
	c := New(Options{Capacity: 1000})
	var fired atomic.Int32
	c.SetRemovedListener(func(tile.Index, tile.Tile) { fired.Add(1) })

	const n = 500
	for i := 0; i < n; i++ {
		c.Put(tile.New(10, i, 0), img(), tile.StateUpToDate)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.Clear()
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < n; i += 2 {
			c.Remove(tile.New(10, i, 0))
		}
	}()
	wg.Wait()

	if c.Size() != 0 {
		t.Errorf("Size() = %d, want 0", c.Size())
	}
	if fired.Load() != n {
		t.Errorf("listener fired %d times, want exactly %d", fired.Load(), n)
	}
}

func TestTileCacheConcurrentAccess(t *testing.T) {
	c := New(Options{Capacity: 16})
	c.SetVisibleArea(tile.NewArea(3, 0, 0, 2, 2))

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				idx := tile.New(3, (g+i)%8, i%8)
				c.Put(idx, img(), tile.State(i%4))
				c.Get(idx)
				c.Contains(idx)
			}
		}(g)
	}
	wg.Wait()

	if c.Size() > c.Capacity()+4 {
		t.Errorf("Size() = %d exceeds capacity %d plus the visible area", c.Size(), c.Capacity())
	}
}

func TestPool(t *testing.T) {
	p := NewPool(4)
	a := p.Get()
	if a.Rect.Dx() != 4 || a.Rect.Dy() != 4 {
		t.Fatalf("Get() bounds = %v", a.Rect)
	}
	a.Pix[0] = 255
	p.Put(a)

	b := p.Get()
	for i, v := range b.Pix {
		if v != 0 {
			t.Fatalf("Get() returned a dirty buffer at %d", i)
		}
	}

	// Foreign sizes are ignored.
	p.Put(image.NewRGBA(image.Rect(0, 0, 2, 2)))
	p.Put(image.NewGray(image.Rect(0, 0, 4, 4)))
	if p.TileSize() != 4 {
		t.Errorf("TileSize() = %d", p.TileSize())
	}
}
