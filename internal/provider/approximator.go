package provider

import (
	"context"
	"image"
	"sync"

	"github.com/LavishGent/tilepipe/internal/cache"
	"github.com/LavishGent/tilepipe/internal/rescale"
	"github.com/LavishGent/tilepipe/internal/tile"
	"github.com/LavishGent/tilepipe/internal/types"
)

// Approximator builds a Scaled tile by upscaling the covering tile of a
// lower zoom level, loaded synchronously from its member providers. The
// closest zoom level wins; at each level members are tried in order.
type Approximator struct {
	pool *cache.Pool

	mu      sync.RWMutex
	members []Provider
	minZoom int
}

// NewApproximator approximates from members. pool may be nil.
func NewApproximator(pool *cache.Pool, members ...Provider) *Approximator {
	a := &Approximator{pool: pool}
	for _, m := range members {
		a.AddProvider(m)
	}
	return a
}

// AddProvider appends a member. Providers needing connectivity should not
// be members: the approximator runs offline.
func (a *Approximator) AddProvider(p Provider) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.members) == 0 || p.MinZoom() < a.minZoom {
		a.minZoom = p.MinZoom()
	}
	a.members = append(a.members, p)
}

func (a *Approximator) Name() string {
	return "approximator"
}

func (a *Approximator) MinZoom() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.minZoom
}

func (a *Approximator) MaxZoom() int {
	return tile.MaxZoom
}

func (a *Approximator) NeedsConnectivity() bool {
	return false
}

func (a *Approximator) snapshot() []Provider {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]Provider(nil), a.members...)
}

// Load implements Provider.
func (a *Approximator) Load(ctx context.Context, idx tile.Index) (tile.Tile, error) {
	members := a.snapshot()
	for delta := 1; idx.Zoom()-delta >= 0; delta++ {
		for _, m := range members {
			if err := ctx.Err(); err != nil {
				return tile.Tile{}, err
			}
			if img := a.fromLowerZoom(ctx, m, idx, delta); img != nil {
				return tile.Tile{Image: img, State: tile.StateScaled}, nil
			}
		}
	}
	return tile.Tile{}, types.ErrTileNotFound
}

// fromLowerZoom loads the ancestor delta levels up from p and crops it.
// Member failures only mean this member cannot help.
func (a *Approximator) fromLowerZoom(ctx context.Context, p Provider, idx tile.Index, delta int) image.Image {
	ancestor := idx.Ancestor(delta)
	if !Reachable(p, ancestor) {
		return nil
	}
	t, err := p.Load(ctx, ancestor)
	if err != nil || t.IsZero() {
		return nil
	}

	size := t.Image.Bounds().Dx()
	var dst *image.RGBA
	if a.pool != nil && a.pool.TileSize() == size {
		dst = a.pool.Get()
	} else {
		dst = image.NewRGBA(image.Rect(0, 0, size, size))
	}
	if !rescale.CropScale(dst, t.Image, idx, delta) {
		if a.pool != nil {
			a.pool.Put(dst)
		}
		return nil
	}
	return dst
}

// Close drops the members.
func (a *Approximator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.members = nil
	return nil
}
