// Package provider holds the links of the tile provider chain and the
// asynchronous module that runs them.
package provider

import (
	"context"
	"sync/atomic"

	"github.com/LavishGent/tilepipe/internal/tile"
)

// Provider is one source of tile images. Load returns
// types.ErrTileNotFound when the provider does not have the tile; any
// other error is a failed attempt. Both move the request on to the next
// provider of the chain.
type Provider interface {
	Name() string
	Load(ctx context.Context, idx tile.Index) (tile.Tile, error)
	MinZoom() int
	MaxZoom() int
	NeedsConnectivity() bool
}

// SourceSetter is implemented by providers whose tiles depend on the
// active tile source.
type SourceSetter interface {
	SetTileSource(src tile.Source)
}

// Prefetcher is implemented by providers that may refuse loads nobody
// asked for, such as downloads from servers forbidding bulk fetching.
type Prefetcher interface {
	AllowsPrefetch() bool
}

// Reachable reports whether p serves the zoom level of idx.
func Reachable(p Provider, idx tile.Index) bool {
	z := idx.Zoom()
	return z >= p.MinZoom() && z <= p.MaxZoom()
}

// sourceHolder stores the active tile source of a provider.
type sourceHolder struct {
	src atomic.Pointer[tile.Source]
}

func (h *sourceHolder) SetTileSource(src tile.Source) {
	h.src.Store(&src)
}

func (h *sourceHolder) source() tile.Source {
	if s := h.src.Load(); s != nil {
		return *s
	}
	return tile.Source{}
}

func (h *sourceHolder) MinZoom() int {
	return h.source().MinZoom
}

func (h *sourceHolder) MaxZoom() int {
	return h.source().MaxZoom
}
