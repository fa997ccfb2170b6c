package cache

import (
	"image"
	"image/draw"
	"sync"
)

// Pool recycles tile sized RGBA buffers. The zero value is not usable;
// create pools with NewPool.
type Pool struct {
	size int
	pool sync.Pool
}

// NewPool returns a pool of size x size RGBA images.
func NewPool(size int) *Pool {
	p := &Pool{size: size}
	p.pool.New = func() any {
		return image.NewRGBA(image.Rect(0, 0, size, size))
	}
	return p
}

// TileSize returns the edge length of the pooled images.
func (p *Pool) TileSize() int {
	return p.size
}

// Get returns a transparent tile sized image.
func (p *Pool) Get() *image.RGBA {
	img := p.pool.Get().(*image.RGBA)
	clear(img.Pix)
	return img
}

// GetFilled returns a tile sized image filled with bg.
func (p *Pool) GetFilled(bg image.Image) *image.RGBA {
	img := p.pool.Get().(*image.RGBA)
	draw.Draw(img, img.Bounds(), bg, image.Point{}, draw.Src)
	return img
}

// Put hands img back for reuse. Images of another type or size are ignored.
func (p *Pool) Put(img image.Image) {
	rgba, ok := img.(*image.RGBA)
	if !ok || rgba.Rect != image.Rect(0, 0, p.size, p.size) {
		return
	}
	p.pool.Put(rgba)
}
