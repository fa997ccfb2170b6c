package rescale

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"

	"github.com/LavishGent/tilepipe/internal/tile"
)

// Background fills composite cells that have no source tile.
var Background = image.NewUniform(color.Gray{Y: 0xcc})

// CropScale draws into dst the part of ancestor that covers idx, an index
// delta zoom levels below the ancestor, scaled up to dst's bounds. It
// returns false when the covered part is smaller than one pixel.
func CropScale(dst draw.Image, ancestor image.Image, idx tile.Index, delta int) bool {
	src := ancestor.Bounds()
	cellW := src.Dx() >> delta
	cellH := src.Dy() >> delta
	if cellW < 1 || cellH < 1 {
		return false
	}

	n := 1 << delta
	col := idx.X() % n
	row := idx.Y() % n
	origin := src.Min.Add(image.Pt(col*cellW, row*cellH))
	sr := image.Rectangle{Min: origin, Max: origin.Add(image.Pt(cellW, cellH))}

	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), ancestor, sr, draw.Src, nil)
	return true
}

// Composite fills dst with the background and draws the n x n grid of
// cells returned by cell, each scaled down into its share of dst. Nil
// cells stay blank. It returns the number of cells drawn.
func Composite(dst draw.Image, n int, cell func(col, row int) image.Image) int {
	bounds := dst.Bounds()
	draw.Draw(dst, bounds, Background, image.Point{}, draw.Src)
	if n < 1 {
		return 0
	}

	cellW := bounds.Dx() / n
	cellH := bounds.Dy() / n
	drawn := 0
	for col := 0; col < n; col++ {
		for row := 0; row < n; row++ {
			src := cell(col, row)
			if src == nil {
				continue
			}
			origin := bounds.Min.Add(image.Pt(col*cellW, row*cellH))
			dr := image.Rectangle{Min: origin, Max: origin.Add(image.Pt(cellW, cellH))}
			draw.ApproxBiLinear.Scale(dst, dr, src, src.Bounds(), draw.Over, nil)
			drawn++
		}
	}
	return drawn
}
