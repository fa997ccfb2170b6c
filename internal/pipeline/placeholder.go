package pipeline

import (
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const notFoundText = "no tile"

var (
	placeholderFill   = color.NRGBA{R: 0xe0, G: 0xe0, B: 0xe0, A: 0xff}
	placeholderStroke = color.NRGBA{R: 0x9e, G: 0x9e, B: 0x9e, A: 0xff}
)

// NotFoundImage draws the placeholder cached for tiles no provider has.
// It is an NRGBA image so the cache never hands it to the RGBA reuse pool:
// the same placeholder is shared by every missing tile.
func NotFoundImage(size int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	draw.Draw(img, img.Bounds(), image.NewUniform(placeholderFill), image.Point{}, draw.Src)

	for i := 0; i < size; i++ {
		img.SetNRGBA(i, 0, placeholderStroke)
		img.SetNRGBA(i, size-1, placeholderStroke)
		img.SetNRGBA(0, i, placeholderStroke)
		img.SetNRGBA(size-1, i, placeholderStroke)
	}

	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(placeholderStroke),
		Face: face,
	}
	width := d.MeasureString(notFoundText).Ceil()
	if width < size {
		x := (size - width) / 2
		y := (size + face.Ascent - face.Descent) / 2
		d.Dot = fixed.P(x, y)
		d.DrawString(notFoundText)
	}
	return img
}

// ownPlaceholder copies img into an NRGBA image for the same reason.
func ownPlaceholder(img image.Image) image.Image {
	if img == nil {
		return nil
	}
	if p, ok := img.(*image.NRGBA); ok {
		return p
	}
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
