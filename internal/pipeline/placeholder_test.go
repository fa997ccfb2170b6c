package pipeline

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotFoundImage(t *testing.T) {
	img := NotFoundImage(256)
	require.Equal(t, image.Rect(0, 0, 256, 256), img.Bounds())

	assert.Equal(t, placeholderStroke, img.NRGBAAt(0, 0))
	assert.Equal(t, placeholderStroke, img.NRGBAAt(255, 128))
	assert.Equal(t, placeholderFill, img.NRGBAAt(20, 20))

	text := 0
	for y := 110; y < 146; y++ {
		for x := 80; x < 176; x++ {
			if img.NRGBAAt(x, y) == placeholderStroke {
				text++
			}
		}
	}
	assert.Positive(t, text, "the label is drawn in the middle")
}

func TestNotFoundImageTooSmallForText(t *testing.T) {
	img := NotFoundImage(16)
	for y := 1; y < 15; y++ {
		for x := 1; x < 15; x++ {
			require.Equal(t, placeholderFill, img.NRGBAAt(x, y))
		}
	}
}

func TestOwnPlaceholder(t *testing.T) {
	assert.Nil(t, ownPlaceholder(nil))

	nrgba := NotFoundImage(8)
	assert.Same(t, nrgba, ownPlaceholder(nrgba))

	rgba := solid(color.RGBA{R: 10, G: 20, B: 30, A: 0xff})
	owned := ownPlaceholder(rgba)
	_, isRGBA := owned.(*image.RGBA)
	assert.False(t, isRGBA)
	assert.Equal(t, colorAt(rgba, 5, 5), colorAt(owned, 5, 5))
}
