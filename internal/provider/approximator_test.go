package provider

import (
	"context"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LavishGent/tilepipe/internal/cache"
	"github.com/LavishGent/tilepipe/internal/tile"
	"github.com/LavishGent/tilepipe/internal/types"
)

// halves paints the left half red and the right half blue.
func halves() *image.RGBA {
	img := solid(red)
	for y := 0; y < 256; y++ {
		for x := 128; x < 256; x++ {
			img.Set(x, y, blue)
		}
	}
	return img
}

func TestApproximatorCropsClosestAncestor(t *testing.T) {
	near := newFakeProvider("near", 0, 10)
	near.tiles[tile.New(4, 2, 2)] = tile.Tile{Image: halves(), State: tile.StateUpToDate}
	far := newFakeProvider("far", 0, 10)
	far.tiles[tile.New(3, 1, 1)] = tile.Tile{Image: solid(green), State: tile.StateUpToDate}

	a := NewApproximator(cache.NewPool(256), far, near)

	// 5/5/4 is the right half of 4/2/2 and sits under 3/1/1.
	got, err := a.Load(context.Background(), tile.New(5, 5, 4))
	require.NoError(t, err)
	assert.Equal(t, tile.StateScaled, got.State)
	assert.Equal(t, blue, colorAt(got.Image, 128, 128), "one level up beats two levels up")
	assert.Equal(t, 256, got.Image.Bounds().Dx())

	got, err = a.Load(context.Background(), tile.New(5, 4, 4))
	require.NoError(t, err)
	assert.Equal(t, red, colorAt(got.Image, 0, 255))
}

func TestApproximatorFallsBackToLowerZooms(t *testing.T) {
	base := newFakeProvider("base", 0, 2)
	base.tiles[tile.New(0, 0, 0)] = tile.Tile{Image: solid(green), State: tile.StateUpToDate}
	a := NewApproximator(nil, base)

	got, err := a.Load(context.Background(), tile.New(6, 10, 20))
	require.NoError(t, err)
	assert.Equal(t, tile.StateScaled, got.State)
	assert.Equal(t, green, colorAt(got.Image, 7, 7))
	assert.Equal(t, 0, a.MinZoom())
	assert.Equal(t, tile.MaxZoom, a.MaxZoom())
	assert.False(t, a.NeedsConnectivity())
}

func TestApproximatorMiss(t *testing.T) {
	broken := newFakeProvider("broken", 0, 10)
	broken.err = types.ErrStoreUnavailable
	empty := newFakeProvider("empty", 0, 10)
	a := NewApproximator(nil, broken)
	a.AddProvider(empty)

	_, err := a.Load(context.Background(), tile.New(3, 1, 1))
	assert.ErrorIs(t, err, types.ErrTileNotFound)
	assert.Equal(t, 3, empty.loadCount(), "one ancestor per lower zoom")

	_, err = a.Load(context.Background(), tile.New(0, 0, 0))
	assert.ErrorIs(t, err, types.ErrTileNotFound)
}

func TestApproximatorSkipsMembersOutsideZoomRange(t *testing.T) {
	high := newFakeProvider("high", 5, 10)
	high.tiles[tile.New(2, 0, 0)] = tile.Tile{Image: solid(color.White), State: tile.StateUpToDate}
	a := NewApproximator(nil, high)

	_, err := a.Load(context.Background(), tile.New(3, 0, 0))
	assert.ErrorIs(t, err, types.ErrTileNotFound)
	assert.Zero(t, high.loadCount())
	assert.Equal(t, 5, a.MinZoom())
}
