package provider

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"github.com/LavishGent/tilepipe/internal/types"
)

// Decode decodes a PNG, JPEG, GIF or WebP tile.
func Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty tile", types.ErrDecodeFailed)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrDecodeFailed, err)
	}
	return img, nil
}
