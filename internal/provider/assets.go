package provider

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/LavishGent/tilepipe/internal/tile"
	"github.com/LavishGent/tilepipe/internal/types"
)

// AssetsProvider reads bundled tiles laid out as <source>/<z>/<x>/<y><ext>
// from a read-only file system.
type AssetsProvider struct {
	sourceHolder
	fsys fs.FS
}

// NewAssetsProvider serves tiles of src from fsys, typically os.DirFS or
// an embed.FS.
func NewAssetsProvider(fsys fs.FS, src tile.Source) *AssetsProvider {
	p := &AssetsProvider{fsys: fsys}
	p.SetTileSource(src)
	return p
}

func (p *AssetsProvider) Name() string {
	return "assets"
}

func (p *AssetsProvider) NeedsConnectivity() bool {
	return false
}

// Load implements Provider. Bundled tiles never expire.
func (p *AssetsProvider) Load(ctx context.Context, idx tile.Index) (tile.Tile, error) {
	src := p.source()
	data, err := fs.ReadFile(p.fsys, src.Path(idx))
	if errors.Is(err, fs.ErrNotExist) {
		return tile.Tile{}, types.ErrTileNotFound
	}
	if err != nil {
		return tile.Tile{}, types.NewTileError("read", idx, p.Name(), err)
	}

	img, err := Decode(data)
	if err != nil {
		return tile.Tile{}, types.NewTileError("decode", idx, p.Name(), fmt.Errorf("%s: %w", src.Path(idx), err))
	}
	return tile.Tile{Image: img, State: tile.StateUpToDate}, nil
}
