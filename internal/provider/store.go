package provider

import (
	"context"
	"time"

	"github.com/LavishGent/tilepipe/internal/tile"
	"github.com/LavishGent/tilepipe/internal/types"
)

// StoreProvider serves tiles previously saved in a tile store, such as
// the downloads persisted by the network provider. Tiles past their
// expiry are still served, marked expired, so the chain goes on to look
// for a fresh copy.
type StoreProvider struct {
	sourceHolder
	store types.TileReader
	now   func() time.Time
}

// NewStoreProvider reads tiles of src from store.
func NewStoreProvider(store types.TileReader, src tile.Source) *StoreProvider {
	p := &StoreProvider{store: store, now: time.Now}
	p.SetTileSource(src)
	return p
}

func (p *StoreProvider) Name() string {
	return "store"
}

func (p *StoreProvider) NeedsConnectivity() bool {
	return false
}

// Load implements Provider.
func (p *StoreProvider) Load(ctx context.Context, idx tile.Index) (tile.Tile, error) {
	src := p.source()
	blob, err := p.store.Load(ctx, src.Name, idx)
	if err != nil {
		if types.IsTileNotFound(err) {
			return tile.Tile{}, types.ErrTileNotFound
		}
		return tile.Tile{}, types.NewTileError("load", idx, p.Name(), err)
	}

	img, err := Decode(blob.Data)
	if err != nil {
		return tile.Tile{}, types.NewTileError("decode", idx, p.Name(), err)
	}

	state := tile.StateUpToDate
	if blob.IsExpired(p.now()) {
		state = tile.StateExpired
	}
	return tile.Tile{Image: img, State: state}, nil
}
