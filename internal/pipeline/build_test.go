package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LavishGent/tilepipe/internal/config"
	"github.com/LavishGent/tilepipe/internal/tile"
	"github.com/LavishGent/tilepipe/internal/types"
)

func newPipeline(t *testing.T, cfg *config.Config, opts Options) *ProviderArray {
	t.Helper()
	a, err := New(context.Background(), cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Detach() })
	return a
}

func TestNewWithoutProviders(t *testing.T) {
	_, err := New(context.Background(), config.ForTesting(), Options{})
	assert.ErrorIs(t, err, types.ErrNoProviders)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.ForTesting()
	cfg.Network.Enabled = true
	cfg.Source.URLs = nil

	_, err := New(context.Background(), cfg, Options{})
	assert.Error(t, err)
}

func TestNewAssetsAndRescale(t *testing.T) {
	cfg := config.ForTesting()
	cfg.Assets.Enabled = true
	cfg.Approximator.Enabled = false

	a := newPipeline(t, cfg, Options{AssetsFS: fstest.MapFS{
		"Mapnik/1/0/0.png": {Data: pngBytes(t, solid(red))},
	}})
	events := listen(a)
	require.NotNil(t, a.rescaler)

	parent := tile.New(1, 0, 0)
	a.RequestTile(parent)
	require.Equal(t, Event{Index: parent, Kind: EventLoaded, Provider: "assets"}, events.next(t))

	stats := a.RescaleCache(context.Background(), 2, 1, tile.NewArea(2, 0, 0, 2, 2))
	assert.Equal(t, 4, stats.Candidates)
	assert.Equal(t, 4, stats.Produced)

	for idx := range tile.NewArea(2, 0, 0, 2, 2).Indices() {
		cached, ok := a.Cache().Get(idx)
		require.True(t, ok, idx.String())
		assert.Equal(t, tile.StateScaled, cached.State)
		assert.Equal(t, red, colorAt(cached.Image, 10, 10))
	}
}

func TestNewPrecache(t *testing.T) {
	cfg := config.ForTesting()
	cfg.Assets.Enabled = true
	cfg.Precache.Enabled = true
	cfg.Approximator.Enabled = false

	a := newPipeline(t, cfg, Options{AssetsFS: fstest.MapFS{
		"Mapnik/1/0/0.png": {Data: pngBytes(t, solid(green))},
		"Mapnik/2/0/0.png": {Data: pngBytes(t, solid(blue))},
	}})
	require.NotNil(t, a.warmer)

	a.SetVisibleArea(tile.NewArea(2, 1, 1, 1, 1))
	require.True(t, a.Maintenance(context.Background()))
	a.warmer.Wait()

	assert.True(t, a.Cache().Contains(tile.New(1, 0, 0)), "zoom out area")
	assert.True(t, a.Cache().Contains(tile.New(2, 0, 0)), "border area")
	assert.False(t, a.Cache().Contains(tile.New(2, 2, 2)), "missing tiles stay missing")
}

func TestNewNetworkWithStore(t *testing.T) {
	body := pngBytes(t, solid(green))
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Cache-Control", "max-age=60")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	cfg := config.ForTesting()
	cfg.Source.URLs = []string{srv.URL + "/{z}/{x}/{y}.png"}
	cfg.Network.Enabled = true
	cfg.Store.Enabled = true

	a := newPipeline(t, cfg, Options{HTTPClient: srv.Client()})
	events := listen(a)
	require.NotNil(t, a.store)

	idx := tile.New(5, 3, 7)
	a.RequestTile(idx)
	require.Equal(t, Event{Index: idx, Kind: EventLoaded, Provider: "network"}, events.next(t))
	assert.EqualValues(t, 1, calls.Load())

	ok, err := a.store.Exists(context.Background(), "Mapnik", idx)
	require.NoError(t, err)
	assert.True(t, ok, "downloads are written to the store")

	// A cold cache is refilled from the store without a download.
	a.ClearTileCache()
	a.RequestTile(idx)
	require.Equal(t, Event{Index: idx, Kind: EventLoaded, Provider: "store"}, events.next(t))
	assert.EqualValues(t, 1, calls.Load())

	h := a.Health(context.Background())
	assert.Equal(t, types.HealthStatusHealthy, h.Status)
	names := make([]string, len(h.Providers))
	for i, p := range h.Providers {
		names[i] = p.Name
	}
	assert.Equal(t, []string{"store", "network", "approximator"}, names)
	assert.True(t, a.PublisherHealth().StoreConnected)
}

func TestNewOfflineServesStore(t *testing.T) {
	cfg := config.ForTesting()
	cfg.Source.URLs = []string{"http://127.0.0.1:1/{z}/{x}/{y}.png"}
	cfg.Network.Enabled = true
	cfg.Network.Timeout = 200 * time.Millisecond
	cfg.Store.Enabled = true
	cfg.Approximator.Enabled = false

	a := newPipeline(t, cfg, Options{})
	events := listen(a)
	a.SetUseDataConnection(false)

	idx := tile.New(3, 1, 1)
	require.NoError(t, a.store.Save(context.Background(), "Mapnik", idx, types.Blob{Data: pngBytes(t, solid(red))}))

	a.RequestTile(idx)
	require.Equal(t, Event{Index: idx, Kind: EventLoaded, Provider: "store"}, events.next(t))
	assert.Equal(t, red, colorAt(a.RequestTile(idx), 0, 0))
}
