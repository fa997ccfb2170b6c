package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LavishGent/tilepipe/internal/cache"
	"github.com/LavishGent/tilepipe/internal/config"
	"github.com/LavishGent/tilepipe/internal/metrics"
	"github.com/LavishGent/tilepipe/internal/pipeline"
	"github.com/LavishGent/tilepipe/internal/provider"
	"github.com/LavishGent/tilepipe/internal/tile"
	"github.com/LavishGent/tilepipe/internal/types"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

var (
	red  = color.RGBA{R: 0xff, A: 0xff}
	blue = color.RGBA{B: 0xff, A: 0xff}
)

func solid(c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 256, 256))
	draw.Draw(img, img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	return img
}

type fakeProvider struct {
	needsNet bool
	block    chan struct{}

	mu    sync.Mutex
	tiles map[tile.Index]tile.Tile
}

func newFake() *fakeProvider {
	return &fakeProvider{tiles: make(map[tile.Index]tile.Tile)}
}

func (f *fakeProvider) Name() string            { return "fake" }
func (f *fakeProvider) MinZoom() int            { return 0 }
func (f *fakeProvider) MaxZoom() int            { return 19 }
func (f *fakeProvider) NeedsConnectivity() bool { return f.needsNet }

func (f *fakeProvider) Load(ctx context.Context, idx tile.Index) (tile.Tile, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return tile.Tile{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tiles[idx]; ok {
		return t, nil
	}
	return tile.Tile{}, types.ErrTileNotFound
}

func (f *fakeProvider) put(idx tile.Index, c color.Color) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tiles[idx] = tile.Tile{Image: solid(c), State: tile.StateUpToDate}
}

func newArray(t *testing.T, m *provider.Module) *pipeline.ProviderArray {
	t.Helper()
	a := pipeline.NewProviderArray(cache.New(cache.Options{Capacity: 64}), []*provider.Module{m}, pipeline.ArrayOptions{
		Source: tile.DefaultSource(),
	})
	t.Cleanup(func() { _ = a.Detach() })
	return a
}

func newServer(t *testing.T, p Pipeline, cfg config.ServerConfig, opts Options) *Server {
	t.Helper()
	s := New(p, cfg, opts)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decodePNG(t *testing.T, body []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(body))
	require.NoError(t, err)
	return img
}

func TestServeTile(t *testing.T) {
	fake := newFake()
	fake.put(tile.New(3, 1, 2), red)
	a := newArray(t, provider.NewModule(fake, config.BulkheadConfig{}, provider.ModuleOptions{}))
	s := newServer(t, a, config.ServerConfig{TileTimeout: 2 * time.Second}, Options{})

	rec := get(t, s.Handler(), "/tiles/3/1/2.png")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "up-to-date", rec.Header().Get(TileStateHeader))
	img := decodePNG(t, rec.Body.Bytes())
	assert.Equal(t, red, color.RGBAModel.Convert(img.At(10, 10)))

	// Second request is a cache hit.
	rec = get(t, s.Handler(), "/tiles/3/1/2")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServeTileErrors(t *testing.T) {
	a := newArray(t, provider.NewModule(newFake(), config.BulkheadConfig{}, provider.ModuleOptions{}))
	s := newServer(t, a, config.ServerConfig{TileTimeout: time.Second}, Options{})

	tests := []struct {
		path string
		code int
	}{
		{"/tiles/3/1/1.png", http.StatusNotFound},
		{"/tiles/3/8/0.png", http.StatusBadRequest},
		{"/tiles/a/0/0.png", http.StatusBadRequest},
		{"/tiles/3/-1/0.png", http.StatusBadRequest},
		{"/tiles/30/0/0.png", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.code, get(t, s.Handler(), tt.path).Code)
		})
	}
}

func TestServeTileTimeout(t *testing.T) {
	fake := newFake()
	fake.needsNet = true
	fake.block = make(chan struct{})
	defer close(fake.block)
	a := newArray(t, provider.NewModule(fake, config.BulkheadConfig{}, provider.ModuleOptions{}))
	s := newServer(t, a, config.ServerConfig{TileTimeout: 50 * time.Millisecond}, Options{})

	assert.Equal(t, http.StatusGatewayTimeout, get(t, s.Handler(), "/tiles/4/0/0.png").Code)

	stale := tile.New(4, 1, 1)
	a.Cache().Put(stale, solid(blue), tile.StateExpired)
	rec := get(t, s.Handler(), "/tiles/4/1/1.png")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "expired", rec.Header().Get(TileStateHeader))
}

func TestServeTileQueueFull(t *testing.T) {
	fake := newFake()
	fake.block = make(chan struct{})
	defer close(fake.block)
	m := provider.NewModule(fake, config.BulkheadConfig{
		Enabled: true, MaxConcurrent: 1, MaxQueue: 0, AcquireTimeout: time.Second,
	}, provider.ModuleOptions{})
	a := newArray(t, m)
	s := newServer(t, a, config.ServerConfig{TileTimeout: time.Second}, Options{})

	a.RequestTile(tile.New(5, 0, 0))
	require.Eventually(t, func() bool { return m.Health().InFlight == 1 }, 2*time.Second, 5*time.Millisecond)

	rec := get(t, s.Handler(), "/tiles/5/1/1.png")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestHealthEndpoint(t *testing.T) {
	a := newArray(t, provider.NewModule(newFake(), config.BulkheadConfig{}, provider.ModuleOptions{}))
	s := newServer(t, a, config.ServerConfig{}, Options{})

	rec := get(t, s.Handler(), "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Status    string
		Cache     types.CacheHealthMetrics
		Providers []types.ProviderHealthMetrics
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, 64, body.Cache.Capacity)
	require.Len(t, body.Providers, 1)
	assert.Equal(t, "fake", body.Providers[0].Name)

	require.NoError(t, a.Detach())
	assert.Equal(t, http.StatusServiceUnavailable, get(t, s.Handler(), "/health").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	a := newArray(t, provider.NewModule(newFake(), config.BulkheadConfig{}, provider.ModuleOptions{}))
	prom := metrics.NewPrometheusPublisher(config.PrometheusConfig{Enabled: true, Namespace: "tilepipe"}, nil)
	s := newServer(t, a, config.ServerConfig{}, Options{Metrics: prom.Handler()})

	prom.PublishHealthMetrics(a.PublisherHealth())
	rec := get(t, s.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tilepipe_cache_capacity 64")

	bare := newServer(t, a, config.ServerConfig{}, Options{})
	assert.Equal(t, http.StatusNotFound, get(t, bare.Handler(), "/metrics").Code)
}

func TestViewport(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, solid(red)))

	cfg := config.ForTesting()
	cfg.Assets.Enabled = true
	cfg.Approximator.Enabled = false
	a, err := pipeline.New(context.Background(), cfg, pipeline.Options{AssetsFS: fstest.MapFS{
		"Mapnik/1/0/0.png": {Data: buf.Bytes()},
		"Mapnik/1/1/0.png": {Data: buf.Bytes()},
		"Mapnik/1/0/1.png": {Data: buf.Bytes()},
		"Mapnik/1/1/1.png": {Data: buf.Bytes()},
	}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Detach() })
	s := newServer(t, a, config.ServerConfig{}, Options{})

	for _, idx := range []tile.Index{tile.New(1, 0, 0), tile.New(1, 1, 0), tile.New(1, 0, 1), tile.New(1, 1, 1)} {
		require.Equal(t, http.StatusOK, get(t, s.Handler(), "/tiles/"+idx.String()+".png").Code)
	}

	post := func(body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/viewport", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		s.Handler().ServeHTTP(rec, req)
		return rec
	}

	rec := post(`{"bounds":[-10,-10,10,10],"zoom":2,"previousZoom":1}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp ViewportResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, tile.NewArea(2, 1, 1, 2, 2), resp.Area)
	assert.Equal(t, 4, resp.Tiles)
	assert.Equal(t, 4, resp.Rescaled)
	assert.False(t, resp.Precache, "pre-cache is disabled in tests")

	visible, ok := a.Cache().VisibleArea()
	require.True(t, ok)
	assert.Equal(t, resp.Area, visible)
	cached, ok := a.Cache().Get(tile.New(2, 1, 1))
	require.True(t, ok)
	assert.Equal(t, tile.StateScaled, cached.State)

	assert.Equal(t, http.StatusBadRequest, post(`{"bounds":[-10,-10,10,10]}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(`{"bounds":[-10,-10,10,10],"zoom":25}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(`{"bounds":[10,10,-10,-10],"zoom":2}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(`not json`).Code)

	rec = post(`{"bounds":[-200,-10,10,10],"zoom":2}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"Bounds[0]":"gte"`)
}

func TestEventStream(t *testing.T) {
	fake := newFake()
	idx := tile.New(6, 10, 20)
	fake.put(idx, blue)
	a := newArray(t, provider.NewModule(fake, config.BulkheadConfig{}, provider.ModuleOptions{}))
	s := newServer(t, a, config.ServerConfig{}, Options{})

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/events", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.Hub().Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	a.RequestTile(idx)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg EventMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, EventMessage{Tile: "6/10/20", Zoom: 6, X: 10, Y: 20, Kind: "loaded", Provider: "fake"}, msg)

	require.NoError(t, s.Shutdown(context.Background()))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
	assert.Zero(t, s.Hub().Clients())
}

func TestHubRejectsAfterClose(t *testing.T) {
	hub := NewHub(nil)
	hub.Close()

	srv := httptest.NewServer(http.HandlerFunc(hub.serve))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	assert.Zero(t, hub.Clients())
}

func TestWaiters(t *testing.T) {
	w := newWaiters()
	idx := tile.New(2, 1, 1)
	ch := w.add(idx)

	w.notify(pipeline.Event{Index: tile.New(2, 0, 0), Kind: pipeline.EventLoaded})
	w.notify(pipeline.Event{Index: idx, Kind: pipeline.EventFailed})
	select {
	case ev := <-ch:
		assert.Equal(t, pipeline.EventFailed, ev.Kind)
	default:
		t.Fatal("expected an event")
	}

	w.remove(idx, ch)
	assert.Empty(t, w.byID)
}
