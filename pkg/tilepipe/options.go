package tilepipe

import (
	"image"
	"io/fs"
	"log/slog"
	"net/http"

	"github.com/LavishGent/tilepipe/internal/pipeline"
)

// Option customizes pipeline construction.
type Option func(*pipeline.Options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *pipeline.Options) {
		o.Logger = logger
	}
}

func WithMetrics(metrics MetricsRecorder) Option {
	return func(o *pipeline.Options) {
		o.Metrics = metrics
	}
}

// WithAssets serves bundled tiles from fsys instead of the configured
// assets directory. Assets must still be enabled in the configuration.
func WithAssets(fsys fs.FS) Option {
	return func(o *pipeline.Options) {
		o.AssetsFS = fsys
	}
}

// WithStore replaces the configured tile store. The caller closes it.
func WithStore(store TileStore) Option {
	return func(o *pipeline.Options) {
		o.Store = store
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(o *pipeline.Options) {
		o.HTTPClient = client
	}
}

// WithNotFoundImage caches img for tiles no provider has.
func WithNotFoundImage(img image.Image) Option {
	return func(o *pipeline.Options) {
		o.NotFoundImage = img
	}
}

// WithDefaultNotFoundImage caches a gray "no tile" placeholder of the
// given size for tiles no provider has.
func WithDefaultNotFoundImage(size int) Option {
	return WithNotFoundImage(pipeline.NotFoundImage(size))
}
