package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/LavishGent/tilepipe/internal/cache"
	"github.com/LavishGent/tilepipe/internal/config"
	"github.com/LavishGent/tilepipe/internal/precache"
	"github.com/LavishGent/tilepipe/internal/provider"
	"github.com/LavishGent/tilepipe/internal/rescale"
	"github.com/LavishGent/tilepipe/internal/resilience"
	"github.com/LavishGent/tilepipe/internal/store"
	"github.com/LavishGent/tilepipe/internal/tile"
	"github.com/LavishGent/tilepipe/internal/types"
)

// Options customizes New. Zero fields use what the configuration
// describes.
type Options struct {
	Logger  *slog.Logger
	Metrics types.MetricsRecorder
	// AssetsFS replaces the assets directory of the configuration.
	AssetsFS fs.FS
	// Store replaces the store built from cfg.Store. It is not closed on
	// Detach.
	Store types.TileStore
	// HTTPClient is used by the network provider.
	HTTPClient *http.Client
	// NotFoundImage is cached for missing tiles; see ArrayOptions.
	NotFoundImage image.Image
}

// New assembles the provider chain described by cfg, in the order
// assets, store, archives, network and approximator, on top of a fresh
// tile cache.
func New(ctx context.Context, cfg *config.Config, opts Options) (*ProviderArray, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	src := cfg.Source.ToSource()
	pool := cache.NewPool(src.TileSize)
	tileCache := cache.New(cache.Options{
		Capacity:           cfg.Cache.Capacity,
		AutoEnsureCapacity: cfg.Cache.AutoEnsureCapacity,
		Pool:               pool,
		Metrics:            opts.Metrics,
		Logger:             logger,
	})
	if cfg.Cache.Border > 0 {
		tileCache.AddAreaComputer(tile.BorderComputer{Border: cfg.Cache.Border})
	}
	if cfg.Cache.ZoomDelta > 0 {
		tileCache.AddAreaComputer(tile.ZoomComputer{Delta: cfg.Cache.ZoomDelta})
		tileCache.AddAreaComputer(tile.ZoomComputer{Delta: -cfg.Cache.ZoomDelta})
	}

	b := &builder{cfg: cfg, opts: opts, logger: logger, src: src}
	modules, err := b.modules(ctx, pool)
	if err != nil {
		b.cleanup()
		return nil, err
	}
	if len(modules) == 0 {
		b.cleanup()
		return nil, types.ErrNoProviders
	}

	a := NewProviderArray(tileCache, modules, ArrayOptions{
		Source:        src,
		NotFoundImage: opts.NotFoundImage,
		Metrics:       opts.Metrics,
		Logger:        logger,
	})
	a.store = b.manager

	if cfg.Rescale.Enabled {
		a.rescaler = rescale.New(rescale.Options{
			Cache:           tileCache,
			Lookup:          a.RequestTile,
			TileSize:        src.TileSize,
			MaxZoomOutDelta: cfg.Rescale.MaxZoomOutDelta,
			Workers:         cfg.Rescale.Workers,
			Metrics:         opts.Metrics,
			Logger:          logger,
		})
	}
	if cfg.Precache.Enabled {
		a.warmer = precache.New(precache.Options{
			Cache:     tileCache,
			Providers: a.syncProviders,
			Online:    a.UseDataConnection,
			Metrics:   opts.Metrics,
			Logger:    logger,
		})
	}

	names := make([]string, len(modules))
	for i, m := range modules {
		names[i] = m.Name()
	}
	a.logger.Info("Tile pipeline ready", "source", src.Name, "providers", names,
		"minZoom", a.MinZoom(), "maxZoom", a.MaxZoom())
	return a, nil
}

type builder struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger
	src    tile.Source

	manager  *store.Manager
	archives []provider.Archive
}

func (b *builder) module(p provider.Provider, queue config.BulkheadConfig) *provider.Module {
	return provider.NewModule(p, queue, provider.ModuleOptions{Metrics: b.opts.Metrics, Logger: b.logger})
}

func (b *builder) modules(ctx context.Context, pool *cache.Pool) ([]*provider.Module, error) {
	cfg := b.cfg
	var (
		modules []*provider.Module
		offline []provider.Provider
	)

	if cfg.Assets.Enabled {
		fsys := b.opts.AssetsFS
		if fsys == nil {
			fsys = os.DirFS(cfg.Assets.Dir)
		}
		p := provider.NewAssetsProvider(fsys, b.src)
		offline = append(offline, p)
		modules = append(modules, b.module(p, cfg.Assets.Queue))
	}

	tiles := b.opts.Store
	if tiles == nil && cfg.Store.Enabled {
		m, err := store.NewManager(ctx, cfg, &store.ManagerOptions{Logger: b.logger, Metrics: b.opts.Metrics})
		if err != nil {
			return nil, fmt.Errorf("tile store: %w", err)
		}
		m.StartMaintenance()
		b.manager = m
		tiles = m
	}
	if tiles != nil {
		p := provider.NewStoreProvider(tiles, b.src)
		offline = append(offline, p)
		modules = append(modules, b.module(p, cfg.Store.Queue))
	}

	if cfg.Archive.Enabled {
		archives, err := provider.OpenArchives(cfg.Archive.Paths)
		if err != nil {
			return nil, err
		}
		b.archives = archives
		p := provider.NewArchiveProvider(archives, b.src, cfg.Archive.IgnoreTileSource)
		offline = append(offline, p)
		modules = append(modules, b.module(p, cfg.Archive.Queue))
	}

	if cfg.Network.Enabled {
		policy := resilience.NewPolicy("network", cfg, config.BulkheadConfig{})
		policy.SetOnCircuitStateChange(func(from, to resilience.State) {
			b.logger.Warn("Download circuit breaker state changed", "from", from.String(), "to", to.String())
			if b.opts.Metrics != nil {
				b.opts.Metrics.RecordCircuitBreakerStateChange(from.String(), to.String())
			}
		})
		policy.SetOnRetry(func(attempt int, wait time.Duration, err error) {
			b.logger.Debug("Retrying tile download", "attempt", attempt, "wait", wait, "error", err)
		})
		opts := provider.NetworkOptions{
			Client:  b.opts.HTTPClient,
			Policy:  policy,
			Metrics: b.opts.Metrics,
			Logger:  b.logger,
		}
		if tiles != nil {
			opts.Writer = tiles
		}
		p := provider.NewNetworkProvider(b.src, cfg.Network, opts)
		modules = append(modules, b.module(p, cfg.Network.Queue))
	}

	if cfg.Approximator.Enabled && len(offline) > 0 {
		p := provider.NewApproximator(pool, offline...)
		modules = append(modules, b.module(p, cfg.Approximator.Queue))
	}
	return modules, nil
}

// cleanup releases what modules opened before failing.
func (b *builder) cleanup() {
	var errs []error
	for _, a := range b.archives {
		errs = append(errs, a.Close())
	}
	if b.manager != nil {
		errs = append(errs, b.manager.Close())
	}
	if err := errors.Join(errs...); err != nil {
		b.logger.Warn("Failed to release partially built pipeline", "error", err)
	}
}
