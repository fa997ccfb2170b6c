// Command tilepipe serves map tiles over HTTP from the configured provider
// chain.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/LavishGent/tilepipe/internal/config"
	"github.com/LavishGent/tilepipe/internal/metrics"
	"github.com/LavishGent/tilepipe/internal/metrics/datadog"
	"github.com/LavishGent/tilepipe/internal/pipeline"
	"github.com/LavishGent/tilepipe/internal/server"
	"github.com/LavishGent/tilepipe/internal/types"
)

func main() {
	configPath := flag.String("config", "", "path to a JSON config file")
	logLevel := flag.String("log-level", "info", "debug, info, warn or error")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q: %v\n", *logLevel, err)
		os.Exit(2)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil {
		logger.Error("tilepipe stopped", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("Failed to load .env file", "error", err)
	}

	cfg, err := config.LoadWithEnv(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	publisher, prom, err := newPublisher(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("Failed to close metrics publisher", "error", err)
		}
	}()
	var tracker types.MetricsRecorder = metrics.NewNoOpTracker()
	if cfg.Metrics.Enabled {
		tracker = metrics.NewTracker(metrics.WithPublisher(publisher))
	}

	tiles, err := pipeline.New(ctx, cfg, pipeline.Options{
		Logger:        logger,
		Metrics:       tracker,
		NotFoundImage: pipeline.NotFoundImage(cfg.Source.TileSize),
	})
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}
	defer func() {
		if err := tiles.Detach(); err != nil {
			logger.Warn("Failed to detach pipeline", "error", err)
		}
	}()

	if cfg.Metrics.Enabled {
		bg := metrics.NewBackgroundPublisher(publisher, cfg.Metrics.PublishInterval, tiles.PublisherHealth, logger)
		bg.Start(ctx)
		defer bg.Stop()
	}

	if !cfg.Server.Enabled {
		logger.Info("HTTP server disabled, waiting for a signal")
		<-ctx.Done()
		return nil
	}

	gin.SetMode(gin.ReleaseMode)
	opts := server.Options{Logger: logger}
	if prom != nil {
		opts.Metrics = prom.Handler()
	}
	srv := server.New(tiles, cfg.Server, opts)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// newPublisher assembles the configured metrics sinks. The Prometheus
// publisher is returned separately for the scrape endpoint.
func newPublisher(cfg *config.Config, logger *slog.Logger) (types.Publisher, *metrics.PrometheusPublisher, error) {
	if !cfg.Metrics.Enabled {
		return metrics.NewNoOpPublisher(), nil, nil
	}

	publishers := []types.Publisher{metrics.NewLoggingPublisher(logger)}

	var prom *metrics.PrometheusPublisher
	if cfg.Metrics.Prometheus.Enabled {
		prom = metrics.NewPrometheusPublisher(cfg.Metrics.Prometheus, logger)
		publishers = append(publishers, prom)
	}

	if cfg.Metrics.DataDog.Enabled {
		dd, err := datadog.NewPublisher(&cfg.Metrics.DataDog, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("datadog publisher: %w", err)
		}
		publishers = append(publishers, dd)
	}
	return metrics.NewMultiPublisher(publishers...), prom, nil
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	if cfg.Server.ShutdownTimeout > 0 {
		return cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}
