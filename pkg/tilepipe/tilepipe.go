package tilepipe

import (
	"context"

	"github.com/LavishGent/tilepipe/internal/config"
	"github.com/LavishGent/tilepipe/internal/pipeline"
)

// New creates a pipeline with the default configuration: the on-disk
// store in front of the OpenStreetMap downloader.
func New(ctx context.Context, opts ...Option) (*Pipeline, error) {
	return NewFromConfig(ctx, config.DefaultConfig(), opts...)
}

// NewFromConfig creates a pipeline from configuration.
func NewFromConfig(ctx context.Context, cfg *config.Config, opts ...Option) (*Pipeline, error) {
	o := pipeline.Options{}
	for _, opt := range opts {
		opt(&o)
	}
	return pipeline.New(ctx, cfg, o)
}

// NewFromFile creates a pipeline from a JSON config file.
func NewFromFile(ctx context.Context, path string, opts ...Option) (*Pipeline, error) {
	cfg, err := config.LoadWithEnv(path)
	if err != nil {
		return nil, err
	}
	return NewFromConfig(ctx, cfg, opts...)
}

// Config returns a default configuration that can be modified before
// creating a pipeline.
func Config() *config.Config {
	return config.DefaultConfig()
}

// TestConfig returns a configuration suitable for unit tests.
func TestConfig() *config.Config {
	return config.ForTesting()
}
