package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"

	"github.com/LavishGent/tilepipe/internal/tile"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TILEPIPE_"

// Load loads configuration from a JSON file.
// If the file doesn't exist, returns default configuration.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist, use defaults
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWithEnv loads configuration from a JSON file and applies environment overrides.
func LoadWithEnv(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	applyDataDogEnv(&cfg.Metrics.DataDog)
	return nil
}

// applyDataDogEnv honours the standard DataDog agent variables. They win
// over the TILEPIPE_METRICS_DATADOG_* equivalents.
func applyDataDogEnv(dd *DataDogConfig) {
	if v := os.Getenv("DD_AGENT_HOST"); v != "" {
		dd.AgentHost = v
		dd.Enabled = true
	}
	if v := os.Getenv("DD_DOGSTATSD_PORT"); v != "" {
		dd.Port = parseInt(v, dd.Port)
	}
	if v := os.Getenv("DD_SERVICE"); v != "" {
		dd.Prefix = v
	}
	if v := os.Getenv("DD_ENV"); v != "" {
		dd.Tags = append(dd.Tags, "env:"+v)
	}
	if v := os.Getenv("DD_VERSION"); v != "" {
		dd.Tags = append(dd.Tags, "version:"+v)
	}
}

// Validate checks if the configuration is valid.
//
//nolint:gocyclo // One check per section
func (c *Config) Validate() error {
	var errs []error

	if c.Source.Name == "" {
		errs = append(errs, errors.New("source.name is required"))
	}
	if c.Source.TileSize <= 0 || c.Source.TileSize&(c.Source.TileSize-1) != 0 {
		errs = append(errs, errors.New("source.tileSize must be a positive power of 2"))
	}
	if c.Source.MinZoom < 0 || c.Source.MaxZoom > tile.MaxZoom || c.Source.MinZoom > c.Source.MaxZoom {
		errs = append(errs, fmt.Errorf("source zoom range must lie within 0..%d", tile.MaxZoom))
	}
	if c.Network.Enabled && len(c.Source.URLs) == 0 {
		errs = append(errs, errors.New("source.urls is required when the network provider is enabled"))
	}

	if c.Cache.Capacity <= 0 {
		errs = append(errs, errors.New("cache.capacity must be positive"))
	}
	if c.Cache.Border < 0 {
		errs = append(errs, errors.New("cache.border must not be negative"))
	}

	if c.Assets.Enabled && c.Assets.Dir == "" {
		errs = append(errs, errors.New("assets.dir is required when assets are enabled"))
	}

	if c.Store.Enabled {
		if c.Store.SQLite.Enabled && c.Store.SQLite.Path == "" {
			errs = append(errs, errors.New("store.sqlite.path is required when sqlite is enabled"))
		}
		if c.Store.Memory.Enabled {
			if c.Store.Memory.MaxSizeMB <= 0 {
				errs = append(errs, errors.New("store.memory.maxSizeMB must be positive"))
			}
			if c.Store.Memory.Shards <= 0 || (c.Store.Memory.Shards&(c.Store.Memory.Shards-1)) != 0 {
				errs = append(errs, errors.New("store.memory.shards must be a positive power of 2"))
			}
		}
		if c.Store.Redis.Enabled {
			if c.Store.Redis.Address == "" {
				errs = append(errs, errors.New("store.redis.address is required when redis is enabled"))
			}
			if c.Store.Redis.PoolSize <= 0 {
				errs = append(errs, errors.New("store.redis.poolSize must be positive"))
			}
		}
	}

	if c.Archive.Enabled && len(c.Archive.Paths) == 0 {
		errs = append(errs, errors.New("archive.paths is required when archives are enabled"))
	}

	for name, q := range map[string]BulkheadConfig{
		"assets":       c.Assets.Queue,
		"store":        c.Store.Queue,
		"archive":      c.Archive.Queue,
		"network":      c.Network.Queue,
		"approximator": c.Approximator.Queue,
	} {
		if q.Enabled && q.MaxConcurrent <= 0 {
			errs = append(errs, fmt.Errorf("%s.queue.maxConcurrent must be positive", name))
		}
		if q.Enabled && q.MaxQueue < 0 {
			errs = append(errs, fmt.Errorf("%s.queue.maxQueue must not be negative", name))
		}
	}

	if c.Rescale.Enabled && c.Rescale.MaxZoomOutDelta <= 0 {
		errs = append(errs, errors.New("rescale.maxZoomOutDelta must be positive"))
	}

	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.FailureThreshold <= 0 {
			errs = append(errs, errors.New("circuitBreaker.failureThreshold must be positive"))
		}
		if c.CircuitBreaker.OpenDuration <= 0 {
			errs = append(errs, errors.New("circuitBreaker.openDuration must be positive"))
		}
	}

	if c.Retry.Enabled && c.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("retry.maxAttempts must be positive"))
	}

	if dd := c.Metrics.DataDog; c.Metrics.Enabled && dd.Enabled && (dd.SampleRate <= 0 || dd.SampleRate > 1) {
		errs = append(errs, errors.New("metrics.datadog.sampleRate must be in (0, 1]"))
	}

	if c.Server.Enabled && c.Server.Address == "" {
		errs = append(errs, errors.New("server.address is required when the server is enabled"))
	}

	return errors.Join(errs...)
}

func parseInt(s string, defaultVal int) int {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return defaultVal
	}
	return v
}
