// Package config provides configuration management for tilepipe.
package config

import (
	"time"

	"github.com/LavishGent/tilepipe/internal/tile"
	"github.com/LavishGent/tilepipe/internal/types"
)

// SecretString is a string type that redacts its value when marshaled to JSON.
type SecretString = types.SecretString

// NewSecretString creates a new SecretString with the provided value.
func NewSecretString(value string) SecretString {
	return types.NewSecretString(value)
}

// Config contains all configuration for a tile pipeline.
//
//nolint:govet // Configuration struct - logical grouping prioritized over alignment
type Config struct {
	Source         SourceConfig         `json:"source" envPrefix:"SOURCE_"`
	Cache          CacheConfig          `json:"cache" envPrefix:"CACHE_"`
	Assets         AssetsConfig         `json:"assets" envPrefix:"ASSETS_"`
	Store          StoreConfig          `json:"store" envPrefix:"STORE_"`
	Archive        ArchiveConfig        `json:"archive" envPrefix:"ARCHIVE_"`
	Network        NetworkConfig        `json:"network" envPrefix:"NETWORK_"`
	Approximator   ApproximatorConfig   `json:"approximator" envPrefix:"APPROXIMATOR_"`
	Rescale        RescaleConfig        `json:"rescale" envPrefix:"RESCALE_"`
	Precache       PrecacheConfig       `json:"precache" envPrefix:"PRECACHE_"`
	CircuitBreaker CircuitBreakerConfig `json:"circuitBreaker" envPrefix:"CIRCUIT_BREAKER_"`
	Retry          RetryConfig          `json:"retry" envPrefix:"RETRY_"`
	Metrics        MetricsConfig        `json:"metrics" envPrefix:"METRICS_"`
	Server         ServerConfig         `json:"server" envPrefix:"SERVER_"`
}

// SourceConfig describes the active tile source.
//
//nolint:govet // Configuration struct - logical grouping prioritized over alignment
type SourceConfig struct {
	Name          string        `json:"name" env:"NAME"`
	URLs          []string      `json:"urls" env:"URLS" envSeparator:","`
	Extension     string        `json:"extension" env:"EXTENSION"`
	TileSize      int           `json:"tileSize" env:"TILE_SIZE"`
	MinZoom       int           `json:"minZoom" env:"MIN_ZOOM"`
	MaxZoom       int           `json:"maxZoom" env:"MAX_ZOOM"`
	UserAgent     string        `json:"userAgent" env:"USER_AGENT"`
	AllowPrefetch bool          `json:"allowPrefetch" env:"ALLOW_PREFETCH"`
	Expiry        time.Duration `json:"expiry" env:"EXPIRY"`
}

// ToSource converts the section to a tile.Source.
func (c SourceConfig) ToSource() tile.Source {
	return tile.Source{
		Name:          c.Name,
		URLs:          append([]string(nil), c.URLs...),
		Extension:     c.Extension,
		TileSize:      c.TileSize,
		MinZoom:       c.MinZoom,
		MaxZoom:       c.MaxZoom,
		UserAgent:     c.UserAgent,
		AllowPrefetch: c.AllowPrefetch,
		Expiry:        c.Expiry,
	}
}

// CacheConfig contains configuration for the decoded tile cache.
type CacheConfig struct {
	Capacity int `json:"capacity" env:"CAPACITY"`
	// AutoEnsureCapacity grows the cache to cover the visible and
	// additional areas whenever the visible area changes.
	AutoEnsureCapacity bool `json:"autoEnsureCapacity" env:"AUTO_ENSURE_CAPACITY"`
	// Border and ZoomDelta configure the additional areas kept warm around
	// the visible area. Zero disables the respective computer.
	Border    int `json:"border" env:"BORDER"`
	ZoomDelta int `json:"zoomDelta" env:"ZOOM_DELTA"`
}

// BulkheadConfig bounds the concurrent loads and waiting requests of one provider.
type BulkheadConfig struct {
	Enabled        bool          `json:"enabled" env:"ENABLED"`
	MaxConcurrent  int           `json:"maxConcurrent" env:"MAX_CONCURRENT"`
	MaxQueue       int           `json:"maxQueue" env:"MAX_QUEUE"`
	AcquireTimeout time.Duration `json:"acquireTimeout" env:"ACQUIRE_TIMEOUT"`
}

// AssetsConfig configures the read-only directory provider.
type AssetsConfig struct {
	Enabled bool           `json:"enabled" env:"ENABLED"`
	Dir     string         `json:"dir" env:"DIR"`
	Queue   BulkheadConfig `json:"queue" envPrefix:"QUEUE_"`
}

// StoreConfig contains configuration for the persistent tile store and its tiers.
//
//nolint:govet // Configuration struct - logical grouping prioritized over alignment
type StoreConfig struct {
	Enabled bool           `json:"enabled" env:"ENABLED"`
	SQLite  SQLiteConfig   `json:"sqlite" envPrefix:"SQLITE_"`
	Memory  MemoryConfig   `json:"memory" envPrefix:"MEMORY_"`
	Redis   RedisConfig    `json:"redis" envPrefix:"REDIS_"`
	Queue   BulkheadConfig `json:"queue" envPrefix:"QUEUE_"`
}

// SQLiteConfig configures the on-disk tile database.
type SQLiteConfig struct {
	Enabled       bool          `json:"enabled" env:"ENABLED"`
	Path          string        `json:"path" env:"PATH"`
	MaxRows       int64         `json:"maxRows" env:"MAX_ROWS"`
	PurgeInterval time.Duration `json:"purgeInterval" env:"PURGE_INTERVAL"`
}

// MemoryConfig contains configuration for the in-process byte tier.
type MemoryConfig struct {
	DefaultTTL       time.Duration `json:"defaultTTL" env:"DEFAULT_TTL"`
	CleanupInterval  time.Duration `json:"cleanupInterval" env:"CLEANUP_INTERVAL"`
	MaxSizeMB        int           `json:"maxSizeMB" env:"MAX_SIZE_MB"`
	Shards           int           `json:"shards" env:"SHARDS"`
	MaxEntrySize     int           `json:"maxEntrySize" env:"MAX_ENTRY_SIZE"`
	Enabled          bool          `json:"enabled" env:"ENABLED"`
	HardMaxCacheSize bool          `json:"hardMaxCacheSize" env:"HARD_MAX_CACHE_SIZE"`
}

// RedisConfig contains configuration for the shared Redis tier.
//
//nolint:govet // Configuration struct - logical grouping prioritized over alignment
type RedisConfig struct {
	DefaultTTL          time.Duration `json:"defaultTTL" env:"DEFAULT_TTL"`
	DialTimeout         time.Duration `json:"dialTimeout" env:"DIAL_TIMEOUT"`
	ReadTimeout         time.Duration `json:"readTimeout" env:"READ_TIMEOUT"`
	WriteTimeout        time.Duration `json:"writeTimeout" env:"WRITE_TIMEOUT"`
	PoolTimeout         time.Duration `json:"poolTimeout" env:"POOL_TIMEOUT"`
	HealthCheckInterval time.Duration `json:"healthCheckInterval" env:"HEALTH_CHECK_INTERVAL"`
	Password            SecretString  `json:"password" env:"PASSWORD"`
	Address             string        `json:"address" env:"ADDRESS"`
	KeyPrefix           string        `json:"keyPrefix" env:"KEY_PREFIX"`
	DB                  int           `json:"db" env:"DB"`
	PoolSize            int           `json:"poolSize" env:"POOL_SIZE"`
	MinIdleConns        int           `json:"minIdleConns" env:"MIN_IDLE_CONNS"`
	MaxPendingWrites    int           `json:"maxPendingWrites" env:"MAX_PENDING_WRITES"`
	Enabled             bool          `json:"enabled" env:"ENABLED"`
	EnableTLS           bool          `json:"enableTLS" env:"ENABLE_TLS"`
	TLSSkipVerify       bool          `json:"tlsSkipVerify" env:"TLS_SKIP_VERIFY"`
}

// ArchiveConfig lists the offline archive files to serve tiles from.
type ArchiveConfig struct {
	Enabled bool     `json:"enabled" env:"ENABLED"`
	Paths   []string `json:"paths" env:"PATHS" envSeparator:","`
	// IgnoreTileSource looks tiles up without the source name prefix.
	IgnoreTileSource bool           `json:"ignoreTileSource" env:"IGNORE_TILE_SOURCE"`
	Queue            BulkheadConfig `json:"queue" envPrefix:"QUEUE_"`
}

// NetworkConfig configures the tile downloader.
//
//nolint:govet // Configuration struct - logical grouping prioritized over alignment
type NetworkConfig struct {
	Enabled bool          `json:"enabled" env:"ENABLED"`
	Timeout time.Duration `json:"timeout" env:"TIMEOUT"`
	// ExpiryOverride, when positive, replaces the server supplied expiry
	// of every downloaded tile.
	ExpiryOverride time.Duration  `json:"expiryOverride" env:"EXPIRY_OVERRIDE"`
	Queue          BulkheadConfig `json:"queue" envPrefix:"QUEUE_"`
}

// ApproximatorConfig configures the lower-zoom approximation provider.
type ApproximatorConfig struct {
	Enabled bool           `json:"enabled" env:"ENABLED"`
	Queue   BulkheadConfig `json:"queue" envPrefix:"QUEUE_"`
}

// RescaleConfig configures the zoom change rescaler.
type RescaleConfig struct {
	Enabled         bool `json:"enabled" env:"ENABLED"`
	MaxZoomOutDelta int  `json:"maxZoomOutDelta" env:"MAX_ZOOM_OUT_DELTA"`
	Workers         int  `json:"workers" env:"WORKERS"`
}

// PrecacheConfig configures the background warmer.
type PrecacheConfig struct {
	Enabled bool `json:"enabled" env:"ENABLED"`
}

// CircuitBreakerConfig contains configuration for the circuit breaker pattern.
type CircuitBreakerConfig struct {
	Enabled             bool          `json:"enabled" env:"ENABLED"`
	FailureThreshold    int           `json:"failureThreshold" env:"FAILURE_THRESHOLD"`
	SuccessThreshold    int           `json:"successThreshold" env:"SUCCESS_THRESHOLD"`
	OpenDuration        time.Duration `json:"openDuration" env:"OPEN_DURATION"`
	HalfOpenMaxRequests int           `json:"halfOpenMaxRequests" env:"HALF_OPEN_MAX_REQUESTS"`
}

// RetryConfig contains configuration for the retry pattern.
type RetryConfig struct {
	InitialBackoff time.Duration `json:"initialBackoff" env:"INITIAL_BACKOFF"`
	MaxBackoff     time.Duration `json:"maxBackoff" env:"MAX_BACKOFF"`
	Multiplier     float64       `json:"multiplier" env:"MULTIPLIER"`
	MaxAttempts    int           `json:"maxAttempts" env:"MAX_ATTEMPTS"`
	Enabled        bool          `json:"enabled" env:"ENABLED"`
	Jitter         bool          `json:"jitter" env:"JITTER"`
}

// MetricsConfig contains configuration for metrics publishing.
//
//nolint:govet // Small config struct - minimal alignment benefit
type MetricsConfig struct {
	PublishInterval time.Duration    `json:"publishInterval" env:"PUBLISH_INTERVAL"`
	DataDog         DataDogConfig    `json:"datadog" envPrefix:"DATADOG_"`
	Prometheus      PrometheusConfig `json:"prometheus" envPrefix:"PROMETHEUS_"`
	Enabled         bool             `json:"enabled" env:"ENABLED"`
}

// DataDogConfig contains configuration for DataDog metrics publishing.
//
//nolint:govet // Small config struct - minimal alignment benefit
type DataDogConfig struct {
	Tags      []string `json:"tags" env:"TAGS" envSeparator:","`
	AgentHost string   `json:"agentHost" env:"AGENT_HOST"`
	Prefix    string   `json:"prefix" env:"PREFIX"`
	Port      int      `json:"port" env:"PORT"`
	// SampleRate applies to the per-request counters and timings.
	SampleRate        float64 `json:"sampleRate" env:"SAMPLE_RATE"`
	ClientAggregation bool    `json:"clientAggregation" env:"CLIENT_AGGREGATION"`
	Enabled           bool    `json:"enabled" env:"ENABLED"`
}

// PrometheusConfig configures the scrape endpoint collectors.
type PrometheusConfig struct {
	Enabled   bool   `json:"enabled" env:"ENABLED"`
	Namespace string `json:"namespace" env:"NAMESPACE"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Enabled         bool          `json:"enabled" env:"ENABLED"`
	Address         string        `json:"address" env:"ADDRESS"`
	TileTimeout     time.Duration `json:"tileTimeout" env:"TILE_TIMEOUT"`
	ShutdownTimeout time.Duration `json:"shutdownTimeout" env:"SHUTDOWN_TIMEOUT"`
}
