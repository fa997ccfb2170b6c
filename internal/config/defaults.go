package config

import "time"

// Queue defaults for filesystem style providers and the downloader.
const (
	FilesystemWorkers = 8
	NetworkWorkers    = 2
	ProviderMaxQueue  = 40
)

func filesystemQueue() BulkheadConfig {
	return BulkheadConfig{
		Enabled:        true,
		MaxConcurrent:  FilesystemWorkers,
		MaxQueue:       ProviderMaxQueue,
		AcquireTimeout: 30 * time.Second,
	}
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Source: SourceConfig{
			Name:      "Mapnik",
			URLs:      []string{"https://tile.openstreetmap.org/{z}/{x}/{y}.png"},
			Extension: ".png",
			TileSize:  256,
			MinZoom:   0,
			MaxZoom:   19,
			UserAgent: "tilepipe/1.0",
			Expiry:    7 * 24 * time.Hour,
		},
		Cache: CacheConfig{
			Capacity:           9,
			AutoEnsureCapacity: true,
			Border:             1,
			ZoomDelta:          1,
		},
		Assets: AssetsConfig{
			Enabled: false,
			Dir:     "assets",
			Queue:   filesystemQueue(),
		},
		Store: StoreConfig{
			Enabled: true,
			SQLite: SQLiteConfig{
				Enabled:       true,
				Path:          "tiles.db",
				MaxRows:       200_000,
				PurgeInterval: 10 * time.Minute,
			},
			Memory: MemoryConfig{
				Enabled:          true,
				MaxSizeMB:        64,
				DefaultTTL:       10 * time.Minute,
				CleanupInterval:  10 * time.Second,
				Shards:           256,
				MaxEntrySize:     256 * 1024,
				HardMaxCacheSize: false,
			},
			Redis: RedisConfig{
				Enabled:             false,
				Address:             "localhost:6379",
				Password:            SecretString{},
				DB:                  0,
				KeyPrefix:           "tilepipe:",
				DefaultTTL:          24 * time.Hour,
				PoolSize:            100,
				MinIdleConns:        10,
				DialTimeout:         5 * time.Second,
				ReadTimeout:         3 * time.Second,
				WriteTimeout:        3 * time.Second,
				PoolTimeout:         4 * time.Second,
				MaxPendingWrites:    500,
				EnableTLS:           false,
				TLSSkipVerify:       false,
				HealthCheckInterval: 5 * time.Second,
			},
			Queue: filesystemQueue(),
		},
		Archive: ArchiveConfig{
			Enabled: false,
			Paths:   []string{},
			Queue:   filesystemQueue(),
		},
		Network: NetworkConfig{
			Enabled: true,
			Timeout: 15 * time.Second,
			Queue: BulkheadConfig{
				Enabled:        true,
				MaxConcurrent:  NetworkWorkers,
				MaxQueue:       ProviderMaxQueue,
				AcquireTimeout: 30 * time.Second,
			},
		},
		Approximator: ApproximatorConfig{
			Enabled: true,
			Queue:   filesystemQueue(),
		},
		Rescale: RescaleConfig{
			Enabled:         true,
			MaxZoomOutDelta: 4,
			Workers:         4,
		},
		Precache: PrecacheConfig{
			Enabled: true,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:             true,
			FailureThreshold:    5,
			SuccessThreshold:    2,
			OpenDuration:        30 * time.Second,
			HalfOpenMaxRequests: 3,
		},
		Retry: RetryConfig{
			Enabled:        true,
			MaxAttempts:    3,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			Multiplier:     2.0,
			Jitter:         true,
		},
		Metrics: MetricsConfig{
			Enabled:         true,
			PublishInterval: 10 * time.Second,
			DataDog: DataDogConfig{
				Enabled:           false,
				AgentHost:         "127.0.0.1",
				Port:              8125,
				Prefix:            "tilepipe",
				Tags:              []string{},
				SampleRate:        1,
				ClientAggregation: true,
			},
			Prometheus: PrometheusConfig{
				Enabled:   true,
				Namespace: "tilepipe",
			},
		},
		Server: ServerConfig{
			Enabled:         true,
			Address:         ":8080",
			TileTimeout:     10 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// ForTesting returns a minimal configuration suitable for unit tests.
// Every provider that touches the disk or the network is disabled.
func ForTesting() *Config {
	cfg := DefaultConfig()
	cfg.Source.UserAgent = "tilepipe-test"
	cfg.Cache.AutoEnsureCapacity = false
	cfg.Cache.Capacity = 64

	cfg.Store.Enabled = false
	cfg.Store.SQLite.Enabled = false
	cfg.Store.SQLite.Path = ":memory:"
	cfg.Store.SQLite.PurgeInterval = 0
	cfg.Store.Memory = MemoryConfig{
		Enabled:         true,
		MaxSizeMB:       16,
		DefaultTTL:      1 * time.Minute,
		CleanupInterval: 1 * time.Second,
		Shards:          64,
		MaxEntrySize:    64 * 1024,
	}
	cfg.Store.Redis.Enabled = false
	cfg.Store.Redis.KeyPrefix = "test:"
	cfg.Store.Redis.DefaultTTL = 1 * time.Minute
	cfg.Store.Redis.PoolSize = 10
	cfg.Store.Redis.MinIdleConns = 1
	cfg.Store.Redis.DialTimeout = 1 * time.Second
	cfg.Store.Redis.ReadTimeout = 1 * time.Second
	cfg.Store.Redis.WriteTimeout = 1 * time.Second
	cfg.Store.Redis.PoolTimeout = 1 * time.Second
	cfg.Store.Redis.MaxPendingWrites = 50
	cfg.Store.Redis.HealthCheckInterval = 0

	cfg.Network.Enabled = false
	cfg.Network.Timeout = 2 * time.Second
	cfg.Network.Queue.AcquireTimeout = 500 * time.Millisecond
	cfg.Precache.Enabled = false

	cfg.CircuitBreaker = CircuitBreakerConfig{
		Enabled:             false,
		FailureThreshold:    3,
		SuccessThreshold:    1,
		OpenDuration:        1 * time.Second,
		HalfOpenMaxRequests: 1,
	}
	cfg.Retry = RetryConfig{
		Enabled:        false,
		MaxAttempts:    1,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     100 * time.Millisecond,
		Multiplier:     2.0,
		Jitter:         false,
	}
	cfg.Metrics = MetricsConfig{
		Enabled:         false,
		PublishInterval: 1 * time.Second,
	}
	cfg.Server.Enabled = false
	cfg.Server.TileTimeout = 2 * time.Second
	return cfg
}

// ForTestingWithRedis returns a test config with the store and its Redis tier enabled.
func ForTestingWithRedis(addr string) *Config {
	cfg := ForTesting()
	cfg.Store.Enabled = true
	cfg.Store.Redis.Enabled = true
	cfg.Store.Redis.Address = addr
	return cfg
}
