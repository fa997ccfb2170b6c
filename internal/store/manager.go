package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/LavishGent/tilepipe/internal/config"
	"github.com/LavishGent/tilepipe/internal/resilience"
	"github.com/LavishGent/tilepipe/internal/tile"
	"github.com/LavishGent/tilepipe/internal/types"
)

const (
	// DefaultShutdownTimeout bounds how long Close waits for background writes.
	DefaultShutdownTimeout = 30 * time.Second
	// DefaultBackgroundOpTimeout bounds one background backfill or purge.
	DefaultBackgroundOpTimeout = 5 * time.Second
)

// ManagerOptions customizes a Manager. Zero fields use the defaults built
// from the configuration.
type ManagerOptions struct {
	Logger  *slog.Logger
	Metrics types.MetricsRecorder
	Memory  types.MemoryStoreLayer
	Redis   types.RedisStoreLayer
	SQLite  *SQLiteStore
}

// Manager tiers the memory, Redis and SQLite stores. Loads walk the tiers
// top down and backfill the faster tiers on a hit; saves go to every tier.
type Manager struct {
	memory types.MemoryStoreLayer
	redis  types.RedisStoreLayer
	sqlite *SQLiteStore
	policy resilience.Executor

	config  config.StoreConfig
	metrics types.MetricsRecorder
	logger  *slog.Logger

	sfGroup        singleflight.Group
	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
	bgWg           sync.WaitGroup
	bgMu           sync.Mutex
	closed         atomic.Bool
}

// NewManager builds the tiers enabled in cfg.Store. A Redis tier that
// cannot be created degrades to memory and SQLite only.
func NewManager(ctx context.Context, cfg *config.Config, opts *ManagerOptions) (*Manager, error) {
	if opts == nil {
		opts = &ManagerOptions{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	m := &Manager{
		config:         cfg.Store,
		metrics:        opts.Metrics,
		logger:         logger.With("component", "store-manager"),
		shutdownCtx:    shutdownCtx,
		shutdownCancel: shutdownCancel,
		memory:         opts.Memory,
		redis:          opts.Redis,
		sqlite:         opts.SQLite,
	}

	if m.memory == nil {
		if cfg.Store.Memory.Enabled {
			mem, err := NewMemoryStore(cfg.Store.Memory, logger)
			if err != nil {
				shutdownCancel()
				return nil, fmt.Errorf("memory store: %w", err)
			}
			m.memory = mem
		} else {
			m.memory = NewDisabledMemoryStore()
		}
	}

	if m.redis == nil {
		m.redis = NewDisabledRedisStore()
		if cfg.Store.Redis.Enabled {
			rs, err := NewRedisStore(cfg.Store.Redis, logger)
			if err != nil {
				m.logger.Warn("Failed to create Redis store, continuing without it", "error", err)
			} else {
				m.redis = rs
			}
		}
	}

	if m.sqlite == nil && cfg.Store.SQLite.Enabled {
		db, err := NewSQLiteStore(ctx, cfg.Store.SQLite, logger)
		if err != nil {
			shutdownCancel()
			_ = m.memory.Close()
			_ = m.redis.Close()
			return nil, err
		}
		m.sqlite = db
	}

	policy := resilience.NewPolicy("redis", cfg, config.BulkheadConfig{})
	policy.SetOnCircuitStateChange(func(from, to resilience.State) {
		m.logger.Info("Circuit breaker state changed", "from", from.String(), "to", to.String())
		if m.metrics != nil {
			m.metrics.RecordCircuitBreakerStateChange(from.String(), to.String())
		}
	})
	m.policy = policy

	return m, nil
}

func (m *Manager) Name() string {
	return "store"
}

// IsAvailable reports whether any tier can serve tiles.
func (m *Manager) IsAvailable() bool {
	if m.closed.Load() {
		return false
	}
	return m.memory.IsAvailable() || m.redis.IsAvailable() || (m.sqlite != nil && m.sqlite.IsAvailable())
}

// Load returns the stored blob or ErrTileNotFound. Concurrent loads of
// the same tile share one walk over the tiers.
func (m *Manager) Load(ctx context.Context, source string, idx tile.Index) (types.Blob, error) {
	if m.closed.Load() {
		return types.Blob{}, types.ErrClosed
	}

	v, err, _ := m.sfGroup.Do(Key(source, idx), func() (any, error) {
		return m.loadTiers(ctx, source, idx)
	})
	if err != nil {
		return types.Blob{}, err
	}
	return v.(types.Blob), nil
}

func (m *Manager) loadTiers(ctx context.Context, source string, idx tile.Index) (types.Blob, error) {
	start := time.Now()
	blob, err := m.memory.Load(ctx, source, idx)
	if err == nil {
		m.recordHit("memory", start)
		return blob, nil
	}
	if !types.IsTileNotFound(err) {
		m.logger.Debug("Memory store error", "tile", idx, "error", err)
	}
	m.recordMiss("memory", start)

	if m.redis.IsAvailable() {
		start = time.Now()
		blob, err = m.loadRedis(ctx, source, idx)
		if err == nil {
			m.recordHit("redis", start)
			m.backfill(source, idx, blob, false)
			return blob, nil
		}
		if !types.IsTileNotFound(err) {
			m.logger.Debug("Redis store error", "tile", idx, "error", err)
		}
		m.recordMiss("redis", start)
	}

	if m.sqlite != nil {
		start = time.Now()
		blob, err = m.sqlite.Load(ctx, source, idx)
		if err == nil {
			m.recordHit("sqlite", start)
			m.backfill(source, idx, blob, true)
			return blob, nil
		}
		m.recordMiss("sqlite", start)
		if !types.IsTileNotFound(err) {
			return types.Blob{}, err
		}
	}

	return types.Blob{}, types.ErrTileNotFound
}

func (m *Manager) loadRedis(ctx context.Context, source string, idx tile.Index) (types.Blob, error) {
	return resilience.Call(ctx, m.policy, func(ctx context.Context) (types.Blob, error) {
		return m.redis.Load(ctx, source, idx)
	})
}

func (m *Manager) backfill(source string, idx tile.Index, blob types.Blob, toRedis bool) {
	m.runBackground(func(ctx context.Context) {
		if err := m.memory.Save(ctx, source, idx, blob); err != nil {
			m.logger.Debug("Failed to backfill memory store", "tile", idx, "error", err)
		}
		if toRedis && m.redis.IsAvailable() {
			if err := m.redis.SaveAsync(source, idx, blob); err != nil {
				m.logger.Debug("Failed to backfill Redis store", "tile", idx, "error", err)
			}
		}
	})
}

// Save writes the blob to every tier. The SQLite write is authoritative:
// its error is returned, Redis writes are queued.
func (m *Manager) Save(ctx context.Context, source string, idx tile.Index, blob types.Blob) error {
	if m.closed.Load() {
		return types.ErrClosed
	}
	start := time.Now()

	memErr := m.memory.Save(ctx, source, idx, blob)
	if memErr != nil {
		m.logger.Debug("Memory store save failed", "tile", idx, "error", memErr)
	}

	if m.redis.IsAvailable() {
		if err := m.redis.SaveAsync(source, idx, blob); err != nil && !errors.Is(err, types.ErrWriteQueueFull) {
			m.logger.Debug("Redis store save failed", "tile", idx, "error", err)
		}
	}

	var err error
	layer := "memory"
	if m.sqlite != nil {
		layer = "sqlite"
		err = m.sqlite.Save(ctx, source, idx, blob)
	} else {
		err = memErr
	}

	if m.metrics != nil && err == nil {
		m.metrics.RecordStoreWrite(layer, len(blob.Data), time.Since(start))
	}
	if err != nil && m.metrics != nil {
		m.metrics.RecordError("store", "save", err)
	}
	return err
}

// Delete removes the tile from every tier.
func (m *Manager) Delete(ctx context.Context, source string, idx tile.Index) error {
	if m.closed.Load() {
		return types.ErrClosed
	}

	var errs []error
	if err := m.memory.Delete(ctx, source, idx); err != nil {
		errs = append(errs, err)
	}
	if m.redis.IsAvailable() {
		if err := m.redis.Delete(ctx, source, idx); err != nil {
			errs = append(errs, err)
		}
	}
	if m.sqlite != nil {
		if err := m.sqlite.Delete(ctx, source, idx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Exists reports whether any tier holds the tile.
func (m *Manager) Exists(ctx context.Context, source string, idx tile.Index) (bool, error) {
	if m.closed.Load() {
		return false, types.ErrClosed
	}

	if ok, err := m.memory.Exists(ctx, source, idx); err == nil && ok {
		return true, nil
	}
	if m.redis.IsAvailable() {
		if ok, err := m.redis.Exists(ctx, source, idx); err == nil && ok {
			return true, nil
		}
	}
	if m.sqlite != nil {
		return m.sqlite.Exists(ctx, source, idx)
	}
	return false, nil
}

// Clear empties every tier.
func (m *Manager) Clear(ctx context.Context) error {
	if m.closed.Load() {
		return types.ErrClosed
	}

	var errs []error
	if err := m.memory.Clear(ctx); err != nil {
		errs = append(errs, err)
	}
	if m.redis.IsAvailable() {
		if err := m.redis.Clear(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if m.sqlite != nil {
		if err := m.sqlite.Clear(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StartMaintenance purges expired rows and trims the database every
// PurgeInterval until the manager is closed.
func (m *Manager) StartMaintenance() {
	if m.sqlite == nil || m.config.SQLite.PurgeInterval <= 0 {
		return
	}

	m.bgMu.Lock()
	if m.closed.Load() {
		m.bgMu.Unlock()
		return
	}
	m.bgWg.Add(1)
	m.bgMu.Unlock()

	go func() {
		defer m.bgWg.Done()
		ticker := time.NewTicker(m.config.SQLite.PurgeInterval)
		defer ticker.Stop()

		for {
			select {
			case <-m.shutdownCtx.Done():
				return
			case <-ticker.C:
				m.Maintain(m.shutdownCtx)
			}
		}
	}()
}

// Maintain runs one purge and trim pass over the database.
func (m *Manager) Maintain(ctx context.Context) {
	if m.sqlite == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultBackgroundOpTimeout)
	defer cancel()

	var purged int64
	now := time.Now()
	first, ok, err := m.sqlite.FirstExpiry(ctx)
	switch {
	case err != nil:
		m.logger.Warn("Failed to read tile expiry", "error", err)
	case ok && first.Before(now):
		purged, err = m.sqlite.PurgeExpired(ctx, now)
		if err != nil {
			m.logger.Warn("Failed to purge expired tiles", "error", err)
		}
	}
	trimmed, err := m.sqlite.Trim(ctx, m.config.SQLite.MaxRows)
	if err != nil {
		m.logger.Warn("Failed to trim tile database", "error", err)
	}
	if purged > 0 || trimmed > 0 {
		m.logger.Info("Tile database maintenance", "purged", purged, "trimmed", trimmed)
	}
}

// Health reports the state of every tier.
func (m *Manager) Health(ctx context.Context) types.StoreHealthMetrics {
	stats := m.memory.Stats()
	h := types.StoreHealthMetrics{
		Memory: types.MemoryHealthMetrics{
			Status:          types.HealthStatusHealthy,
			Available:       m.memory.IsAvailable(),
			EntryCount:      m.memory.EntryCount(),
			SizeBytes:       m.memory.Size(),
			MaxSizeBytes:    m.memory.MaxSize(),
			UsagePercentage: m.memory.UsagePercentage(),
			HitCount:        stats.Hits,
			MissCount:       stats.Misses,
			HitRatio:        m.memory.HitRatio(),
			EvictionCount:   stats.Evictions,
		},
		Redis: types.RedisHealthMetrics{
			Status:              types.HealthStatusHealthy,
			Available:           m.redis.IsAvailable(),
			Connected:           m.redis.IsAvailable(),
			PendingWrites:       m.redis.PendingWrites(),
			DroppedWrites:       m.redis.DroppedWrites(),
			CircuitBreakerState: m.policy.CircuitState().String(),
		},
	}

	if rs, ok := m.redis.(*RedisStore); ok {
		hits, misses := rs.Stats()
		h.Redis.HitCount, h.Redis.MissCount = hits, misses
		if total := hits + misses; total > 0 {
			h.Redis.HitRatio = float64(hits) / float64(total)
		}
		if err, at := rs.LastError(); err != nil {
			h.Redis.LastError = err.Error()
			h.Redis.LastErrorTime = at
		}
		if !rs.IsAvailable() {
			h.Redis.Status = types.HealthStatusUnhealthy
		}
	}

	if m.sqlite != nil {
		h.SQLite = types.SQLiteHealthMetrics{
			Status:    types.HealthStatusHealthy,
			Available: m.sqlite.IsAvailable(),
			Path:      m.sqlite.Path(),
		}
		rows, err := m.sqlite.RowCount(ctx, "")
		if err != nil {
			h.SQLite.Status = types.HealthStatusUnhealthy
		}
		h.SQLite.Rows = rows
	}

	switch {
	case h.SQLite.Status == types.HealthStatusUnhealthy:
		h.Status = types.HealthStatusUnhealthy
	case h.Redis.Status == types.HealthStatusUnhealthy:
		h.Status = types.HealthStatusDegraded
	default:
		h.Status = types.HealthStatusHealthy
	}
	return h
}

// SQLite returns the database tier, nil when disabled.
func (m *Manager) SQLite() *SQLiteStore {
	return m.sqlite
}

func (m *Manager) Close() error {
	return m.CloseWithTimeout(DefaultShutdownTimeout)
}

// CloseWithTimeout waits for background work up to timeout, then closes
// every tier.
func (m *Manager) CloseWithTimeout(timeout time.Duration) error {
	m.bgMu.Lock()
	if m.closed.Swap(true) {
		m.bgMu.Unlock()
		return nil
	}
	m.shutdownCancel()
	m.bgMu.Unlock()

	m.logger.Info("Closing tile store, waiting for background operations", "timeout", timeout)

	done := make(chan struct{})
	go func() {
		m.bgWg.Wait()
		close(done)
	}()

	var errs []error
	select {
	case <-done:
	case <-time.After(timeout):
		m.logger.Warn("Shutdown timeout exceeded, proceeding with close", "timeout", timeout)
		errs = append(errs, types.ErrShutdownTimeout)
	}

	if err := m.memory.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := m.redis.Close(); err != nil {
		errs = append(errs, err)
	}
	if m.sqlite != nil {
		if err := m.sqlite.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// runBackground executes fn on a goroutine tracked for graceful shutdown.
func (m *Manager) runBackground(fn func(ctx context.Context)) {
	m.bgMu.Lock()
	if m.closed.Load() {
		m.bgMu.Unlock()
		return
	}
	m.bgWg.Add(1)
	m.bgMu.Unlock()

	go func() {
		defer m.bgWg.Done()
		ctx, cancel := context.WithTimeout(m.shutdownCtx, DefaultBackgroundOpTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func (m *Manager) recordHit(layer string, start time.Time) {
	if m.metrics != nil {
		m.metrics.RecordStoreHit(layer, time.Since(start))
	}
}

func (m *Manager) recordMiss(layer string, start time.Time) {
	if m.metrics != nil {
		m.metrics.RecordStoreMiss(layer, time.Since(start))
	}
}

var (
	_ types.TileStore    = (*Manager)(nil)
	_ types.StoreClearer = (*Manager)(nil)
)
