package store

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LavishGent/tilepipe/internal/config"
	"github.com/LavishGent/tilepipe/internal/tile"
	"github.com/LavishGent/tilepipe/internal/types"
)

const (
	disconnectErrorThreshold = 5
	asyncWriteTimeout        = 2 * time.Second
)

// RedisStore shares encoded tiles between processes. Writes from the
// pipeline go through a bounded queue drained by one worker.
type RedisStore struct {
	client *redis.Client
	codec  types.Codec
	config config.RedisConfig
	logger *slog.Logger

	mu            sync.RWMutex
	connected     atomic.Bool
	lastError     error
	lastErrorTime time.Time
	errorCount    atomic.Int64

	writeQueue    chan writeOp
	pendingWrites atomic.Int32
	droppedWrites atomic.Int64
	stopCh        chan struct{}
	wg            sync.WaitGroup

	healthCheckStopCh chan struct{}
	healthCheckWg     sync.WaitGroup
	closeOnce         sync.Once

	hits    atomic.Int64
	misses  atomic.Int64
	sets    atomic.Int64
	deletes atomic.Int64
}

type writeOp struct {
	key   string
	value []byte
	ttl   time.Duration
}

// NewRedisStore connects to Redis. A failed initial ping is logged and the
// store starts disconnected; the health check reconnects it later.
func NewRedisStore(cfg config.RedisConfig, logger *slog.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := &redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password.Value(),
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolTimeout:  cfg.PoolTimeout,
	}

	if cfg.EnableTLS {
		opts.TLSConfig = &tls.Config{
			InsecureSkipVerify: cfg.TLSSkipVerify, //nolint:gosec // opt-in via config
		}
		if cfg.TLSSkipVerify {
			logger.Warn("TLS certificate verification is disabled - this is insecure for production use")
		}
	}

	queueSize := cfg.MaxPendingWrites
	if queueSize < 0 {
		queueSize = 0
	}

	rs := &RedisStore{
		client:            redis.NewClient(opts),
		codec:             NewBinaryCodec(),
		config:            cfg,
		logger:            logger.With("component", "redis-store"),
		writeQueue:        make(chan writeOp, queueSize),
		stopCh:            make(chan struct{}),
		healthCheckStopCh: make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := rs.client.Ping(ctx).Err(); err != nil {
		rs.logger.Warn("Redis initial connection failed", "error", err)
		rs.setError(err)
	} else {
		rs.connected.Store(true)
		rs.logger.Info("Redis connected", "address", cfg.Address)
	}

	rs.wg.Add(1)
	go rs.asyncWriteWorker()

	if cfg.HealthCheckInterval > 0 {
		rs.healthCheckWg.Add(1)
		go rs.healthCheckWorker()
	}

	return rs, nil
}

func (s *RedisStore) Name() string {
	return "redis"
}

func (s *RedisStore) IsAvailable() bool {
	return s.connected.Load()
}

func (s *RedisStore) key(source string, idx tile.Index) string {
	return s.config.KeyPrefix + Key(source, idx)
}

func (s *RedisStore) Load(ctx context.Context, source string, idx tile.Index) (types.Blob, error) {
	if !s.connected.Load() {
		return types.Blob{}, types.ErrStoreUnavailable
	}

	data, err := s.client.Get(ctx, s.key(source, idx)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			s.misses.Add(1)
			return types.Blob{}, types.ErrTileNotFound
		}
		s.handleError(err)
		return types.Blob{}, types.NewTileError("load", idx, "redis", err)
	}

	s.hits.Add(1)
	s.clearError()

	blob, err := s.codec.Unmarshal(data)
	if err != nil {
		return types.Blob{}, types.NewTileError("load", idx, "redis", err)
	}
	return blob, nil
}

// Save writes synchronously.
func (s *RedisStore) Save(ctx context.Context, source string, idx tile.Index, blob types.Blob) error {
	if !s.connected.Load() {
		return types.ErrStoreUnavailable
	}

	data, err := s.codec.Marshal(blob)
	if err != nil {
		return types.NewTileError("save", idx, "redis", err)
	}

	if err := s.client.Set(ctx, s.key(source, idx), data, s.config.DefaultTTL).Err(); err != nil {
		s.handleError(err)
		return types.NewTileError("save", idx, "redis", err)
	}

	s.sets.Add(1)
	s.clearError()
	return nil
}

func (s *RedisStore) SaveAsync(source string, idx tile.Index, blob types.Blob) error {
	select {
	case <-s.stopCh:
		return types.ErrClosed
	default:
	}

	data, err := s.codec.Marshal(blob)
	if err != nil {
		return types.NewTileError("save", idx, "redis", err)
	}

	key := s.key(source, idx)
	select {
	case s.writeQueue <- writeOp{key: key, value: data, ttl: s.config.DefaultTTL}:
		s.pendingWrites.Add(1)
		return nil
	default:
		s.droppedWrites.Add(1)
		s.logger.Warn("Write queue full, dropping tile",
			"key", key,
			"dropped_total", s.droppedWrites.Load(),
		)
		return types.ErrWriteQueueFull
	}
}

func (s *RedisStore) asyncWriteWorker() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			for {
				select {
				case op := <-s.writeQueue:
					s.executeWrite(op)
				default:
					return
				}
			}
		case op := <-s.writeQueue:
			s.executeWrite(op)
		}
	}
}

func (s *RedisStore) executeWrite(op writeOp) {
	defer s.pendingWrites.Add(-1)

	ctx, cancel := context.WithTimeout(context.Background(), asyncWriteTimeout)
	defer cancel()

	if err := s.client.Set(ctx, op.key, op.value, op.ttl).Err(); err != nil {
		s.handleError(err)
		s.logger.Debug("Async SET failed", "key", op.key, "error", err)
		return
	}
	s.sets.Add(1)
	s.clearError()
}

func (s *RedisStore) healthCheckWorker() {
	defer s.healthCheckWg.Done()

	ticker := time.NewTicker(s.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.healthCheckStopCh:
			return
		case <-ticker.C:
			s.performHealthCheck()
		}
	}
}

func (s *RedisStore) performHealthCheck() {
	wasConnected := s.connected.Load()

	ctx, cancel := context.WithTimeout(context.Background(), s.config.DialTimeout)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		if wasConnected {
			s.logger.Warn("Redis health check failed", "error", err)
			s.setError(err)
		}
		return
	}

	if !wasConnected {
		s.connected.Store(true)
		s.errorCount.Store(0)
		s.logger.Info("Redis connection restored via health check")
	}
}

func (s *RedisStore) Delete(ctx context.Context, source string, idx tile.Index) error {
	if !s.connected.Load() {
		return types.ErrStoreUnavailable
	}

	if err := s.client.Del(ctx, s.key(source, idx)).Err(); err != nil {
		s.handleError(err)
		return types.NewTileError("delete", idx, "redis", err)
	}

	s.deletes.Add(1)
	s.clearError()
	return nil
}

func (s *RedisStore) Exists(ctx context.Context, source string, idx tile.Index) (bool, error) {
	if !s.connected.Load() {
		return false, types.ErrStoreUnavailable
	}

	n, err := s.client.Exists(ctx, s.key(source, idx)).Result()
	if err != nil {
		s.handleError(err)
		return false, types.NewTileError("exists", idx, "redis", err)
	}

	s.clearError()
	return n > 0, nil
}

// Clear removes every key under the configured prefix.
func (s *RedisStore) Clear(ctx context.Context) error {
	return s.ClearSource(ctx, "")
}

// ClearSource removes the tiles of one source, or every tile for "".
func (s *RedisStore) ClearSource(ctx context.Context, source string) error {
	if !s.connected.Load() {
		return types.ErrStoreUnavailable
	}

	pattern := s.config.KeyPrefix + "*"
	if source != "" {
		pattern = s.config.KeyPrefix + source + "/*"
	}

	var cursor uint64
	var deleted int64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			s.handleError(err)
			return types.NewTileError("clear", nil, "redis", err)
		}

		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				s.handleError(err)
				return types.NewTileError("clear", nil, "redis", err)
			}
			deleted += int64(len(keys))
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	s.logger.Debug("Cleared keys", "pattern", pattern, "deleted", deleted)
	s.clearError()
	return nil
}

// Close drains the write queue before closing the client.
func (s *RedisStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.connected.Store(false)

		close(s.healthCheckStopCh)
		s.healthCheckWg.Wait()

		close(s.stopCh)
		s.wg.Wait()

		err = s.client.Close()
	})
	return err
}

func (s *RedisStore) PendingWrites() int {
	return int(s.pendingWrites.Load())
}

func (s *RedisStore) DroppedWrites() int64 {
	return s.droppedWrites.Load()
}

// Stats returns hit and miss counts.
func (s *RedisStore) Stats() (hits, misses int64) {
	return s.hits.Load(), s.misses.Load()
}

func (s *RedisStore) handleError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastError = err
	s.lastErrorTime = time.Now()
	count := s.errorCount.Add(1)

	if count >= disconnectErrorThreshold {
		if s.connected.CompareAndSwap(true, false) {
			s.logger.Warn("Redis marked as disconnected after errors",
				"error_count", count,
				"last_error", err,
			)
		}
	}
}

func (s *RedisStore) clearError() {
	if s.errorCount.Swap(0) > 0 {
		if s.connected.CompareAndSwap(false, true) {
			s.logger.Info("Redis connection restored")
		}
	}
}

func (s *RedisStore) setError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = err
	s.lastErrorTime = time.Now()
	s.connected.Store(false)
}

// LastError returns the most recent error and when it happened.
func (s *RedisStore) LastError() (error, time.Time) { //nolint:revive // matches (value, time) reading order
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError, s.lastErrorTime
}

// Reconnect pings the server and marks the store connected on success.
func (s *RedisStore) Reconnect(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return err
	}
	s.connected.Store(true)
	s.errorCount.Store(0)
	s.logger.Info("Redis reconnected successfully")
	return nil
}

var _ types.RedisStoreLayer = (*RedisStore)(nil)
