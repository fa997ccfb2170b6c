// Package store persists encoded tiles. A Manager tiers an in-process
// bigcache, an optional shared Redis and the on-disk SQLite database.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/allegro/bigcache/v3"

	"github.com/LavishGent/tilepipe/internal/config"
	"github.com/LavishGent/tilepipe/internal/tile"
	"github.com/LavishGent/tilepipe/internal/types"
)

// MemoryStore keeps encoded tiles in a BigCache.
type MemoryStore struct {
	cache  *bigcache.BigCache
	codec  types.Codec
	config config.MemoryConfig
	logger *slog.Logger

	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	deletes   atomic.Int64
	evictions atomic.Int64

	closed atomic.Bool
}

// NewMemoryStore creates a memory store with the given configuration.
func NewMemoryStore(cfg config.MemoryConfig, logger *slog.Logger) (*MemoryStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ms := &MemoryStore{
		codec:  NewBinaryCodec(),
		config: cfg,
		logger: logger.With("component", "memory-store"),
	}

	bcConfig := bigcache.Config{
		Shards:             cfg.Shards,
		LifeWindow:         cfg.DefaultTTL,
		CleanWindow:        cfg.CleanupInterval,
		MaxEntriesInWindow: 1000 * 10 * 60,
		MaxEntrySize:       cfg.MaxEntrySize,
		HardMaxCacheSize:   cfg.MaxSizeMB,
		Verbose:            false,
		Logger:             &bigcacheLogger{logger: ms.logger},
		OnRemoveWithReason: func(key string, entry []byte, reason bigcache.RemoveReason) {
			if reason == bigcache.NoSpace || reason == bigcache.Expired {
				ms.evictions.Add(1)
			}
		},
	}

	bc, err := bigcache.New(context.Background(), bcConfig)
	if err != nil {
		return nil, err
	}

	ms.cache = bc
	return ms, nil
}

func (s *MemoryStore) Name() string {
	return "memory"
}

func (s *MemoryStore) IsAvailable() bool {
	return !s.closed.Load()
}

// Load returns the blob stored for the tile or ErrTileNotFound.
func (s *MemoryStore) Load(ctx context.Context, source string, idx tile.Index) (types.Blob, error) {
	if s.closed.Load() {
		return types.Blob{}, types.ErrClosed
	}

	data, err := s.cache.Get(Key(source, idx))
	if err != nil {
		if errors.Is(err, bigcache.ErrEntryNotFound) {
			s.misses.Add(1)
			return types.Blob{}, types.ErrTileNotFound
		}
		return types.Blob{}, types.NewTileError("load", idx, "memory", err)
	}

	blob, err := s.codec.Unmarshal(data)
	if err != nil {
		return types.Blob{}, types.NewTileError("load", idx, "memory", err)
	}
	s.hits.Add(1)
	return blob, nil
}

func (s *MemoryStore) Save(ctx context.Context, source string, idx tile.Index, blob types.Blob) error {
	if s.closed.Load() {
		return types.ErrClosed
	}

	data, err := s.codec.Marshal(blob)
	if err != nil {
		return types.NewTileError("save", idx, "memory", err)
	}
	if err := s.cache.Set(Key(source, idx), data); err != nil {
		return types.NewTileError("save", idx, "memory", err)
	}

	s.sets.Add(1)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, source string, idx tile.Index) error {
	if s.closed.Load() {
		return types.ErrClosed
	}

	if err := s.cache.Delete(Key(source, idx)); err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
		return types.NewTileError("delete", idx, "memory", err)
	}

	s.deletes.Add(1)
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, source string, idx tile.Index) (bool, error) {
	if s.closed.Load() {
		return false, types.ErrClosed
	}

	_, err := s.cache.Get(Key(source, idx))
	if err != nil {
		if errors.Is(err, bigcache.ErrEntryNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	if s.closed.Load() {
		return types.ErrClosed
	}
	return s.cache.Reset()
}

// ClearSource drops every tile of one source.
func (s *MemoryStore) ClearSource(ctx context.Context, source string) error {
	if s.closed.Load() {
		return types.ErrClosed
	}

	prefix := source + "/"
	var keys []string
	iter := s.cache.Iterator()
	for iter.SetNext() {
		entry, err := iter.Value()
		if err != nil {
			continue
		}
		if strings.HasPrefix(entry.Key(), prefix) {
			keys = append(keys, entry.Key())
		}
	}

	for _, key := range keys {
		_ = s.cache.Delete(key)
	}

	s.logger.Debug("Cleared source", "source", source, "deleted", len(keys))
	return nil
}

func (s *MemoryStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.cache.Close()
}

func (s *MemoryStore) Stats() types.MemoryStoreStats {
	return types.MemoryStoreStats{
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Sets:      s.sets.Load(),
		Deletes:   s.deletes.Load(),
		Evictions: s.evictions.Load(),
	}
}

func (s *MemoryStore) EntryCount() int {
	return s.cache.Len()
}

// Size returns the bytes currently allocated by the cache shards.
func (s *MemoryStore) Size() int64 {
	return int64(s.cache.Capacity())
}

func (s *MemoryStore) MaxSize() int64 {
	return int64(s.config.MaxSizeMB) * 1024 * 1024
}

func (s *MemoryStore) UsagePercentage() float64 {
	maxBytes := s.MaxSize()
	if maxBytes == 0 {
		return 0
	}
	return float64(s.Size()) / float64(maxBytes) * 100
}

func (s *MemoryStore) HitRatio() float64 {
	hits := s.hits.Load()
	total := hits + s.misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

type bigcacheLogger struct {
	logger *slog.Logger
}

func (l *bigcacheLogger) Printf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf("bigcache: "+format, args...))
}

var _ types.MemoryStoreLayer = (*MemoryStore)(nil)
