package store

import (
	"context"

	"github.com/LavishGent/tilepipe/internal/tile"
	"github.com/LavishGent/tilepipe/internal/types"
)

// DisabledMemoryStore is a no-op memory tier.
type DisabledMemoryStore struct{}

func NewDisabledMemoryStore() *DisabledMemoryStore {
	return &DisabledMemoryStore{}
}

func (s *DisabledMemoryStore) Name() string                  { return "memory-disabled" }
func (s *DisabledMemoryStore) IsAvailable() bool             { return false }
func (s *DisabledMemoryStore) Close() error                  { return nil }
func (s *DisabledMemoryStore) EntryCount() int               { return 0 }
func (s *DisabledMemoryStore) Size() int64                   { return 0 }
func (s *DisabledMemoryStore) MaxSize() int64                { return 0 }
func (s *DisabledMemoryStore) UsagePercentage() float64      { return 0 }
func (s *DisabledMemoryStore) HitRatio() float64             { return 0 }
func (s *DisabledMemoryStore) Stats() types.MemoryStoreStats { return types.MemoryStoreStats{} }
func (s *DisabledMemoryStore) Clear(ctx context.Context) error {
	return nil
}

func (s *DisabledMemoryStore) Load(ctx context.Context, source string, idx tile.Index) (types.Blob, error) {
	return types.Blob{}, types.ErrTileNotFound
}

func (s *DisabledMemoryStore) Save(ctx context.Context, source string, idx tile.Index, blob types.Blob) error {
	return nil
}

func (s *DisabledMemoryStore) Delete(ctx context.Context, source string, idx tile.Index) error {
	return nil
}

func (s *DisabledMemoryStore) Exists(ctx context.Context, source string, idx tile.Index) (bool, error) {
	return false, nil
}

// DisabledRedisStore is a no-op shared tier.
type DisabledRedisStore struct{}

func NewDisabledRedisStore() *DisabledRedisStore {
	return &DisabledRedisStore{}
}

func (s *DisabledRedisStore) Name() string         { return "redis-disabled" }
func (s *DisabledRedisStore) IsAvailable() bool    { return false }
func (s *DisabledRedisStore) Close() error         { return nil }
func (s *DisabledRedisStore) PendingWrites() int   { return 0 }
func (s *DisabledRedisStore) DroppedWrites() int64 { return 0 }
func (s *DisabledRedisStore) Clear(ctx context.Context) error {
	return nil
}

func (s *DisabledRedisStore) Load(ctx context.Context, source string, idx tile.Index) (types.Blob, error) {
	return types.Blob{}, types.ErrStoreUnavailable
}

func (s *DisabledRedisStore) Save(ctx context.Context, source string, idx tile.Index, blob types.Blob) error {
	return nil
}

func (s *DisabledRedisStore) SaveAsync(source string, idx tile.Index, blob types.Blob) error {
	return nil
}

func (s *DisabledRedisStore) Delete(ctx context.Context, source string, idx tile.Index) error {
	return nil
}

func (s *DisabledRedisStore) Exists(ctx context.Context, source string, idx tile.Index) (bool, error) {
	return false, nil
}

var (
	_ types.MemoryStoreLayer = (*DisabledMemoryStore)(nil)
	_ types.RedisStoreLayer  = (*DisabledRedisStore)(nil)
)
