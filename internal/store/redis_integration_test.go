package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LavishGent/tilepipe/internal/config"
	"github.com/LavishGent/tilepipe/internal/tile"
	"github.com/LavishGent/tilepipe/internal/types"
)

// redisTestAddress returns REDIS_TEST_ADDRESS or localhost:6379.
func redisTestAddress() string {
	if addr := os.Getenv("REDIS_TEST_ADDRESS"); addr != "" {
		return addr
	}
	return "localhost:6379"
}

func redisTestConfig(prefix string) config.RedisConfig {
	return config.RedisConfig{
		Enabled:          true,
		Address:          redisTestAddress(),
		KeyPrefix:        prefix,
		DefaultTTL:       5 * time.Minute,
		PoolSize:         5,
		MinIdleConns:     1,
		DialTimeout:      2 * time.Second,
		ReadTimeout:      1 * time.Second,
		WriteTimeout:     1 * time.Second,
		PoolTimeout:      2 * time.Second,
		MaxPendingWrites: 100,
	}
}

// skipIfRedisUnavailable skips the test if Redis is not reachable.
func skipIfRedisUnavailable(t *testing.T) *RedisStore {
	t.Helper()

	rs, err := NewRedisStore(redisTestConfig("tilepipe:test:"), nil)
	if err != nil {
		t.Skipf("Redis unavailable: %v", err)
	}
	if !rs.IsAvailable() {
		rs.Close()
		t.Skip("Redis is not available")
	}

	_ = rs.Clear(context.Background())
	t.Cleanup(func() {
		_ = rs.Clear(context.Background())
		rs.Close()
	})
	return rs
}

func TestRedisStoreLoadSave(t *testing.T) {
	rs := skipIfRedisUnavailable(t)
	ctx := context.Background()
	idx := tile.New(6, 20, 30)

	_, err := rs.Load(ctx, "Mapnik", idx)
	assert.ErrorIs(t, err, types.ErrTileNotFound)

	expires := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	require.NoError(t, rs.Save(ctx, "Mapnik", idx, types.Blob{Data: []byte("png"), Expires: expires}))

	blob, err := rs.Load(ctx, "Mapnik", idx)
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), blob.Data)
	assert.True(t, blob.Expires.Equal(expires))

	ok, err := rs.Exists(ctx, "Mapnik", idx)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, rs.Delete(ctx, "Mapnik", idx))
	ok, err = rs.Exists(ctx, "Mapnik", idx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStoreSaveAsync(t *testing.T) {
	rs := skipIfRedisUnavailable(t)
	ctx := context.Background()
	idx := tile.New(6, 1, 1)

	require.NoError(t, rs.SaveAsync("Mapnik", idx, types.Blob{Data: []byte("async")}))

	require.Eventually(t, func() bool {
		ok, _ := rs.Exists(ctx, "Mapnik", idx)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, rs.DroppedWrites())
}

func TestRedisStoreClearSource(t *testing.T) {
	rs := skipIfRedisUnavailable(t)
	ctx := context.Background()

	require.NoError(t, rs.Save(ctx, "Mapnik", tile.New(1, 0, 0), types.Blob{Data: []byte("a")}))
	require.NoError(t, rs.Save(ctx, "Topo", tile.New(1, 0, 0), types.Blob{Data: []byte("b")}))

	require.NoError(t, rs.ClearSource(ctx, "Mapnik"))

	ok, _ := rs.Exists(ctx, "Mapnik", tile.New(1, 0, 0))
	assert.False(t, ok)
	ok, _ = rs.Exists(ctx, "Topo", tile.New(1, 0, 0))
	assert.True(t, ok)
}

func TestRedisStoreSaveAsyncAfterClose(t *testing.T) {
	rs, err := NewRedisStore(redisTestConfig("tilepipe:test:closed:"), nil)
	require.NoError(t, err)
	require.NoError(t, rs.Close())

	assert.ErrorIs(t, rs.SaveAsync("Mapnik", 0, types.Blob{}), types.ErrClosed)
	assert.NoError(t, rs.Close(), "Close is idempotent")
}

func TestManagerWithRedis(t *testing.T) {
	skipIfRedisUnavailable(t)

	cfg := config.ForTestingWithRedis(redisTestAddress())
	cfg.Store.Redis.KeyPrefix = "tilepipe:test:manager:"
	cfg.Store.SQLite.Enabled = true
	cfg.Store.SQLite.Path = filepath.Join(t.TempDir(), "tiles.db")

	m, err := NewManager(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer m.Close()
	if !m.redis.IsAvailable() {
		t.Skip("Redis is not available")
	}

	ctx := context.Background()
	idx := tile.New(9, 100, 200)
	require.NoError(t, m.Save(ctx, "Mapnik", idx, types.Blob{Data: []byte("shared")}))

	require.Eventually(t, func() bool {
		ok, _ := m.redis.Exists(ctx, "Mapnik", idx)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, m.memory.Clear(ctx))
	blob, err := m.Load(ctx, "Mapnik", idx)
	require.NoError(t, err)
	assert.Equal(t, []byte("shared"), blob.Data)

	h := m.Health(ctx)
	assert.True(t, h.Redis.Connected)
	assert.EqualValues(t, 1, h.Redis.HitCount)

	require.NoError(t, m.Clear(ctx))
}
