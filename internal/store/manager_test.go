package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LavishGent/tilepipe/internal/config"
	"github.com/LavishGent/tilepipe/internal/metrics"
	"github.com/LavishGent/tilepipe/internal/tile"
	"github.com/LavishGent/tilepipe/internal/types"
)

func newTestManager(t *testing.T) (*Manager, *metrics.Tracker) {
	t.Helper()

	cfg := config.ForTesting()
	cfg.Store.Enabled = true
	cfg.Store.SQLite.Enabled = true
	cfg.Store.SQLite.Path = filepath.Join(t.TempDir(), "tiles.db")
	cfg.Store.SQLite.MaxRows = 2

	tracker := metrics.NewTracker()
	m, err := NewManager(context.Background(), cfg, &ManagerOptions{Metrics: tracker})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m, tracker
}

func TestManagerSaveAndLoad(t *testing.T) {
	m, tracker := newTestManager(t)
	ctx := context.Background()
	idx := tile.New(5, 10, 11)

	_, err := m.Load(ctx, "Mapnik", idx)
	assert.ErrorIs(t, err, types.ErrTileNotFound)

	require.NoError(t, m.Save(ctx, "Mapnik", idx, types.Blob{Data: []byte("png")}))

	blob, err := m.Load(ctx, "Mapnik", idx)
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), blob.Data)

	s := tracker.Snapshot()
	assert.EqualValues(t, 1, s.MemoryHits, "saved tiles are served from memory")
	assert.EqualValues(t, 1, s.StoreWrites)

	ok, err := m.SQLite().Exists(ctx, "Mapnik", idx)
	require.NoError(t, err)
	assert.True(t, ok, "saves reach the database")
}

func TestManagerBackfillsMemory(t *testing.T) {
	m, tracker := newTestManager(t)
	ctx := context.Background()
	idx := tile.New(3, 1, 2)

	require.NoError(t, m.SQLite().Save(ctx, "Mapnik", idx, types.Blob{Data: []byte("disk")}))

	blob, err := m.Load(ctx, "Mapnik", idx)
	require.NoError(t, err)
	assert.Equal(t, []byte("disk"), blob.Data)
	assert.EqualValues(t, 1, tracker.Snapshot().SQLiteHits)

	require.Eventually(t, func() bool {
		ok, _ := m.memory.Exists(ctx, "Mapnik", idx)
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestManagerConcurrentLoads(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	idx := tile.New(7, 7, 7)
	require.NoError(t, m.SQLite().Save(ctx, "Mapnik", idx, types.Blob{Data: []byte("x")}))

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			blob, err := m.Load(ctx, "Mapnik", idx)
			assert.NoError(t, err)
			assert.Equal(t, []byte("x"), blob.Data)
		}()
	}
	wg.Wait()
}

func TestManagerDeleteAndClear(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	idx := tile.New(2, 2, 2)

	require.NoError(t, m.Save(ctx, "Mapnik", idx, types.Blob{Data: []byte("x")}))
	ok, err := m.Exists(ctx, "Mapnik", idx)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, m.Delete(ctx, "Mapnik", idx))
	ok, err = m.Exists(ctx, "Mapnik", idx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Save(ctx, "Mapnik", idx, types.Blob{Data: []byte("x")}))
	require.NoError(t, m.Clear(ctx))
	_, err = m.Load(ctx, "Mapnik", idx)
	assert.ErrorIs(t, err, types.ErrTileNotFound)
}

func TestManagerMaintain(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)

	for i := 0; i < 4; i++ {
		require.NoError(t, m.Save(ctx, "Mapnik", tile.New(2, i, 0), types.Blob{Data: []byte("x")}))
	}
	require.NoError(t, m.Save(ctx, "Mapnik", tile.New(2, 0, 1), types.Blob{Data: []byte("x"), Expires: past}))

	m.Maintain(ctx)

	n, err := m.SQLite().RowCount(ctx, "")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n, "expired rows are purged and the rest trimmed to MaxRows")
}

func TestManagerHealth(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.Save(ctx, "Mapnik", tile.New(0, 0, 0), types.Blob{Data: []byte("x")}))

	h := m.Health(ctx)
	assert.Equal(t, types.HealthStatusHealthy, h.Status)
	assert.True(t, h.Memory.Available)
	assert.False(t, h.Redis.Available)
	assert.EqualValues(t, 1, h.SQLite.Rows)
	assert.NotEmpty(t, h.SQLite.Path)
}

func TestManagerClose(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	assert.False(t, m.IsAvailable())
	_, err := m.Load(ctx, "Mapnik", 0)
	assert.ErrorIs(t, err, types.ErrClosed)
	assert.ErrorIs(t, m.Save(ctx, "Mapnik", 0, types.Blob{}), types.ErrClosed)
}

func TestManagerWithoutDatabase(t *testing.T) {
	cfg := config.ForTesting()
	m, err := NewManager(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer m.Close()

	ctx := context.Background()
	require.NoError(t, m.Save(ctx, "Mapnik", tile.New(1, 0, 0), types.Blob{Data: []byte("x")}))
	_, err = m.Load(ctx, "Mapnik", tile.New(1, 0, 0))
	assert.NoError(t, err)
	assert.Nil(t, m.SQLite())
}
