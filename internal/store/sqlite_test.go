package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LavishGent/tilepipe/internal/config"
	"github.com/LavishGent/tilepipe/internal/tile"
	"github.com/LavishGent/tilepipe/internal/types"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(context.Background(), config.SQLiteConfig{
		Enabled: true,
		Path:    filepath.Join(t.TempDir(), "tiles.db"),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	idx := tile.New(tile.MaxZoom, 1<<tile.MaxZoom-1, 5)

	_, err := s.Load(ctx, "Mapnik", idx)
	assert.ErrorIs(t, err, types.ErrTileNotFound)

	expires := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	require.NoError(t, s.Save(ctx, "Mapnik", idx, types.Blob{Data: []byte("v1"), Expires: expires}))

	blob, err := s.Load(ctx, "Mapnik", idx)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), blob.Data)
	assert.True(t, blob.Expires.Equal(expires))

	t.Run("upsert replaces data and expiry", func(t *testing.T) {
		require.NoError(t, s.Save(ctx, "Mapnik", idx, types.Blob{Data: []byte("v2")}))
		blob, err := s.Load(ctx, "Mapnik", idx)
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), blob.Data)
		assert.True(t, blob.Expires.IsZero())

		n, err := s.RowCount(ctx, "")
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
	})

	t.Run("sources are separate", func(t *testing.T) {
		ok, err := s.Exists(ctx, "Topo", idx)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.Exists(ctx, "Mapnik", idx)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.Delete(ctx, "Mapnik", idx))
		_, err := s.Load(ctx, "Mapnik", idx)
		assert.ErrorIs(t, err, types.ErrTileNotFound)
	})
}

func TestSQLiteStorePurgeAndTrim(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Save(ctx, "Mapnik", tile.New(1, 0, 0), types.Blob{Data: []byte("old"), Expires: now.Add(-time.Hour)}))
	require.NoError(t, s.Save(ctx, "Mapnik", tile.New(1, 0, 1), types.Blob{Data: []byte("soon"), Expires: now.Add(time.Minute)}))
	require.NoError(t, s.Save(ctx, "Mapnik", tile.New(1, 1, 0), types.Blob{Data: []byte("later"), Expires: now.Add(time.Hour)}))
	require.NoError(t, s.Save(ctx, "Mapnik", tile.New(1, 1, 1), types.Blob{Data: []byte("never")}))

	first, ok, err := s.FirstExpiry(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.WithinDuration(t, now.Add(-time.Hour), first, time.Millisecond)

	purged, err := s.PurgeExpired(ctx, now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)

	trimmed, err := s.Trim(ctx, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 1, trimmed)

	_, err = s.Load(ctx, "Mapnik", tile.New(1, 0, 1))
	assert.ErrorIs(t, err, types.ErrTileNotFound, "soonest expiring tile is trimmed first")

	_, err = s.Load(ctx, "Mapnik", tile.New(1, 1, 1))
	assert.NoError(t, err, "tiles without expiry are trimmed last")

	trimmed, err = s.Trim(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, trimmed)
}

func TestSQLiteStoreClearSource(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "Mapnik", tile.New(0, 0, 0), types.Blob{Data: []byte("a")}))
	require.NoError(t, s.Save(ctx, "Topo", tile.New(0, 0, 0), types.Blob{Data: []byte("b")}))

	require.NoError(t, s.ClearSource(ctx, "Mapnik"))
	n, err := s.RowCount(ctx, "Topo")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	require.NoError(t, s.Clear(ctx))
	n, err = s.RowCount(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSQLiteStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiles.db")
	ctx := context.Background()
	cfg := config.SQLiteConfig{Enabled: true, Path: path}

	s, err := NewSQLiteStore(ctx, cfg, nil)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, "Mapnik", tile.New(2, 1, 1), types.Blob{Data: []byte("kept")}))
	require.NoError(t, s.Close())

	_, err = s.Load(ctx, "Mapnik", tile.New(2, 1, 1))
	assert.ErrorIs(t, err, types.ErrClosed)

	s, err = NewSQLiteStore(ctx, cfg, nil)
	require.NoError(t, err, "migrations must be idempotent")
	defer s.Close()

	blob, err := s.Load(ctx, "Mapnik", tile.New(2, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, []byte("kept"), blob.Data)
}
