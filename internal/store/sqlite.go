package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/LavishGent/tilepipe/internal/config"
	"github.com/LavishGent/tilepipe/internal/tile"
	"github.com/LavishGent/tilepipe/internal/types"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLiteStore is the on-disk tile database. Rows are keyed by the packed
// tile index and the source name; expires holds unix milliseconds, zero
// for tiles that never expire.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
	closed atomic.Bool
}

// NewSQLiteStore opens the database at cfg.Path and migrates it.
func NewSQLiteStore(ctx context.Context, cfg config.SQLiteConfig, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", cfg.Path, err)
	}
	// One connection serializes writers and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", cfg.Path, err)
	}

	s := &SQLiteStore{
		db:     db,
		path:   cfg.Path,
		logger: logger.With("component", "sqlite-store"),
	}

	if err := s.runMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s.logger.Info("SQLite tile store initialized", "path", cfg.Path)
	return s, nil
}

func (s *SQLiteStore) runMigrations(ctx context.Context) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, s.db, fsys)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("migrate sqlite: %w", err)
	}
	for _, r := range results {
		s.logger.Debug("Applied migration", "source", r.Source.Path, "duration", r.Duration)
	}
	return nil
}

func (s *SQLiteStore) Name() string {
	return "sqlite"
}

func (s *SQLiteStore) IsAvailable() bool {
	return !s.closed.Load()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) Load(ctx context.Context, source string, idx tile.Index) (types.Blob, error) {
	if s.closed.Load() {
		return types.Blob{}, types.ErrClosed
	}

	var (
		data    []byte
		expires int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT tile, expires FROM tiles WHERE key = ? AND provider = ?`,
		int64(idx), source,
	).Scan(&data, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.misses.Add(1)
			return types.Blob{}, types.ErrTileNotFound
		}
		return types.Blob{}, types.NewTileError("load", idx, "sqlite", err)
	}

	s.hits.Add(1)
	return types.Blob{Data: data, Expires: fromMillis(expires)}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, source string, idx tile.Index, blob types.Blob) error {
	if s.closed.Load() {
		return types.ErrClosed
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tiles (key, provider, tile, expires)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key, provider) DO UPDATE SET tile = excluded.tile, expires = excluded.expires`,
		int64(idx), source, blob.Data, expiryMillis(blob.Expires),
	)
	if err != nil {
		return types.NewTileError("save", idx, "sqlite", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, source string, idx tile.Index) error {
	if s.closed.Load() {
		return types.ErrClosed
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM tiles WHERE key = ? AND provider = ?`, int64(idx), source,
	); err != nil {
		return types.NewTileError("delete", idx, "sqlite", err)
	}
	return nil
}

func (s *SQLiteStore) Exists(ctx context.Context, source string, idx tile.Index) (bool, error) {
	if s.closed.Load() {
		return false, types.ErrClosed
	}

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tiles WHERE key = ? AND provider = ?`, int64(idx), source,
	).Scan(&n)
	if err != nil {
		return false, types.NewTileError("exists", idx, "sqlite", err)
	}
	return n == 1, nil
}

// Clear deletes every tile.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	return s.ClearSource(ctx, "")
}

// ClearSource deletes the tiles of one source, or every tile for "".
func (s *SQLiteStore) ClearSource(ctx context.Context, source string) error {
	if s.closed.Load() {
		return types.ErrClosed
	}

	var err error
	if source == "" {
		_, err = s.db.ExecContext(ctx, `DELETE FROM tiles`)
	} else {
		_, err = s.db.ExecContext(ctx, `DELETE FROM tiles WHERE provider = ?`, source)
	}
	if err != nil {
		return types.NewTileError("clear", nil, "sqlite", err)
	}
	return nil
}

// RowCount returns the number of stored tiles of a source, or of all
// sources for "".
func (s *SQLiteStore) RowCount(ctx context.Context, source string) (int64, error) {
	if s.closed.Load() {
		return 0, types.ErrClosed
	}

	var n int64
	var err error
	if source == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tiles`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tiles WHERE provider = ?`, source).Scan(&n)
	}
	return n, err
}

// FirstExpiry returns the earliest expiry among tiles that expire.
func (s *SQLiteStore) FirstExpiry(ctx context.Context) (time.Time, bool, error) {
	if s.closed.Load() {
		return time.Time{}, false, types.ErrClosed
	}

	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MIN(expires) FROM tiles WHERE expires > 0`).Scan(&ms)
	if err != nil || !ms.Valid {
		return time.Time{}, false, err
	}
	return fromMillis(ms.Int64), true, nil
}

// PurgeExpired deletes the tiles that expired before now.
func (s *SQLiteStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	if s.closed.Load() {
		return 0, types.ErrClosed
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tiles WHERE expires > 0 AND expires < ?`, now.UnixMilli())
	if err != nil {
		return 0, types.NewTileError("purge", nil, "sqlite", err)
	}
	return res.RowsAffected()
}

// Trim deletes tiles until at most maxRows remain, soonest expiring first
// and tiles without expiry last.
func (s *SQLiteStore) Trim(ctx context.Context, maxRows int64) (int64, error) {
	if maxRows <= 0 {
		return 0, nil
	}

	count, err := s.RowCount(ctx, "")
	if err != nil {
		return 0, err
	}
	excess := count - maxRows
	if excess <= 0 {
		return 0, nil
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tiles WHERE rowid IN (
			SELECT rowid FROM tiles ORDER BY expires = 0, expires ASC LIMIT ?
		)`, excess)
	if err != nil {
		return 0, types.NewTileError("trim", nil, "sqlite", err)
	}
	return res.RowsAffected()
}

// Stats returns hit and miss counts.
func (s *SQLiteStore) Stats() (hits, misses int64) {
	return s.hits.Load(), s.misses.Load()
}

func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

var (
	_ types.TileStore    = (*SQLiteStore)(nil)
	_ types.StoreClearer = (*SQLiteStore)(nil)
)
