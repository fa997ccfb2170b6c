package provider

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/LavishGent/tilepipe/internal/tile"
	"github.com/LavishGent/tilepipe/internal/types"
)

// MBTile is one row of the MBTiles tiles table. Rows are numbered in the
// TMS scheme, 0 at the bottom.
type MBTile struct {
	ZoomLevel  int    `gorm:"column:zoom_level"`
	TileColumn int    `gorm:"column:tile_column"`
	TileRow    int    `gorm:"column:tile_row"`
	TileData   []byte `gorm:"column:tile_data"`
}

// TableName implements gorm's tabler.
func (MBTile) TableName() string {
	return "tiles"
}

// MBTilesArchive serves tiles from an MBTiles database. An MBTiles file
// holds a single tile set, so the tile source name is never part of the
// lookup.
type MBTilesArchive struct {
	path string
	db   *gorm.DB
}

// OpenMBTilesArchive opens path read-only.
func OpenMBTilesArchive(path string) (*MBTilesArchive, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open mbtiles: %w", err)
	}
	db, err := gorm.Open(sqlite.Open("file:"+path+"?mode=ro"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open mbtiles %s: %w", path, err)
	}
	if !db.Migrator().HasTable(&MBTile{}) {
		_ = closeGorm(db)
		return nil, fmt.Errorf("%w: %s has no tiles table", types.ErrUnknownArchive, path)
	}
	return &MBTilesArchive{path: path, db: db}, nil
}

func (a *MBTilesArchive) Path() string {
	return a.path
}

// ZoomRange returns the lowest and highest zoom levels stored.
func (a *MBTilesArchive) ZoomRange(ctx context.Context) (minZoom, maxZoom int, err error) {
	var r struct {
		MinZoom int
		MaxZoom int
	}
	err = a.db.WithContext(ctx).Model(&MBTile{}).
		Select("COALESCE(MIN(zoom_level), 0) AS min_zoom, COALESCE(MAX(zoom_level), 0) AS max_zoom").
		Scan(&r).Error
	if err != nil {
		return 0, 0, fmt.Errorf("zoom range of %s: %w", a.path, err)
	}
	return r.MinZoom, r.MaxZoom, nil
}

// Tile implements Archive.
func (a *MBTilesArchive) Tile(ctx context.Context, src tile.Source, idx tile.Index, ignoreSource bool) ([]byte, error) {
	var row MBTile
	err := a.db.WithContext(ctx).
		Where("zoom_level = ? AND tile_column = ? AND tile_row = ?", idx.Zoom(), idx.X(), idx.TMSY()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.ErrTileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query %s in %s: %w", idx, a.path, err)
	}
	if len(row.TileData) == 0 {
		return nil, types.ErrTileNotFound
	}
	return row.TileData, nil
}

func (a *MBTilesArchive) Close() error {
	return closeGorm(a.db)
}

func closeGorm(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
