package tilepipe

import (
	"github.com/LavishGent/tilepipe/internal/pipeline"
	"github.com/LavishGent/tilepipe/internal/tile"
	"github.com/LavishGent/tilepipe/internal/types"
)

type (
	// Pipeline hands out cached tiles and loads missing ones.
	Pipeline = pipeline.ProviderArray
	// Index identifies a tile by zoom, column and row.
	Index = tile.Index
	// Area is a rectangle of tiles at one zoom level.
	Area = tile.Area
	// Source describes a tile set: its name, URL templates and zoom range.
	Source = tile.Source
	// State is the freshness of a cached tile.
	State = tile.State
	// Event reports the outcome of a tile request.
	Event = pipeline.Event
	// EventKind tells what happened to a tile request.
	EventKind = pipeline.EventKind
	// Listener receives tile events.
	Listener = pipeline.Listener
	// TileStore persists encoded tiles.
	TileStore = types.TileStore
	// Blob is an encoded tile with its expiry.
	Blob = types.Blob
	// MetricsRecorder receives pipeline metrics.
	MetricsRecorder = types.MetricsRecorder
)

const (
	StateNotFound = tile.StateNotFound
	StateScaled   = tile.StateScaled
	StateExpired  = tile.StateExpired
	StateUpToDate = tile.StateUpToDate
)

const (
	EventLoaded    = pipeline.EventLoaded
	EventExpired   = pipeline.EventExpired
	EventFailed    = pipeline.EventFailed
	EventQueueFull = pipeline.EventQueueFull
	EventDone      = pipeline.EventDone
)

// NewIndex packs zoom, x and y into an Index.
func NewIndex(zoom, x, y int) Index {
	return tile.New(zoom, x, y)
}

// NewArea builds an area from its top-left tile and its dimensions.
func NewArea(zoom, left, top, width, height int) Area {
	return tile.NewArea(zoom, left, top, width, height)
}

// DefaultSource returns the OpenStreetMap standard layer.
func DefaultSource() Source {
	return tile.DefaultSource()
}
