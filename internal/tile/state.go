package tile

import "image"

// State is the freshness of a cached tile image. Higher values take
// precedence: a write with a lower State never replaces a higher one.
type State int

const (
	// StateNotFound marks the placeholder written when no provider had the tile.
	StateNotFound State = iota
	// StateScaled marks an image synthesized from another zoom level.
	StateScaled
	// StateExpired marks an image whose source copy is past its expiry.
	StateExpired
	// StateUpToDate marks an authoritative, fresh image.
	StateUpToDate
)

func (s State) String() string {
	switch s {
	case StateNotFound:
		return "not-found"
	case StateScaled:
		return "scaled"
	case StateExpired:
		return "expired"
	case StateUpToDate:
		return "up-to-date"
	default:
		return "unknown"
	}
}

// Precedes reports whether a write in state s may replace an entry in
// state existing.
func (s State) Precedes(existing State) bool {
	return s >= existing
}

// Tile is a decoded tile image together with its freshness.
type Tile struct {
	Image image.Image
	State State
}

// IsZero reports whether the tile carries no image.
func (t Tile) IsZero() bool {
	return t.Image == nil
}
