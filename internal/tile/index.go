// Package tile holds the leaf value types of the tile pipeline: tile
// indexes, freshness states, tile areas and tile sources.
package tile

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb/maptile"
)

// MaxZoom is the deepest zoom level an Index can encode.
const MaxZoom = 29

const (
	coordBits = MaxZoom
	coordMask = 1<<coordBits - 1
)

// Index identifies one tile as (zoom, x, y) packed into a single key.
type Index uint64

// New packs zoom, x and y into an Index. Coordinates are masked to the
// encodable range; use Valid to check they lie inside the zoom's grid.
func New(zoom, x, y int) Index {
	return Index(uint64(zoom)<<(2*coordBits) |
		(uint64(x)&coordMask)<<coordBits |
		uint64(y)&coordMask)
}

// Zoom returns the zoom level.
func (i Index) Zoom() int {
	return int(uint64(i) >> (2 * coordBits))
}

// X returns the tile column.
func (i Index) X() int {
	return int((uint64(i) >> coordBits) & coordMask)
}

// Y returns the tile row (XYZ scheme, 0 at the top).
func (i Index) Y() int {
	return int(uint64(i) & coordMask)
}

// Valid reports whether the index lies inside its zoom level's grid.
func (i Index) Valid() bool {
	z := i.Zoom()
	if z < 0 || z > MaxZoom {
		return false
	}
	n := 1 << z
	return i.X() < n && i.Y() < n
}

// Ancestor returns the tile delta levels up that covers this tile.
// A non-positive delta returns the index unchanged.
func (i Index) Ancestor(delta int) Index {
	if delta <= 0 {
		return i
	}
	if delta > i.Zoom() {
		delta = i.Zoom()
	}
	return New(i.Zoom()-delta, i.X()>>delta, i.Y()>>delta)
}

// TMSY returns the row in the TMS scheme (0 at the bottom).
func (i Index) TMSY() int {
	return (1 << i.Zoom()) - 1 - i.Y()
}

// String formats the index as z/x/y.
func (i Index) String() string {
	return fmt.Sprintf("%d/%d/%d", i.Zoom(), i.X(), i.Y())
}

// ParseIndex parses a z/x/y string.
func ParseIndex(s string) (Index, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return 0, fmt.Errorf("tile: malformed index %q", s)
	}
	var v [3]int
	for n, p := range parts {
		d, err := strconv.Atoi(p)
		if err != nil || d < 0 {
			return 0, fmt.Errorf("tile: malformed index %q", s)
		}
		v[n] = d
	}
	idx := New(v[0], v[1], v[2])
	if v[0] > MaxZoom || !idx.Valid() {
		return 0, fmt.Errorf("tile: index %q out of range", s)
	}
	return idx, nil
}

// FromMaptile converts an orb maptile.Tile into an Index.
func FromMaptile(t maptile.Tile) Index {
	return New(int(t.Z), int(t.X), int(t.Y))
}

// Maptile converts the index into an orb maptile.Tile.
func (i Index) Maptile() maptile.Tile {
	return maptile.New(uint32(i.X()), uint32(i.Y()), maptile.Zoom(i.Zoom()))
}
