package tile

import (
	"iter"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// Area is a rectangular window of tiles at one zoom level. Columns wrap
// around the antimeridian; rows are clipped to the grid.
type Area struct {
	Zoom   int
	Left   int
	Top    int
	Width  int
	Height int
}

// NewArea builds an area from its top-left tile and its dimensions.
func NewArea(zoom, left, top, width, height int) Area {
	return Area{Zoom: zoom, Left: left, Top: top, Width: width, Height: height}
}

// AreaFromBound returns the tiles at zoom covering a lon/lat bound.
func AreaFromBound(b orb.Bound, zoom int) Area {
	z := maptile.Zoom(zoom)
	topLeft := maptile.At(orb.Point{b.Min[0], b.Max[1]}, z)
	bottomRight := maptile.At(orb.Point{b.Max[0], b.Min[1]}, z)

	limit := uint32(1)<<zoom - 1
	if bottomRight.X > limit {
		bottomRight.X = limit
	}
	if bottomRight.Y > limit {
		bottomRight.Y = limit
	}
	return Area{
		Zoom:   zoom,
		Left:   int(topLeft.X),
		Top:    int(topLeft.Y),
		Width:  int(bottomRight.X) - int(topLeft.X) + 1,
		Height: int(bottomRight.Y) - int(topLeft.Y) + 1,
	}
}

func (a Area) mapSize() int {
	return 1 << a.Zoom
}

// IsEmpty reports whether the area holds no tile.
func (a Area) IsEmpty() bool {
	return a.Width <= 0 || a.Height <= 0
}

func (a Area) columns() int {
	if a.Width > a.mapSize() {
		return a.mapSize()
	}
	return a.Width
}

func (a Area) rows() (first, last int) {
	first = max(a.Top, 0)
	last = min(a.Top+a.Height-1, a.mapSize()-1)
	return first, last
}

// Size returns the number of distinct tiles in the area.
func (a Area) Size() int {
	if a.IsEmpty() {
		return 0
	}
	first, last := a.rows()
	if last < first {
		return 0
	}
	return a.columns() * (last - first + 1)
}

// Contains reports whether the index belongs to the area.
func (a Area) Contains(i Index) bool {
	if a.IsEmpty() || i.Zoom() != a.Zoom {
		return false
	}
	first, last := a.rows()
	if i.Y() < first || i.Y() > last {
		return false
	}
	if a.Width >= a.mapSize() {
		return true
	}
	dx := mod(i.X()-a.Left, a.mapSize())
	return dx < a.Width
}

// Indices yields every tile of the area, row by row.
func (a Area) Indices() iter.Seq[Index] {
	return func(yield func(Index) bool) {
		if a.IsEmpty() {
			return
		}
		first, last := a.rows()
		cols := a.columns()
		for y := first; y <= last; y++ {
			for c := 0; c < cols; c++ {
				if !yield(New(a.Zoom, mod(a.Left+c, a.mapSize()), y)) {
					return
				}
			}
		}
	}
}

func mod(v, n int) int {
	r := v % n
	if r < 0 {
		r += n
	}
	return r
}

// AreaList is a set of areas, possibly at different zoom levels.
type AreaList []Area

// Contains reports whether any area holds the index.
func (l AreaList) Contains(i Index) bool {
	for _, a := range l {
		if a.Contains(i) {
			return true
		}
	}
	return false
}

// Size sums the sizes of the areas; overlapping tiles count twice.
func (l AreaList) Size() int {
	n := 0
	for _, a := range l {
		n += a.Size()
	}
	return n
}

// Indices yields the tiles of every area in order.
func (l AreaList) Indices() iter.Seq[Index] {
	return func(yield func(Index) bool) {
		for _, a := range l {
			for i := range a.Indices() {
				if !yield(i) {
					return
				}
			}
		}
	}
}

// AreaComputer derives an additional area from the visible one.
type AreaComputer interface {
	Compute(src Area) (Area, bool)
}

// BorderComputer widens an area by Border tiles on every side.
type BorderComputer struct {
	Border int
}

// Compute implements AreaComputer.
func (c BorderComputer) Compute(src Area) (Area, bool) {
	if src.IsEmpty() || c.Border <= 0 {
		return Area{}, false
	}
	return Area{
		Zoom:   src.Zoom,
		Left:   src.Left - c.Border,
		Top:    src.Top - c.Border,
		Width:  src.Width + 2*c.Border,
		Height: src.Height + 2*c.Border,
	}, true
}

// ZoomComputer maps an area to the same region Delta zoom levels away.
type ZoomComputer struct {
	Delta int
}

// Compute implements AreaComputer.
func (c ZoomComputer) Compute(src Area) (Area, bool) {
	zoom := src.Zoom + c.Delta
	if src.IsEmpty() || c.Delta == 0 || zoom < 0 || zoom > MaxZoom {
		return Area{}, false
	}
	if c.Delta > 0 {
		return Area{
			Zoom:   zoom,
			Left:   src.Left << c.Delta,
			Top:    src.Top << c.Delta,
			Width:  src.Width << c.Delta,
			Height: src.Height << c.Delta,
		}, true
	}
	shift := -c.Delta
	left := src.Left >> shift
	top := src.Top >> shift
	right := (src.Left + src.Width - 1) >> shift
	bottom := (src.Top + src.Height - 1) >> shift
	return Area{
		Zoom:   zoom,
		Left:   left,
		Top:    top,
		Width:  right - left + 1,
		Height: bottom - top + 1,
	}, true
}
