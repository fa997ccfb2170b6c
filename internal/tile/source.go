package tile

import (
	"strconv"
	"strings"
	"time"
)

// Source describes where tiles of one map layer come from and how they
// are named on disk and in archives.
//
//nolint:govet // Descriptor struct - logical grouping prioritized over alignment
type Source struct {
	Name      string
	URLs      []string
	Extension string
	TileSize  int
	MinZoom   int
	MaxZoom   int
	UserAgent string
	// AllowPrefetch permits downloading tiles nobody asked for yet
	// (pre-cache sweeps). Public OSM servers forbid it.
	AllowPrefetch bool
	// Expiry applies when the server sends no cache headers.
	Expiry time.Duration
}

// DefaultSource returns the standard OpenStreetMap Mapnik layer.
func DefaultSource() Source {
	return Source{
		Name:      "Mapnik",
		URLs:      []string{"https://tile.openstreetmap.org/{z}/{x}/{y}.png"},
		Extension: ".png",
		TileSize:  256,
		MinZoom:   0,
		MaxZoom:   19,
		UserAgent: "tilepipe/1.0",
		Expiry:    7 * 24 * time.Hour,
	}
}

// Path returns the relative path of the tile inside a source tree or
// archive: <name>/<z>/<x>/<y><ext>.
func (s Source) Path(i Index) string {
	return s.Name + "/" + s.RelativePath(i)
}

// RelativePath returns <z>/<x>/<y><ext>.
func (s Source) RelativePath(i Index) string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(i.Zoom()))
	b.WriteByte('/')
	b.WriteString(strconv.Itoa(i.X()))
	b.WriteByte('/')
	b.WriteString(strconv.Itoa(i.Y()))
	b.WriteString(s.Extension)
	return b.String()
}

// URL expands the template selected by the rotation counter n. Templates
// understand {z}, {x}, {y}, {-y} (TMS row) and {s} (subdomain a, b or c).
func (s Source) URL(i Index, n uint32) string {
	if len(s.URLs) == 0 {
		return ""
	}
	tmpl := s.URLs[int(n%uint32(len(s.URLs)))]

	r := strings.NewReplacer(
		"{z}", strconv.Itoa(i.Zoom()),
		"{x}", strconv.Itoa(i.X()),
		"{y}", strconv.Itoa(i.Y()),
		"{-y}", strconv.Itoa(i.TMSY()),
		"{s}", string(rune('a'+int(n%3))),
	)
	return r.Replace(tmpl)
}

// InZoomRange reports whether the source serves the index's zoom.
func (s Source) InZoomRange(i Index) bool {
	return i.Zoom() >= s.MinZoom && i.Zoom() <= s.MaxZoom
}
