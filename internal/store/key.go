package store

import "github.com/LavishGent/tilepipe/internal/tile"

// Key is the byte tier key of a tile: <source>/<z>/<x>/<y>.
func Key(source string, idx tile.Index) string {
	return source + "/" + idx.String()
}
