// Package types provides shared types for the tile pipeline.
// This package breaks import cycles between pkg/tilepipe and the internal packages.
package types

import "time"

// Blob is an encoded tile as persisted by a TileStore.
type Blob struct {
	Data []byte
	// Expires is zero for tiles that never expire.
	Expires time.Time
}

// IsExpired reports whether the blob is past its expiry at now.
func (b Blob) IsExpired(now time.Time) bool {
	if b.Expires.IsZero() {
		return false
	}
	return now.After(b.Expires)
}

type MemoryStoreStats struct {
	Hits      int64
	Misses    int64
	Sets      int64
	Deletes   int64
	Evictions int64
}
