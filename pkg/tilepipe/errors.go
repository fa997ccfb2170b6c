package tilepipe

import (
	"github.com/LavishGent/tilepipe/internal/types"
)

// TileError describes a failed operation on one tile.
type TileError = types.TileError

var (
	// ErrTileNotFound indicates that no provider has the tile.
	ErrTileNotFound = types.ErrTileNotFound
	// ErrStoreUnavailable indicates that the tile store cannot be reached.
	ErrStoreUnavailable = types.ErrStoreUnavailable
	// ErrCircuitOpen indicates that the download circuit breaker is open.
	ErrCircuitOpen = types.ErrCircuitOpen
	// ErrClosed indicates that the pipeline or store has been closed.
	ErrClosed = types.ErrClosed
	// ErrBulkheadFull indicates that a provider queue is at capacity.
	ErrBulkheadFull = types.ErrBulkheadFull
	// ErrBulkheadTimeout indicates that a provider queue slot was not freed in time.
	ErrBulkheadTimeout = types.ErrBulkheadTimeout
	// ErrDecodeFailed indicates that tile bytes are not a supported image.
	ErrDecodeFailed = types.ErrDecodeFailed
	// ErrUnknownArchive indicates an archive whose format is not recognized.
	ErrUnknownArchive = types.ErrUnknownArchive
	// ErrNoProviders indicates a configuration that enables no provider.
	ErrNoProviders = types.ErrNoProviders
)

// IsTileNotFound returns true if the error is a tile miss.
func IsTileNotFound(err error) bool {
	return types.IsTileNotFound(err)
}

// IsQueueFull returns true if the error is provider queue backpressure.
func IsQueueFull(err error) bool {
	return types.IsQueueFull(err)
}

// IsRetryable returns true if the error can be retried.
func IsRetryable(err error) bool {
	return types.IsRetryable(err)
}
