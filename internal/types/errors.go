package types

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrTileNotFound     = errors.New("tilepipe: tile not found")
	ErrStoreUnavailable = errors.New("tilepipe: tile store unavailable")
	ErrCircuitOpen      = errors.New("tilepipe: circuit breaker open")
	ErrClosed           = errors.New("tilepipe: closed")
	ErrWriteQueueFull   = errors.New("tilepipe: write queue full")
	ErrBulkheadFull     = errors.New("tilepipe: provider queue at capacity")
	ErrBulkheadTimeout  = errors.New("tilepipe: provider queue timeout")
	ErrDecodeFailed     = errors.New("tilepipe: tile decode failed")
	ErrUnknownArchive   = errors.New("tilepipe: unknown archive format")
	ErrNoProviders      = errors.New("tilepipe: no tile providers configured")
	ErrShutdownTimeout  = errors.New("tilepipe: shutdown timeout waiting for background operations")
)

// TileError describes a failed operation on one tile.
type TileError struct {
	Op       string
	Tile     string
	Provider string
	Err      error
}

func (e *TileError) Error() string {
	if e.Tile != "" {
		return fmt.Sprintf("tile %s on %s [%s]: %v", e.Op, e.Provider, e.Tile, e.Err)
	}
	return fmt.Sprintf("tile %s on %s: %v", e.Op, e.Provider, e.Err)
}

func (e *TileError) Unwrap() error {
	return e.Err
}

// NewTileError wraps err with the operation, tile and provider it concerns.
func NewTileError(op string, tile fmt.Stringer, provider string, err error) *TileError {
	te := &TileError{
		Op:       op,
		Provider: provider,
		Err:      err,
	}
	if tile != nil {
		te.Tile = tile.String()
	}
	return te
}

func IsTileNotFound(err error) bool {
	return errors.Is(err, ErrTileNotFound)
}

func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// IsQueueFull reports whether err is provider queue backpressure.
func IsQueueFull(err error) bool {
	return errors.Is(err, ErrBulkheadFull) || errors.Is(err, ErrBulkheadTimeout)
}

// HTTPStatusError is returned by network loads that got a non-200 answer.
type HTTPStatusError struct {
	URL        string
	StatusCode int
	// RetryAfter is the server's Retry-After hint, zero when absent.
	RetryAfter time.Duration
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// A missing tile stays missing
	if IsTileNotFound(err) {
		return false
	}

	if IsCircuitOpen(err) {
		return false
	}

	if errors.Is(err, ErrClosed) || errors.Is(err, ErrDecodeFailed) {
		return false
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500 || statusErr.StatusCode == 429
	}

	return true
}
