package resilience

import (
	"context"
	"errors"
	"net"

	"github.com/LavishGent/tilepipe/internal/types"
)

var (
	ErrCircuitOpen     = types.ErrCircuitOpen
	ErrBulkheadFull    = types.ErrBulkheadFull
	ErrBulkheadTimeout = types.ErrBulkheadTimeout
)

func IsCircuitOpen(err error) bool {
	return types.IsCircuitOpen(err)
}

// IsBulkheadError reports provider queue backpressure of either kind.
func IsBulkheadError(err error) bool {
	return types.IsQueueFull(err)
}

// IsRetryable extends types.IsRetryable with the transport failures a
// second attempt cannot fix.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case IsBulkheadError(err), errors.Is(err, context.Canceled):
		return false
	case refusedDial(err):
		return false
	}
	return types.IsRetryable(err)
}

// refusedDial matches connection refused and unknown host errors.
func refusedDial(err error) bool {
	var opErr *net.OpError
	if !errors.As(err, &opErr) || opErr.Op != "dial" {
		return false
	}
	return !opErr.Timeout()
}
