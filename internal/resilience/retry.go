package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/LavishGent/tilepipe/internal/config"
	"github.com/LavishGent/tilepipe/internal/types"
)

// RetryPolicy retries transient failures with exponential backoff. A
// Retry-After hint from the tile server stretches the wait; a hint longer
// than MaxBackoff ends the retries early, since a tile that late is of no
// use to a map view.
type RetryPolicy struct {
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	multiplier     float64
	jitter         bool

	onRetry func(attempt int, wait time.Duration, err error)

	retries  atomic.Int64
	success  atomic.Int64
	failures atomic.Int64
}

func NewRetryPolicy(cfg config.RetryConfig) *RetryPolicy {
	rp := &RetryPolicy{
		maxAttempts:    cfg.MaxAttempts,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		multiplier:     cfg.Multiplier,
		jitter:         cfg.Jitter,
	}

	if rp.maxAttempts <= 0 {
		rp.maxAttempts = 3
	}
	if rp.initialBackoff <= 0 {
		rp.initialBackoff = 100 * time.Millisecond
	}
	if rp.maxBackoff <= 0 {
		rp.maxBackoff = 2 * time.Second
	}
	if rp.multiplier <= 0 {
		rp.multiplier = 2.0
	}

	return rp
}

// SetOnRetry registers fn to be called before each wait. Not safe to call
// concurrently with Do.
func (rp *RetryPolicy) SetOnRetry(fn func(attempt int, wait time.Duration, err error)) {
	rp.onRetry = fn
}

// Do calls fn until it succeeds, fails permanently or runs out of
// attempts. The last error is returned.
func (rp *RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if err = fn(ctx); err == nil {
			rp.success.Add(1)
			return nil
		}
		if !IsRetryable(err) || attempt >= rp.maxAttempts {
			break
		}

		wait, ok := rp.wait(attempt, err)
		if !ok {
			break
		}
		rp.retries.Add(1)
		if rp.onRetry != nil {
			rp.onRetry(attempt, wait, err)
		}
		if sleepErr := sleep(ctx, wait); sleepErr != nil {
			return sleepErr
		}
	}

	rp.failures.Add(1)
	return err
}

// wait returns the pause before the next attempt and false when the
// server asked for a longer pause than the policy allows.
func (rp *RetryPolicy) wait(attempt int, err error) (time.Duration, bool) {
	backoff := rp.calculateBackoff(attempt)

	var statusErr *types.HTTPStatusError
	if errors.As(err, &statusErr) && statusErr.RetryAfter > 0 {
		if statusErr.RetryAfter > rp.maxBackoff {
			return 0, false
		}
		backoff = max(backoff, statusErr.RetryAfter)
	}
	return backoff, true
}

func (rp *RetryPolicy) calculateBackoff(attempt int) time.Duration {
	backoff := float64(rp.initialBackoff) * math.Pow(rp.multiplier, float64(attempt-1))
	backoff = math.Min(backoff, float64(rp.maxBackoff))

	// ±25%
	if rp.jitter {
		backoff += backoff * 0.25 * (2*rand.Float64() - 1)
	}

	return time.Duration(backoff)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type RetryStats struct {
	Retries  int64
	Success  int64
	Failures int64
}

func (rp *RetryPolicy) Stats() RetryStats {
	return RetryStats{
		Retries:  rp.retries.Load(),
		Success:  rp.success.Load(),
		Failures: rp.failures.Load(),
	}
}

// DisabledRetryPolicy calls fn exactly once.
type DisabledRetryPolicy struct{}

func NewDisabledRetryPolicy() *DisabledRetryPolicy {
	return &DisabledRetryPolicy{}
}

func (DisabledRetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}
