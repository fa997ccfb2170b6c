package resilience

import (
	"context"
	"time"

	"github.com/LavishGent/tilepipe/internal/config"
)

// Executor is what the downloader and the store manager run their remote
// calls through.
type Executor interface {
	Execute(ctx context.Context, fn func(context.Context) error) error
	IsCircuitOpen() bool
	CircuitState() State
	SetOnCircuitStateChange(fn func(from, to State))
	BulkheadStats() (active, queued int, rejected int64)
}

type Breaker interface {
	Execute(ctx context.Context, fn func(context.Context) error) error
	State() State
	IsOpen() bool
	SetOnStateChange(fn func(from, to State))
}

type Retrier interface {
	Do(ctx context.Context, fn func(context.Context) error) error
}

type Limiter interface {
	Do(ctx context.Context, fn func(context.Context) error) error
	ActiveCount() int
	QueuedCount() int
	RejectedCount() int64
}

// Policy chains a bulkhead, a retry policy and a circuit breaker around a
// remote call. Each part is a no-op when its config section is disabled.
type Policy struct {
	breaker Breaker
	retry   Retrier
	limiter Limiter
}

// NewPolicy builds the policy guarding the named dependency. Breaker and
// retry settings come from cfg; queue bounds the concurrent calls.
func NewPolicy(name string, cfg *config.Config, queue config.BulkheadConfig) *Policy {
	p := &Policy{
		breaker: NewDisabledCircuitBreaker(),
		retry:   NewDisabledRetryPolicy(),
		limiter: NewDisabledBulkhead(),
	}
	if cfg.CircuitBreaker.Enabled {
		p.breaker = NewCircuitBreaker(name, cfg.CircuitBreaker)
	}
	if cfg.Retry.Enabled {
		p.retry = NewRetryPolicy(cfg.Retry)
	}
	if queue.Enabled {
		p.limiter = NewBulkhead(queue)
	}
	return p
}

// Execute runs fn as bulkhead, then retry, then breaker. Every retry
// attempt passes the breaker on its own and counts toward its state, so
// an open breaker also ends the retries.
func (p *Policy) Execute(ctx context.Context, fn func(context.Context) error) error {
	return p.limiter.Do(ctx, func(ctx context.Context) error {
		return p.retry.Do(ctx, func(ctx context.Context) error {
			return p.breaker.Execute(ctx, fn)
		})
	})
}

func (p *Policy) Breaker() Breaker {
	return p.breaker
}

// SetOnRetry forwards to the retry policy when retries are enabled.
func (p *Policy) SetOnRetry(fn func(attempt int, wait time.Duration, err error)) {
	if rp, ok := p.retry.(*RetryPolicy); ok {
		rp.SetOnRetry(fn)
	}
}

func (p *Policy) IsCircuitOpen() bool {
	return p.breaker.IsOpen()
}

func (p *Policy) CircuitState() State {
	return p.breaker.State()
}

func (p *Policy) SetOnCircuitStateChange(fn func(from, to State)) {
	p.breaker.SetOnStateChange(fn)
}

func (p *Policy) BulkheadStats() (active, queued int, rejected int64) {
	return p.limiter.ActiveCount(), p.limiter.QueuedCount(), p.limiter.RejectedCount()
}

// Call runs fn through e and returns its value.
func Call[T any](ctx context.Context, e Executor, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := e.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// DisabledPolicy calls through with no protection.
type DisabledPolicy struct{}

func NewDisabledPolicy() *DisabledPolicy {
	return &DisabledPolicy{}
}

func (DisabledPolicy) Execute(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func (DisabledPolicy) IsCircuitOpen() bool                              { return false }
func (DisabledPolicy) CircuitState() State                              { return StateClosed }
func (DisabledPolicy) SetOnCircuitStateChange(fn func(from, to State)) {}
func (DisabledPolicy) BulkheadStats() (active, queued int, rejected int64) {
	return 0, 0, 0
}

var (
	_ Executor = (*Policy)(nil)
	_ Executor = (*DisabledPolicy)(nil)
	_ Breaker  = (*CircuitBreaker)(nil)
	_ Breaker  = (*DisabledCircuitBreaker)(nil)
	_ Retrier  = (*RetryPolicy)(nil)
	_ Retrier  = (*DisabledRetryPolicy)(nil)
	_ Limiter  = (*Bulkhead)(nil)
	_ Limiter  = (*DisabledBulkhead)(nil)
)
