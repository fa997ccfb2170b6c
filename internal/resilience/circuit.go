// Package resilience provides fault tolerance patterns for tile providers:
// a circuit breaker and retry policy for the downloader and a bulkhead that
// bounds each provider's workers and waiting requests.
package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LavishGent/tilepipe/internal/config"
	"github.com/LavishGent/tilepipe/internal/types"
)

type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker stops calling a tile server or store that keeps failing.
// After FailureThreshold consecutive failures it opens for OpenDuration,
// then lets a few probes through; SuccessThreshold successful probes close
// it again and any failed probe reopens it.
type CircuitBreaker struct {
	name string

	failureThreshold int
	successThreshold int
	openDuration     time.Duration
	maxProbes        int
	now              func() time.Time

	state    atomic.Int32
	rejected atomic.Int64

	mu       sync.Mutex
	failures int
	probes   int
	passed   int
	openedAt time.Time

	onStateChange func(from, to State)
}

// NewCircuitBreaker creates a closed breaker guarding the named dependency.
func NewCircuitBreaker(name string, cfg config.CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:             name,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		openDuration:     cfg.OpenDuration,
		maxProbes:        cfg.HalfOpenMaxRequests,
		now:              time.Now,
	}

	if cb.failureThreshold <= 0 {
		cb.failureThreshold = 5
	}
	if cb.successThreshold <= 0 {
		cb.successThreshold = 2
	}
	if cb.openDuration <= 0 {
		cb.openDuration = 30 * time.Second
	}
	if cb.maxProbes <= 0 {
		cb.maxProbes = 3
	}

	return cb
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute calls fn unless the breaker is open, in which case it returns
// ErrCircuitOpen without calling it.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !cb.Allow() {
		cb.rejected.Add(1)
		return ErrCircuitOpen
	}

	err := fn(ctx)
	if countsAsFailure(err) {
		cb.RecordFailure()
	} else {
		cb.RecordSuccess()
	}
	return err
}

// countsAsFailure reports whether err says something about the health of
// the dependency. A missing tile is a healthy answer and a cancelled
// request says nothing at all.
func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	if types.IsTileNotFound(err) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// Allow reports whether a call may go through, moving an open breaker to
// half-open once its cool-down has passed.
func (cb *CircuitBreaker) Allow() bool {
	if State(cb.state.Load()) == StateClosed {
		return true
	}

	cb.mu.Lock()
	var change func()
	allowed := false
	switch State(cb.state.Load()) {
	case StateClosed:
		allowed = true
	case StateOpen:
		if cb.now().Sub(cb.openedAt) >= cb.openDuration {
			change = cb.setState(StateHalfOpen)
			cb.probes = 1
			allowed = true
		}
	case StateHalfOpen:
		if cb.probes < cb.maxProbes {
			cb.probes++
			allowed = true
		}
	}
	cb.mu.Unlock()

	if change != nil {
		change()
	}
	return allowed
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	var change func()
	switch State(cb.state.Load()) {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.passed++
		if cb.passed >= cb.successThreshold {
			change = cb.setState(StateClosed)
		}
	}
	cb.mu.Unlock()

	if change != nil {
		change()
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	var change func()
	switch State(cb.state.Load()) {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.failureThreshold {
			change = cb.setState(StateOpen)
		}
	case StateHalfOpen:
		change = cb.setState(StateOpen)
	}
	cb.mu.Unlock()

	if change != nil {
		change()
	}
}

// setState must be called with cb.mu held. The returned func runs the
// state change callback and must be called after the lock is released.
func (cb *CircuitBreaker) setState(to State) func() {
	from := State(cb.state.Load())
	if from == to {
		return nil
	}

	cb.failures = 0
	cb.passed = 0
	cb.probes = 0
	if to == StateOpen {
		cb.openedAt = cb.now()
	}
	cb.state.Store(int32(to))

	fn := cb.onStateChange
	if fn == nil {
		return nil
	}
	return func() { fn(from, to) }
}

func (cb *CircuitBreaker) State() State {
	return State(cb.state.Load())
}

func (cb *CircuitBreaker) IsOpen() bool {
	return cb.State() == StateOpen
}

// RetryIn returns how long an open breaker keeps rejecting calls.
func (cb *CircuitBreaker) RetryIn() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if State(cb.state.Load()) != StateOpen {
		return 0
	}
	if left := cb.openDuration - cb.now().Sub(cb.openedAt); left > 0 {
		return left
	}
	return 0
}

// SetOnStateChange registers fn for state transitions. fn runs outside the
// breaker's lock and may read its state.
func (cb *CircuitBreaker) SetOnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

type CircuitBreakerStats struct {
	State            State
	ConsecutiveFails int
	Rejected         int64
}

func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerStats{
		State:            State(cb.state.Load()),
		ConsecutiveFails: cb.failures,
		Rejected:         cb.rejected.Load(),
	}
}

// DisabledCircuitBreaker lets every call through.
type DisabledCircuitBreaker struct{}

func NewDisabledCircuitBreaker() *DisabledCircuitBreaker {
	return &DisabledCircuitBreaker{}
}

func (DisabledCircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func (DisabledCircuitBreaker) State() State                              { return StateClosed }
func (DisabledCircuitBreaker) IsOpen() bool                              { return false }
func (DisabledCircuitBreaker) SetOnStateChange(fn func(from, to State)) {}
