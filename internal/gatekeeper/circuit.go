package gatekeeper

import (
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// CircuitState represents breaker state.
type CircuitState int32

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// String returns the state name used in metrics and logs.
func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitOptions configures breaker thresholds.
type CircuitOptions struct {
	FailureThreshold int64
	OpenDuration     time.Duration
	HalfOpenMaxCalls int64
}

// CircuitBreaker skips storage-backed checks after repeated failures or
// budget overruns so a sick backend degrades to fail-open instead of
// stalling every request.
type CircuitBreaker struct {
	state            atomic.Int32
	openUntil        atomic.Int64
	failures         atomic.Int64
	halfOpenInFlight atomic.Int64
	opts             CircuitOptions
	clock            clock.Clock
}

// NewCircuitBreaker constructs a breaker with defaults.
func NewCircuitBreaker(opts CircuitOptions, clk clock.Clock) *CircuitBreaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.OpenDuration <= 0 {
		opts.OpenDuration = 10 * time.Second
	}
	if opts.HalfOpenMaxCalls <= 0 {
		opts.HalfOpenMaxCalls = 1
	}
	if clk == nil {
		clk = clock.New()
	}
	cb := &CircuitBreaker{opts: opts, clock: clk}
	cb.state.Store(int32(CircuitClosed))
	return cb
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	return CircuitState(cb.state.Load())
}

// Allow reports whether the call should proceed.
func (cb *CircuitBreaker) Allow() bool {
	if cb == nil {
		return true
	}
	switch CircuitState(cb.state.Load()) {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if cb.clock.Now().UnixNano() >= cb.openUntil.Load() {
			if cb.state.CompareAndSwap(int32(CircuitOpen), int32(CircuitHalfOpen)) {
				cb.halfOpenInFlight.Store(1)
				return true
			}
			return cb.Allow()
		}
		return false
	case CircuitHalfOpen:
		if cb.halfOpenInFlight.Add(1) <= cb.opts.HalfOpenMaxCalls {
			return true
		}
		cb.halfOpenInFlight.Add(-1)
		return false
	default:
		return true
	}
}

// OnSuccess records a successful call.
func (cb *CircuitBreaker) OnSuccess() {
	if cb == nil {
		return
	}
	switch CircuitState(cb.state.Load()) {
	case CircuitHalfOpen:
		cb.halfOpenInFlight.Add(-1)
		cb.failures.Store(0)
		cb.state.Store(int32(CircuitClosed))
	case CircuitClosed:
		cb.failures.Store(0)
	}
}

// OnFailure records a failure and updates state.
func (cb *CircuitBreaker) OnFailure() {
	if cb == nil {
		return
	}
	if CircuitState(cb.state.Load()) == CircuitHalfOpen {
		cb.halfOpenInFlight.Add(-1)
		cb.trip()
		return
	}
	if cb.failures.Add(1) >= cb.opts.FailureThreshold {
		cb.trip()
	}
}

func (cb *CircuitBreaker) trip() {
	cb.failures.Store(cb.opts.FailureThreshold)
	cb.openUntil.Store(cb.clock.Now().Add(cb.opts.OpenDuration).UnixNano())
	cb.state.Store(int32(CircuitOpen))
}
