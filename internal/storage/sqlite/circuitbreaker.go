package sqlite

import (
	"errors"
	"sync"
	"time"
)

// BreakerState represents the state of the circuit breaker.
type BreakerState int

const (
	StateClosed   BreakerState = 0
	StateOpen     BreakerState = 1
	StateHalfOpen BreakerState = 2
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the circuit breaker is open and rejecting requests.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker stops sending transactions to a database that keeps failing.
// CLOSED (normal) -> OPEN (failing) -> HALF_OPEN (one probe) -> CLOSED.
type CircuitBreaker struct {
	mu           sync.Mutex
	state        BreakerState
	failures     int
	threshold    int
	resetTimeout time.Duration
	openedAt     time.Time
	nowFunc      func() time.Time
	onChange     func(from, to BreakerState)
}

func NewCircuitBreaker(threshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		nowFunc:      time.Now,
	}
}

// OnStateChange registers a hook called (outside the lock) on every transition.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to BreakerState)) {
	cb.mu.Lock()
	cb.onChange = fn
	cb.mu.Unlock()
}

// Execute runs fn unless the breaker is open. A nil return from fn counts as
// success; the caller decides which errors are worth counting.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.admit() {
		return ErrCircuitOpen
	}
	err := fn()
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) admit() bool {
	cb.mu.Lock()
	switch cb.state {
	case StateClosed:
		cb.mu.Unlock()
		return true
	case StateOpen:
		if cb.nowFunc().Sub(cb.openedAt) < cb.resetTimeout {
			cb.mu.Unlock()
			return false
		}
		hook := cb.transition(StateHalfOpen)
		cb.mu.Unlock()
		hook()
		return true
	default:
		// Half-open already has its probe in flight.
		cb.mu.Unlock()
		return false
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	hook := func() {}
	switch {
	case err == nil:
		cb.failures = 0
		if cb.state != StateClosed {
			hook = cb.transition(StateClosed)
		}
	case cb.state == StateHalfOpen:
		cb.openedAt = cb.nowFunc()
		hook = cb.transition(StateOpen)
	default:
		cb.failures++
		if cb.failures >= cb.threshold && cb.state == StateClosed {
			cb.openedAt = cb.nowFunc()
			hook = cb.transition(StateOpen)
		}
	}
	cb.mu.Unlock()
	hook()
}

// transition must be called with mu held; the returned hook must be called
// after unlocking.
func (cb *CircuitBreaker) transition(to BreakerState) func() {
	from := cb.state
	cb.state = to
	if fn := cb.onChange; fn != nil && from != to {
		return func() { fn(from, to) }
	}
	return func() {}
}

func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
