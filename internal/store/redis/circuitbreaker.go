package redis

import (
	"errors"
	"sync"
	"time"
)

// State is the breaker position.
type State int

const (
	StateClosed   State = iota // writes pass through
	StateOpen                  // cooling down, writes rejected
	StateHalfOpen              // one trial write in flight
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

// ErrCircuitOpen is returned without calling fn while the breaker rejects writes.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker guards the Redis side channel. A run of threshold consecutive
// failures trips it; while open every call is rejected until resetTimeout has
// passed since the trip. The next call then becomes the single trial: success
// closes the breaker, failure trips it again and restarts the cool-down.
// Calls made while the trial is in flight are rejected.
type CircuitBreaker struct {
	threshold    int
	resetTimeout time.Duration
	now          func() time.Time

	mu       sync.Mutex
	state    State
	streak   int       // consecutive failures while closed
	openedAt time.Time // last trip
	trial    bool

	// OnStateChange is called on every transition, under the breaker lock.
	OnStateChange func(from, to State)
}

// NewCircuitBreaker returns a closed breaker that trips after threshold
// consecutive failures and allows a trial call resetTimeout after a trip.
func NewCircuitBreaker(threshold int, resetTimeout time.Duration) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		now:          time.Now,
	}
}

// Execute runs fn unless the breaker rejects it, and records the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn()
	cb.settle(err)
	return err
}

// CurrentState returns the breaker position.
func (cb *CircuitBreaker) CurrentState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			return ErrCircuitOpen
		}
		cb.moveTo(StateHalfOpen)
		cb.trial = true
	case StateHalfOpen:
		if cb.trial {
			return ErrCircuitOpen
		}
		cb.trial = true
	}
	return nil
}

func (cb *CircuitBreaker) settle(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.trial = false
		if err != nil {
			cb.trip()
			return
		}
		cb.streak = 0
		cb.moveTo(StateClosed)
	case StateClosed:
		if err == nil {
			cb.streak = 0
			return
		}
		cb.streak++
		if cb.streak >= cb.threshold {
			cb.trip()
		}
	}
	// Open: a call admitted before the trip finished late. The trip stands.
}

func (cb *CircuitBreaker) trip() {
	cb.openedAt = cb.now()
	cb.streak = 0
	cb.moveTo(StateOpen)
}

func (cb *CircuitBreaker) moveTo(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.OnStateChange != nil {
		cb.OnStateChange(from, to)
	}
}
