package backend

import (
	"sync"
	"time"
)

// BreakerState represents the circuit breaker state.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // Normal operation, calls pass through.
	BreakerOpen                         // Calls rejected immediately.
	BreakerHalfOpen                     // One probe call allowed to test recovery.
)

// Breaker trips after consecutive backend failures so that an offline
// backend costs one rejected call instead of a full timeout-and-retry cycle
// per mutation. The outbox keeps queuing regardless; the breaker only
// shortens the failure path.
type Breaker struct {
	mu           sync.Mutex
	state        BreakerState
	failures     int
	successes    int
	threshold    int
	resetTimeout time.Duration
	halfOpenMax  int
	lastFailure  time.Time
	now          func() time.Time // injectable clock for testing
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithBreakerThreshold sets the failure count that trips the breaker open.
func WithBreakerThreshold(n int) BreakerOption {
	return func(b *Breaker) { b.threshold = n }
}

// WithBreakerResetTimeout sets how long the breaker stays open before
// transitioning to half-open.
func WithBreakerResetTimeout(d time.Duration) BreakerOption {
	return func(b *Breaker) { b.resetTimeout = d }
}

// WithBreakerClock sets a custom clock function (for testing).
func WithBreakerClock(fn func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = fn }
}

// NewBreaker creates a breaker with sensible defaults:
// 5 failures to open, 15s reset timeout, 1 success to close from half-open.
func NewBreaker(opts ...BreakerOption) *Breaker {
	b := &Breaker{
		state:        BreakerClosed,
		threshold:    5,
		resetTimeout: 15 * time.Second,
		halfOpenMax:  1,
		now:          time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Allow checks whether a call may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransition()
	return b.state != BreakerOpen
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransition()
	return b.state
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.halfOpenMax {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
		}
	case BreakerClosed:
		b.failures = 0
	}
}

// RecordFailure records a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFailure = b.now()
	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.state = BreakerOpen
		}
	case BreakerHalfOpen:
		// Any failure in half-open goes back to open.
		b.state = BreakerOpen
		b.successes = 0
	}
}

// maybeTransition checks if an open breaker should move to half-open.
// Must be called with mu held.
func (b *Breaker) maybeTransition() {
	if b.state == BreakerOpen && b.now().Sub(b.lastFailure) >= b.resetTimeout {
		b.state = BreakerHalfOpen
		b.successes = 0
	}
}
