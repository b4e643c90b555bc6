package guard

import (
	"sync"
	"time"
)

// BreakerState represents the circuit breaker state.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // Normal operation, calls pass through.
	BreakerOpen                         // Calls rejected immediately.
	BreakerHalfOpen                     // A bounded number of trial calls allowed.
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	}
	return "closed"
}

// CircuitBreaker stops calls to a failing platform for a cooldown period.
type CircuitBreaker interface {
	Allow() bool
	RecordSuccess()
	RecordFailure()
	State() BreakerState
}

// Breaker is a mutex-guarded CircuitBreaker. It opens after threshold
// consecutive failures, stays open for recoveryTimeout, then admits up to
// halfOpenMax trial calls. That many trial successes close it; any trial
// failure reopens it.
type Breaker struct {
	mu              sync.Mutex
	state           BreakerState
	failures        int
	successes       int
	trials          int
	threshold       int
	recoveryTimeout time.Duration
	halfOpenMax     int
	openedAt        time.Time
	now             func() time.Time
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithThreshold sets the consecutive failure count that trips the breaker.
func WithThreshold(n int) BreakerOption {
	return func(b *Breaker) { b.threshold = n }
}

// WithRecoveryTimeout sets how long the breaker stays open.
func WithRecoveryTimeout(d time.Duration) BreakerOption {
	return func(b *Breaker) { b.recoveryTimeout = d }
}

// WithHalfOpenMax sets the number of trial calls admitted while half-open.
func WithHalfOpenMax(n int) BreakerOption {
	return func(b *Breaker) { b.halfOpenMax = n }
}

// WithClock sets a custom clock function (for testing).
func WithClock(fn func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = fn }
}

// NewBreaker creates a breaker with defaults of 10 failures, 300s recovery
// and 3 half-open trials.
func NewBreaker(opts ...BreakerOption) *Breaker {
	b := &Breaker{
		state:           BreakerClosed,
		threshold:       10,
		recoveryTimeout: 300 * time.Second,
		halfOpenMax:     3,
		now:             time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	if b.threshold < 1 {
		b.threshold = 1
	}
	if b.halfOpenMax < 1 {
		b.halfOpenMax = 1
	}
	return b
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransition()
	return b.state
}

// Allow reports whether a call may proceed. In half-open each true result
// consumes one trial slot.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransition()
	switch b.state {
	case BreakerOpen:
		return false
	case BreakerHalfOpen:
		if b.trials >= b.halfOpenMax {
			return false
		}
		b.trials++
	}
	return true
}

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
			b.trials = 0
		}
	case BreakerClosed:
		b.failures = 0
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.trip()
		}
	case BreakerHalfOpen:
		b.trip()
	}
}

// Reset forces the breaker back to closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.successes = 0
	b.trials = 0
}

// trip opens the breaker. Must be called with mu held.
func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.successes = 0
	b.trials = 0
}

// maybeTransition moves an open breaker to half-open once the recovery
// timeout has elapsed. Must be called with mu held.
func (b *Breaker) maybeTransition() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.recoveryTimeout {
		b.state = BreakerHalfOpen
		b.successes = 0
		b.trials = 0
	}
}

// BreakerSet lazily keeps one Breaker per platform, all built from the same options.
type BreakerSet struct {
	mu       sync.Mutex
	opts     []BreakerOption
	breakers map[string]*Breaker
}

// NewBreakerSet creates an empty set.
func NewBreakerSet(opts ...BreakerOption) *BreakerSet {
	return &BreakerSet{opts: opts, breakers: make(map[string]*Breaker)}
}

// For returns the breaker guarding platformID.
func (s *BreakerSet) For(platformID string) CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[platformID]
	if !ok {
		b = NewBreaker(s.opts...)
		s.breakers[platformID] = b
	}
	return b
}

// States snapshots the state of every known breaker.
func (s *BreakerSet) States() map[string]BreakerState {
	s.mu.Lock()
	bs := make(map[string]*Breaker, len(s.breakers))
	for k, v := range s.breakers {
		bs[k] = v
	}
	s.mu.Unlock()

	out := make(map[string]BreakerState, len(bs))
	for k, b := range bs {
		out[k] = b.State()
	}
	return out
}
