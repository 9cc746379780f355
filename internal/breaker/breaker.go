package breaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Allow while the breaker refuses attempts.
var ErrCircuitOpen = errors.New("circuit breaker open")

// State is the breaker position.
type State int

const (
	StateClosed State = iota // normal operation, attempts pass
	StateOpen                // attempts rejected until the reset timeout elapses
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Breaker trips after a run of consecutive failures and refuses further
// attempts until the reset timeout has elapsed since the last failure.
// It does not distinguish failure causes.
type Breaker struct {
	threshold    int
	resetTimeout time.Duration
	logger       *slog.Logger

	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	open        bool
}

// New creates a breaker that opens after threshold consecutive failures
// and re-admits attempts resetTimeout after the last failure.
func New(threshold int, resetTimeout time.Duration, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		logger:       logger,
	}
}

// Allow reports whether an attempt may proceed. While open it returns
// ErrCircuitOpen; once the reset timeout has elapsed the breaker closes,
// clears its failure count, and admits the attempt.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return nil
	}

	if time.Since(b.lastFailure) >= b.resetTimeout {
		b.logger.Info("circuit breaker reset timeout elapsed, closing")
		b.open = false
		b.failures = 0
		b.lastFailure = time.Time{}
		return nil
	}

	return ErrCircuitOpen
}

// RecordFailure counts one failed attempt and opens the breaker at the
// threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = time.Now()

	if !b.open && b.failures >= b.threshold {
		b.open = true
		b.logger.Warn("circuit breaker opened",
			"failures", b.failures,
			"reset_timeout", b.resetTimeout,
		)
	}
}

// RecordSuccess clears the failure count and closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.lastFailure = time.Time{}
	b.open = false
}

// State returns the current breaker position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.open {
		return StateOpen
	}
	return StateClosed
}

// Failures returns the current consecutive-failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset forces the breaker back to closed.
func (b *Breaker) Reset() {
	b.RecordSuccess()
}
