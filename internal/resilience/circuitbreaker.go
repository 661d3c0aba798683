package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Allow] while the breaker is open
// and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Breaker is a compact two-and-a-half-state circuit breaker: closed while
// calls succeed, open after maxFailures consecutive failures, and a single
// probe call is admitted once the reset timeout elapses. Safe for
// concurrent use.
type Breaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration

	mu          sync.Mutex
	failures    int
	open        bool
	lastFailure time.Time
	probing     bool
}

// NewBreaker creates a Breaker. Zero-value knobs get defaults: 5 failures,
// 30 s reset.
func NewBreaker(name string, maxFailures int, resetTimeout time.Duration) *Breaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &Breaker{name: name, maxFailures: maxFailures, resetTimeout: resetTimeout}
}

// Allow reports whether a call may proceed. After the reset timeout one
// probe call is admitted; its Record result decides whether the breaker
// closes or re-opens.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return nil
	}
	if b.probing {
		return ErrCircuitOpen
	}
	if time.Since(b.lastFailure) < b.resetTimeout {
		return ErrCircuitOpen
	}
	b.probing = true
	slog.Info("circuit breaker admitting probe", "name", b.name)
	return nil
}

// Record feeds the outcome of an admitted call back into the breaker.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		if b.open {
			slog.Info("circuit breaker closed", "name", b.name)
		}
		b.open = false
		b.probing = false
		b.failures = 0
		return
	}

	b.lastFailure = time.Now()
	b.probing = false
	if b.open {
		return
	}
	b.failures++
	if b.failures >= b.maxFailures {
		b.open = true
		slog.Warn("circuit breaker opened",
			"name", b.name,
			"consecutive_failures", b.failures,
		)
	}
}

// Open reports whether the breaker is currently rejecting calls.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open && (b.probing || time.Since(b.lastFailure) < b.resetTimeout)
}
