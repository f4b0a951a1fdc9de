package screening

import (
	"sync"
	"time"

	"github.com/veloxpay/sentinel/internal/clock"
)

// breakerState is the circuit breaker state for one provider.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// CircuitBreaker fast-fails a provider whose rolling failure rate exceeds
// the threshold, then probes again after a cooldown.
type CircuitBreaker struct {
	mu           sync.Mutex
	clock        clock.Clock
	window       time.Duration
	minRequests  int
	failureRatio float64
	cooldown     time.Duration

	state    breakerState
	openedAt time.Time
	samples  []breakerSample
}

type breakerSample struct {
	at time.Time
	ok bool
}

// NewCircuitBreaker creates a breaker. With fewer than minRequests samples in
// the window the breaker never opens.
func NewCircuitBreaker(clk clock.Clock, window time.Duration, minRequests int, failureRatio float64, cooldown time.Duration) *CircuitBreaker {
	if clk == nil {
		clk = clock.System()
	}
	if window <= 0 {
		window = time.Minute
	}
	if minRequests <= 0 {
		minRequests = 5
	}
	if failureRatio <= 0 {
		failureRatio = 0.5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		clock:        clk,
		window:       window,
		minRequests:  minRequests,
		failureRatio: failureRatio,
		cooldown:     cooldown,
	}
}

// Allow reports whether a call may proceed. In half-open state exactly one
// probe is allowed per cooldown period.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	now := cb.clock.Now()
	switch cb.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if now.Sub(cb.openedAt) >= cb.cooldown {
			cb.state = breakerHalfOpen
			return true
		}
		return false
	case breakerHalfOpen:
		return false
	}
	return true
}

// Record folds a call outcome into the rolling window and updates state.
func (cb *CircuitBreaker) Record(ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	now := cb.clock.Now()

	if cb.state == breakerHalfOpen {
		if ok {
			cb.state = breakerClosed
			cb.samples = nil
		} else {
			cb.state = breakerOpen
			cb.openedAt = now
		}
		return
	}

	cb.samples = append(cb.samples, breakerSample{at: now, ok: ok})
	cutoff := now.Add(-cb.window)
	for len(cb.samples) > 0 && cb.samples[0].at.Before(cutoff) {
		cb.samples = cb.samples[1:]
	}

	if len(cb.samples) < cb.minRequests {
		return
	}
	failures := 0
	for _, s := range cb.samples {
		if !s.ok {
			failures++
		}
	}
	if float64(failures)/float64(len(cb.samples)) >= cb.failureRatio {
		cb.state = breakerOpen
		cb.openedAt = now
	}
}

// Open reports whether the breaker is currently open.
func (cb *CircuitBreaker) Open() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state == breakerOpen
}
