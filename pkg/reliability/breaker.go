package reliability

import (
	"sync"
	"time"
)

// Circuit breaker policy
const (
	// FailureThreshold is the consecutive-failure count that opens the circuit
	FailureThreshold = 5

	// OpenTimeout is how long the circuit blocks requests once open
	OpenTimeout = 60 * time.Second
)

// CircuitBreaker halts upload attempts after repeated failures.
//
// The open state is derived from elapsed time: once OpenTimeout has
// passed the breaker is half-open and allows a probe request, but the
// failure counter survives until a success closes the circuit.
type CircuitBreaker struct {
	mu sync.Mutex

	consecutiveFailures int
	open                bool
	openedAt            time.Time

	now func() time.Time
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker() *CircuitBreaker {
	return &CircuitBreaker{now: time.Now}
}

// ShouldAllowRequest reports whether an upload attempt may proceed
func (b *CircuitBreaker) ShouldAllowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return true
	}
	// Half-open once the timeout elapses; the counter stays until a success.
	return b.now().Sub(b.openedAt) >= OpenTimeout
}

// RecordSuccess resets the failure counter and closes the circuit
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.open = false
	b.openedAt = time.Time{}
}

// RecordFailure increments the failure counter, opening the circuit
// when it first reaches the threshold. Returns true if this failure
// opened (or re-opened) the circuit.
func (b *CircuitBreaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	if b.consecutiveFailures < FailureThreshold {
		return false
	}

	if !b.open {
		b.open = true
		b.openedAt = b.now()
		return true
	}
	// A failed half-open probe restarts the open window.
	if b.now().Sub(b.openedAt) >= OpenTimeout {
		b.openedAt = b.now()
		return true
	}
	return false
}

// ConsecutiveFailures returns the current consecutive failure count
func (b *CircuitBreaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}

// IsOpen reports whether the circuit is open and still blocking
func (b *CircuitBreaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open && b.now().Sub(b.openedAt) < OpenTimeout
}

// RemainingOpenTime returns how long until the circuit half-opens,
// or zero if requests are already allowed.
func (b *CircuitBreaker) RemainingOpenTime() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return 0
	}
	remaining := OpenTimeout - b.now().Sub(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}
