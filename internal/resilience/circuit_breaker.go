package resilience

import (
	"fmt"
	"sync"
	"time"
)

// CircuitState represents the circuit breaker state.
type CircuitState string

const (
	StateClosed   CircuitState = "closed"    // normal operation
	StateOpen     CircuitState = "open"      // failures exceeded threshold
	StateHalfOpen CircuitState = "half_open" // testing if recovered
)

// CircuitBreaker guards the single inference engine. Unlike the
// teacher's multi-tenant/multi-provider breaker, there is exactly one
// protected resource here, so the state lives in one mutex-guarded
// struct rather than a per-(tenant,provider) map.
type CircuitBreaker struct {
	mu           sync.Mutex
	state        CircuitState
	failureCount int
	openedAt     time.Time
	threshold    int
	cooldown     time.Duration
}

// NewCircuitBreaker creates a circuit breaker with the given failure
// threshold and open-state cooldown.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:     StateClosed,
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// Allow reports whether a request may proceed, transitioning an open
// circuit to half-open once the cooldown has elapsed.
func (cb *CircuitBreaker) Allow() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return true, nil
	case StateOpen:
		if time.Since(cb.openedAt) > cb.cooldown {
			cb.state = StateHalfOpen
			return true, nil
		}
		return false, fmt.Errorf("circuit breaker open: inference engine unavailable")
	default:
		return true, nil
	}
}

// RecordSuccess closes the circuit if it was half-open and resets the
// failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount = 0
	cb.state = StateClosed
}

// RecordFailure increments the failure count and opens the circuit once
// the threshold is reached.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	if cb.state == StateHalfOpen || cb.failureCount >= cb.threshold {
		cb.state = StateOpen
		cb.openedAt = time.Now()
	}
}

// State returns the current state and an integer code suitable for a
// gauge metric (0=closed, 1=half-open, 2=open).
func (cb *CircuitBreaker) State() (CircuitState, int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		return cb.state, 1
	case StateOpen:
		return cb.state, 2
	default:
		return cb.state, 0
	}
}
