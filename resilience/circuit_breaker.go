package resilience

import (
	"sync"
	"time"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed allows all requests through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen allows one probe request to test recovery
	StateHalfOpen
)

// String returns the string representation of the state
func (s CircuitState) String() string {
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

// CircuitBreaker protects a dependency from repeated calls while it is
// failing. After FailureThreshold consecutive failures the circuit
// opens; after SleepWindow a single probe is allowed through, and a
// success closes the circuit again.
type CircuitBreaker struct {
	failureThreshold int
	sleepWindow      time.Duration

	mu           sync.Mutex
	state        CircuitState
	failures     int
	lastFailure  time.Time
	halfOpenBusy bool
}

// NewCircuitBreaker creates a breaker with the given thresholds.
// Non-positive values fall back to 5 failures / 30 s.
func NewCircuitBreaker(failureThreshold int, sleepWindow time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if sleepWindow <= 0 {
		sleepWindow = 30 * time.Second
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		sleepWindow:      sleepWindow,
		state:            StateClosed,
	}
}

// CanExecute reports whether a call may proceed right now
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.lastFailure) >= cb.sleepWindow {
			cb.state = StateHalfOpen
			cb.halfOpenBusy = true
			return true
		}
		return false
	case StateHalfOpen:
		if cb.halfOpenBusy {
			return false
		}
		cb.halfOpenBusy = true
		return true
	default:
		return false
	}
}

// RecordSuccess notes a successful call and closes the circuit
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.state = StateClosed
	cb.halfOpenBusy = false
}

// RecordFailure notes a failed call, opening the circuit at the threshold
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = time.Now()
	cb.halfOpenBusy = false
	if cb.state == StateHalfOpen || cb.failures >= cb.failureThreshold {
		cb.state = StateOpen
	}
}

// State returns the current state
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
