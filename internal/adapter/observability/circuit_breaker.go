package observability

import (
	"fmt"
	"sync"
	"time"
)

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState int

const (
	// StateClosed means the circuit breaker is closed and requests are allowed.
	StateClosed CircuitBreakerState = iota
	// StateOpen means the circuit breaker is open and requests are blocked.
	StateOpen
	// StateHalfOpen means the circuit breaker is half-open and testing requests.
	StateHalfOpen
)

// CircuitBreaker guards calls to an external collaborator (the browser farm)
// so a dead endpoint fails fast instead of tying workers up in timeouts.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	timeout      time.Duration
	state        CircuitBreakerState
	failures     int
	lastFailure  time.Time
	mu           sync.Mutex
	successCount int
	// halfOpenCalls counts calls admitted since entering half-open; at most
	// halfOpenMax are let through before the next transition.
	halfOpenCalls int
	halfOpenMax   int
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(name string, maxFailures int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:        name,
		maxFailures: maxFailures,
		timeout:     timeout,
		state:       StateClosed,
		halfOpenMax: 3,
	}
}

// Call executes fn with circuit breaker protection. The mutex only guards
// state transitions; fn itself runs unlocked so concurrent calls never
// queue behind a slow one.
func (cb *CircuitBreaker) Call(fn func() error) error {
	cb.mu.Lock()
	if cb.state == StateOpen && time.Since(cb.lastFailure) >= cb.timeout {
		cb.state = StateHalfOpen
		cb.halfOpenCalls = 0
		cb.successCount = 0
	}

	if !cb.allow() {
		state := cb.state
		cb.mu.Unlock()
		RecordCircuitBreakerStatus(cb.name, "call", int(state))
		return fmt.Errorf("circuit breaker %s is %s", cb.name, stateString(state))
	}
	if cb.state == StateHalfOpen {
		cb.halfOpenCalls++
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	cb.observe(err)
	state := cb.state
	cb.mu.Unlock()
	RecordCircuitBreakerStatus(cb.name, "call", int(state))
	return err
}

func (cb *CircuitBreaker) allow() bool {
	switch cb.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		return cb.halfOpenCalls < cb.halfOpenMax
	default:
		return false
	}
}

func (cb *CircuitBreaker) observe(err error) {
	if err != nil {
		cb.failures++
		cb.lastFailure = time.Now()
		// Any failure during half-open reopens immediately.
		if cb.state == StateHalfOpen || cb.failures >= cb.maxFailures {
			cb.state = StateOpen
		}
		return
	}
	if cb.state == StateClosed {
		cb.failures = 0
	}
	if cb.state == StateHalfOpen {
		cb.successCount++
		if cb.successCount >= cb.halfOpenMax {
			cb.state = StateClosed
			cb.successCount = 0
			cb.halfOpenCalls = 0
			cb.failures = 0
		}
	}
}

func stateString(s CircuitBreakerState) string {
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

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset returns the circuit breaker to the closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.successCount = 0
	cb.halfOpenCalls = 0
}
