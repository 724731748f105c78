package admission

import (
	"log/slog"
	"sync"
	"time"
)

// CircuitState represents the current state of the store circuit breaker.
type CircuitState int

const (
	// StateClosed is the normal operating state: store round trips run.
	StateClosed CircuitState = iota

	// StateOpen means the store failed repeatedly. While open the gateway
	// skips store round trips entirely and admits requests (fail-open).
	StateOpen

	// StateHalfOpen lets store traffic resume to probe recovery; the next
	// success closes the circuit, the next failure reopens it.
	StateHalfOpen
)

// String returns a string representation of the circuit state.
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

// CircuitBreakerConfig holds configuration for the circuit breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive store failures that
	// opens the circuit. Default: 10.
	FailureThreshold int

	// RecoveryTimeout is how long the circuit stays open before a
	// half-open recovery probe. Default: 30 seconds.
	RecoveryTimeout time.Duration

	// Clock provides time abstraction for testing. Default: SystemClock.
	Clock Clock

	// Metrics receives state-change events. Default: NoOpMetrics.
	Metrics Metrics
}

// CircuitBreaker shields the gateway from a failing counter store.
//
// The breaker trades enforcement for availability: while open, the store
// is not consulted at all and every request is admitted. This keeps a
// store outage from stretching request latency with doomed round trips,
// at the cost of unenforced limits until the store recovers. Acceptable
// for overload protection; revisit before guarding anything that must
// deny on uncertainty.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu                  sync.RWMutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	lastStateChange     time.Time
}

// NewCircuitBreaker creates a circuit breaker with the given configuration,
// filling zero values with defaults.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 10
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 30 * time.Second
	}
	if config.Clock == nil {
		config.Clock = &SystemClock{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoOpMetrics{}
	}

	cb := &CircuitBreaker{
		config:          config,
		state:           StateClosed,
		lastStateChange: config.Clock.Now(),
	}
	config.Metrics.RecordCircuitState(cb.state.String())
	return cb
}

// Allow reports whether store round trips should run. It returns false
// only while the circuit is open; closed and half-open both let traffic
// through (half-open traffic is the recovery probe).
func (cb *CircuitBreaker) Allow() bool {
	cb.attemptRecovery()

	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state != StateOpen
}

// RecordSuccess records a successful store round trip.
//
// In half-open state this closes the circuit; otherwise it resets the
// consecutive failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen {
		cb.transition(StateClosed)
		return
	}
	cb.consecutiveFailures = 0
}

// RecordFailure records a failed store round trip.
//
// Reaching the threshold in closed state opens the circuit; any failure
// in half-open state reopens it immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = cb.config.Clock.Now()

	switch {
	case cb.state == StateHalfOpen:
		cb.transition(StateOpen)
	case cb.state == StateClosed && cb.consecutiveFailures >= cb.config.FailureThreshold:
		cb.transition(StateOpen)
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// IsOpen returns true if the circuit is currently open.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state == StateOpen
}

// Reset forces the circuit back to closed. Useful for tests and manual
// intervention.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.lastFailureTime = time.Time{}
	cb.transition(StateClosed)
}

// attemptRecovery moves an open circuit to half-open once the recovery
// timeout has elapsed.
func (cb *CircuitBreaker) attemptRecovery() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return
	}
	if cb.config.Clock.Now().Sub(cb.lastStateChange) >= cb.config.RecoveryTimeout {
		cb.transition(StateHalfOpen)
	}
}

// transition changes state, records metrics and logs. Caller holds cb.mu.
func (cb *CircuitBreaker) transition(next CircuitState) {
	prev := cb.state
	cb.state = next
	cb.lastStateChange = cb.config.Clock.Now()
	if next == StateClosed {
		cb.consecutiveFailures = 0
	}
	cb.config.Metrics.RecordCircuitState(next.String())

	slog.Warn("store circuit breaker state changed",
		slog.String("previous_state", prev.String()),
		slog.String("new_state", next.String()),
		slog.Int("consecutive_failures", cb.consecutiveFailures),
		slog.Duration("recovery_timeout", cb.config.RecoveryTimeout),
	)
}

// CircuitBreakerStats is a point-in-time view for monitoring.
type CircuitBreakerStats struct {
	State               CircuitState
	ConsecutiveFailures int
	LastFailureTime     time.Time
	LastStateChange     time.Time
	TimeSinceLastChange time.Duration
}

// Stats returns current circuit breaker statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	now := cb.config.Clock.Now()
	return CircuitBreakerStats{
		State:               cb.state,
		ConsecutiveFailures: cb.consecutiveFailures,
		LastFailureTime:     cb.lastFailureTime,
		LastStateChange:     cb.lastStateChange,
		TimeSinceLastChange: now.Sub(cb.lastStateChange),
	}
}
