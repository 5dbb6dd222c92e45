package resilience

import (
	"errors"
	"sync"
	"time"
)

// CircuitState is the state of a CircuitBreaker.
type CircuitState int

const (
	// CircuitClosed allows all calls through
	CircuitClosed CircuitState = iota
	// CircuitOpen fails fast without attempting the operation
	CircuitOpen
	// CircuitHalfOpen allows a limited number of probe calls
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the breaker rejects a call without
// invoking the underlying operation.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig controls breaker thresholds.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening
	FailureThreshold int `json:"failure_threshold"`
	// CooldownPeriod is how long the circuit stays open before probing
	CooldownPeriod time.Duration `json:"cooldown_period"`
	// HalfOpenProbes is the number of probe calls allowed while half-open
	HalfOpenProbes int `json:"half_open_probes"`
}

// DefaultCircuitBreakerConfig returns the default breaker configuration.
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		FailureThreshold: 5,
		CooldownPeriod:   30 * time.Second,
		HalfOpenProbes:   1,
	}
}

// CircuitBreaker tracks consecutive failures of an operation and fails
// fast while the upstream is considered down. Closed -> Open after the
// failure threshold, Open -> HalfOpen after the cooldown, HalfOpen ->
// Closed on probe success or back to Open on probe failure.
type CircuitBreaker struct {
	config *CircuitBreakerConfig

	mu              sync.RWMutex
	state           CircuitState
	failures        int
	probes          int
	probeSuccesses  int
	lastFailure     time.Time
	lastStateChange time.Time
	// onStateChange, if set, is invoked (without the lock held by the
	// caller's goroutine re-entering the breaker) on every transition.
	onStateChange func(from, to CircuitState)
}

// NewCircuitBreaker creates a breaker with the given config.
func NewCircuitBreaker(config *CircuitBreakerConfig) *CircuitBreaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}
	return &CircuitBreaker{
		config:          config,
		state:           CircuitClosed,
		lastStateChange: time.Now(),
	}
}

// OnStateChange registers a transition callback.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to CircuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Allow reports whether a call may proceed. In the open state it flips
// to half-open once the cooldown has elapsed and admits probe calls.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(cb.lastStateChange) >= cb.config.CooldownPeriod {
			cb.transition(CircuitHalfOpen)
			cb.probes = 1
			return true
		}
		return false
	case CircuitHalfOpen:
		if cb.probes < cb.config.HalfOpenProbes {
			cb.probes++
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state == CircuitHalfOpen {
		cb.probeSuccesses++
		if cb.probeSuccesses >= cb.config.HalfOpenProbes {
			cb.transition(CircuitClosed)
		}
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = time.Now()

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		// Any probe failure reopens the circuit
		cb.transition(CircuitOpen)
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Failures returns the current consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failures
}

// transition must be called with cb.mu held.
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.lastStateChange = time.Now()
	cb.probes = 0
	cb.probeSuccesses = 0
	if cb.onStateChange != nil {
		go cb.onStateChange(from, to)
	}
}
