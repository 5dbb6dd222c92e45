package resilience

import "context"

// ResilientExecutor composes retry and circuit breaking for a single
// call site against the chain endpoint.
type ResilientExecutor struct {
	retry   *RetryOptions
	breaker *CircuitBreaker
}

// NewResilientExecutor creates an executor. Nil options use defaults.
func NewResilientExecutor(retry *RetryOptions, breakerCfg *CircuitBreakerConfig) *ResilientExecutor {
	if retry == nil {
		retry = DefaultRetryOptions()
	}
	return &ResilientExecutor{
		retry:   retry,
		breaker: NewCircuitBreaker(breakerCfg),
	}
}

// Execute runs operation through the breaker and the retry policy.
// When the breaker is open the operation is not invoked at all.
func (e *ResilientExecutor) Execute(ctx context.Context, operation func(ctx context.Context) error) error {
	if !e.breaker.Allow() {
		return ErrCircuitOpen
	}

	err := WithRetry(ctx, operation, e.retry)
	if err != nil {
		e.breaker.RecordFailure()
		return err
	}
	e.breaker.RecordSuccess()
	return nil
}

// Breaker exposes the underlying breaker for state observation.
func (e *ResilientExecutor) Breaker() *CircuitBreaker {
	return e.breaker
}
