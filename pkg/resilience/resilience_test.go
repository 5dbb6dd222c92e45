package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zali-labs/quest-indexer/pkg/utils"
)

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(&CircuitBreakerConfig{
		FailureThreshold: 3,
		CooldownPeriod:   time.Minute,
		HalfOpenProbes:   1,
	})

	assert.Equal(t, CircuitClosed, cb.State())

	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.State())

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.Allow())
}

func TestCircuitBreakerHalfOpenCycle(t *testing.T) {
	cb := NewCircuitBreaker(&CircuitBreakerConfig{
		FailureThreshold: 1,
		CooldownPeriod:   10 * time.Millisecond,
		HalfOpenProbes:   1,
	})

	cb.RecordFailure()
	require.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.Allow())

	time.Sleep(20 * time.Millisecond)

	// Cooldown elapsed: one probe is admitted, a second is not.
	assert.True(t, cb.Allow())
	assert.Equal(t, CircuitHalfOpen, cb.State())
	assert.False(t, cb.Allow())

	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.True(t, cb.Allow())
}

func TestCircuitBreakerProbeFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(&CircuitBreakerConfig{
		FailureThreshold: 1,
		CooldownPeriod:   10 * time.Millisecond,
		HalfOpenProbes:   1,
	})

	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	require.True(t, cb.Allow())

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.Allow())
}

func TestCircuitBreakerSuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker(&CircuitBreakerConfig{
		FailureThreshold: 3,
		CooldownPeriod:   time.Minute,
		HalfOpenProbes:   1,
	})

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCalculateBackoffDelayGrowsAndCaps(t *testing.T) {
	opts := &RetryOptions{
		MaxAttempts:  10,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		JitterFactor: 0, // deterministic for the assertion
	}

	assert.Equal(t, 100*time.Millisecond, CalculateBackoffDelay(1, opts))
	assert.Equal(t, 200*time.Millisecond, CalculateBackoffDelay(2, opts))
	assert.Equal(t, 400*time.Millisecond, CalculateBackoffDelay(3, opts))
	assert.Equal(t, 800*time.Millisecond, CalculateBackoffDelay(4, opts))
	assert.Equal(t, time.Second, CalculateBackoffDelay(5, opts))
	assert.Equal(t, time.Second, CalculateBackoffDelay(9, opts))
}

func TestWithRetrySucceedsAfterFailures(t *testing.T) {
	opts := &RetryOptions{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}

	attempts := 0
	err := WithRetry(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return utils.NewAppError(utils.ErrCodeConnection, "transient")
		}
		return nil
	}, opts)

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWithRetryStopsOnNonRetryable(t *testing.T) {
	opts := &RetryOptions{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}

	attempts := 0
	err := WithRetry(context.Background(), func(ctx context.Context) error {
		attempts++
		return utils.NewAppError(utils.ErrCodeValidation, "bad input")
	}, opts)

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestWithRetryHonorsContextCancellation(t *testing.T) {
	opts := &RetryOptions{
		MaxAttempts:  10,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := WithRetry(ctx, func(ctx context.Context) error {
		return utils.NewAppError(utils.ErrCodeConnection, "down")
	}, opts)

	require.Error(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"connection app error", utils.NewAppError(utils.ErrCodeConnection, "down"), true},
		{"blockchain app error", utils.NewAppError(utils.ErrCodeBlockchain, "rpc failed"), true},
		{"validation app error", utils.NewAppError(utils.ErrCodeValidation, "bad"), false},
		{"deadline", context.DeadlineExceeded, true},
		{"connection refused text", errors.New("dial tcp: connection refused"), true},
		{"plain error", errors.New("something else entirely"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryableError(tt.err))
		})
	}
}

func TestResilientExecutorFailsFastWhenOpen(t *testing.T) {
	exec := NewResilientExecutor(
		&RetryOptions{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
		&CircuitBreakerConfig{FailureThreshold: 1, CooldownPeriod: time.Minute, HalfOpenProbes: 1},
	)

	calls := 0
	failing := func(ctx context.Context) error {
		calls++
		return utils.NewAppError(utils.ErrCodeConnection, "down")
	}

	require.Error(t, exec.Execute(context.Background(), failing))
	require.Equal(t, CircuitOpen, exec.Breaker().State())

	err := exec.Execute(context.Background(), failing)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 1, calls)
}

func TestErrorAggregator(t *testing.T) {
	agg := NewErrorAggregator(2)
	assert.NoError(t, agg.Err())

	agg.Add(nil)
	assert.Equal(t, 0, agg.Count())

	agg.Add(errors.New("first"))
	agg.Add(errors.New("second"))
	agg.Add(errors.New("third"))

	require.Equal(t, 3, agg.Count())
	err := agg.Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "3 error(s)")
	assert.Contains(t, err.Error(), "first")
	assert.Contains(t, err.Error(), "and 1 more")
}
