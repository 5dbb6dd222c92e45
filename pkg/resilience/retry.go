package resilience

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/zali-labs/quest-indexer/pkg/utils"
)

// RetryOptions controls WithRetry behavior.
type RetryOptions struct {
	MaxAttempts  int           `json:"max_attempts"`
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	Multiplier   float64       `json:"multiplier"`
	JitterFactor float64       `json:"jitter_factor"`
	// Deadline bounds the whole retry sequence, including waits.
	// Zero means no overall deadline beyond the caller's context.
	Deadline time.Duration `json:"deadline"`
	// RetryIf decides whether an error is worth another attempt.
	// Defaults to IsRetryableError.
	RetryIf func(error) bool `json:"-"`
}

// DefaultRetryOptions returns the retry settings used for chain RPC calls.
func DefaultRetryOptions() *RetryOptions {
	return &RetryOptions{
		MaxAttempts:  5,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.2,
	}
}

// CalculateBackoffDelay returns the wait before the given attempt
// (1-based): exponential growth with jitter, capped at MaxDelay.
func CalculateBackoffDelay(attempt int, opts *RetryOptions) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(opts.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= opts.Multiplier
		if delay >= float64(opts.MaxDelay) {
			delay = float64(opts.MaxDelay)
			break
		}
	}
	if opts.JitterFactor > 0 {
		jitter := delay * opts.JitterFactor
		delay = delay - jitter + rand.Float64()*2*jitter
	}
	if delay > float64(opts.MaxDelay) {
		delay = float64(opts.MaxDelay)
	}
	return time.Duration(delay)
}

// WithRetry invokes operation, retrying retryable failures up to
// MaxAttempts with backoff between attempts. Non-retryable errors
// propagate immediately. Waits abort as soon as ctx is cancelled or
// the overall deadline expires.
func WithRetry(ctx context.Context, operation func(ctx context.Context) error, opts *RetryOptions) error {
	if opts == nil {
		opts = DefaultRetryOptions()
	}
	retryIf := opts.RetryIf
	if retryIf == nil {
		retryIf = IsRetryableError
	}

	if opts.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Deadline)
		defer cancel()
	}

	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = operation(ctx)
		if lastErr == nil {
			return nil
		}
		if !retryIf(lastErr) {
			return lastErr
		}
		if attempt == opts.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(CalculateBackoffDelay(attempt, opts)):
		}
	}
	return lastErr
}

// IsRetryableError classifies errors from the upstream chain endpoint.
// Network and timeout failures are retryable; validation, configuration
// and credential failures are not.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var appErr *utils.AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case utils.ErrCodeConnection, utils.ErrCodeBlockchain:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"timeout",
		"timed out",
		"temporarily unavailable",
		"too many requests",
		"eof",
		"websocket: close",
		"no such host",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
