package resilience

import (
	"context"
	"math/rand"
	"time"

	"github.com/cockroachdb/errors"
)

// RetryConfig defines the retry policy for an operation.
type RetryConfig struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration

	// BackoffMultiplier scales the delay after each retry.
	BackoffMultiplier float64

	// Jitter randomizes each delay by up to 20% to avoid thundering herds.
	Jitter bool

	// RetryableErrors decides whether an error is worth retrying.
	RetryableErrors func(err error) bool
}

// DefaultRetryConfig returns a policy suitable for short network calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		RetryableErrors:   DefaultRetryableErrors,
	}
}

// DefaultRetryableErrors treats every error as retryable except nil and
// context cancellation.
func DefaultRetryableErrors(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// Retry runs fn until it succeeds, returns a non-retryable error, the retry
// budget is exhausted, or ctx is done. The last error from fn is returned.
func Retry(ctx context.Context, config RetryConfig, fn func() error) error {
	retryable := config.RetryableErrors
	if retryable == nil {
		retryable = DefaultRetryableErrors
	}

	var lastErr error
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errors.CombineErrors(ctx.Err(), lastErr)
			case <-time.After(calculateBackoff(attempt-1, config)):
			}
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// ExponentialBackoff retries fn up to maxRetries times with doubling delays
// starting at initialBackoff.
func ExponentialBackoff(ctx context.Context, maxRetries int, initialBackoff time.Duration, fn func() error) error {
	return Retry(ctx, RetryConfig{
		MaxRetries:        maxRetries,
		InitialBackoff:    initialBackoff,
		MaxBackoff:        0,
		BackoffMultiplier: 2.0,
	}, fn)
}

func calculateBackoff(attempt int, config RetryConfig) time.Duration {
	backoff := float64(config.InitialBackoff)
	for i := 0; i < attempt; i++ {
		backoff *= config.BackoffMultiplier
	}
	if config.MaxBackoff > 0 && backoff > float64(config.MaxBackoff) {
		backoff = float64(config.MaxBackoff)
	}
	if config.Jitter {
		backoff += backoff * 0.2 * (rand.Float64() - 0.5)
	}
	return time.Duration(backoff)
}
