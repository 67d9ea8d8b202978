// SPDX-License-Identifier: MPL-2.0

package registry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RetryableError wraps an error to mark it as transient. Only wrapped
// errors trigger retries; integrity and not-found failures never do.
type RetryableError struct{ Err error }

// Retryable wraps err as retryable. Returns nil for a nil err.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// Error returns the wrapped error's message.
func (e *RetryableError) Error() string { return e.Err.Error() }

// Unwrap returns the wrapped error.
func (e *RetryableError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is marked transient.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// RetryWithBackoff runs op up to maxAttempts times with exponential
// backoff, rechecking ctx between attempts so cancellation aborts
// immediately instead of sleeping through it. Non-retryable errors are
// returned as-is on first occurrence.
func RetryWithBackoff(ctx context.Context, maxAttempts int, baseBackoff time.Duration, op func() error) error {
	var lastErr error
	for attempt := range maxAttempts {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry aborted: %w", ctx.Err())
			case <-time.After(baseBackoff * time.Duration(1<<(attempt-1))):
			}
		}

		err := op()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		lastErr = err
	}
	return lastErr
}
