package util

import (
	"context"
	"time"

	"github.com/go-logr/logr"
)

var logger = logr.Discard()

// SetLogger sets the logger used by the package level helpers. It is called
// once by the supervisor during startup.
func SetLogger(l logr.Logger) {
	logger = l.WithName("util")
}

// RetryResult captures the result of retrying an operation.
type RetryResult[T any] struct {
	Value T
	Err   error
}

// Retry retries an operation `numAttempts` times waiting `backOff` between
// attempts. It stops early when the context is cancelled or canRetry returns
// false for the last error.
func Retry[T any](ctx context.Context, operation string, fn func() (T, error), numAttempts int, backOff time.Duration, canRetry func(error) bool) RetryResult[T] {
	var result T
	var err error
	for i := 1; i <= numAttempts; i++ {
		select {
		case <-ctx.Done():
			logger.Error(ctx.Err(), "context has been cancelled, stopping retry", "operation", operation)
			return RetryResult[T]{Err: ctx.Err()}
		default:
		}
		result, err = fn()
		if err == nil {
			return RetryResult[T]{Value: result, Err: err}
		}
		if !canRetry(err) {
			logger.Error(err, "exiting retry as canRetry has returned false", "operation", operation, "exitOnAttempt", i)
			return RetryResult[T]{Err: err}
		}
		select {
		case <-ctx.Done():
			logger.Error(ctx.Err(), "context has been cancelled, stopping retry", "operation", operation)
			return RetryResult[T]{Err: ctx.Err()}
		case <-time.After(backOff):
			logger.V(4).Info("will attempt to retry operation", "operation", operation, "currentAttempt", i, "error", err)
		}
	}
	return RetryResult[T]{Value: result, Err: err}
}

// RetryUntilPredicate retries predicateFn every `interval` until it returns
// true, the timeout expires or the context is cancelled.
func RetryUntilPredicate(ctx context.Context, operation string, predicateFn func() bool, timeout time.Duration, interval time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.V(4).Info("context has been cancelled, exiting retrying operation", "operation", operation)
			return false
		case <-timer.C:
			logger.V(4).Info("timed out waiting for predicateFn to be true", "operation", operation)
			return false
		default:
			if predicateFn() {
				return true
			}
			select {
			case <-ctx.Done():
				return false
			case <-time.After(interval):
			}
		}
	}
}

// AlwaysRetry can be passed to Retry when every error is retriable.
func AlwaysRetry(_ error) bool {
	return true
}
