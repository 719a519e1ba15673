package payout

import (
	"context"
	"fmt"
	"time"
)

type RetryPolicy struct {
	Attempts int
	Timeout  time.Duration
	Backoff  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Timeout: 10 * time.Second, Backoff: 100 * time.Millisecond}
}

// withRetry runs fn up to p.Attempts times, each under its own timeout,
// sleeping Backoff*attempt between tries. The last error is wrapped in
// ErrExternalCallFailed.
func withRetry[T any](ctx context.Context, p RetryPolicy, onRetry func(attempt int, err error), fn func(context.Context) (T, error)) (T, error) {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var zero T
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		callCtx := ctx
		cancel := func() {}
		if p.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		v, err := fn(callCtx)
		cancel()
		if err == nil {
			return v, nil
		}
		lastErr = err
		if ctx.Err() != nil || attempt == attempts {
			break
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("%w: %v", ErrExternalCallFailed, ctx.Err())
		case <-time.After(p.Backoff * time.Duration(attempt)):
		}
	}
	return zero, fmt.Errorf("%w: %w", ErrExternalCallFailed, lastErr)
}
