package store

import (
	"context"
	"time"
)

const retryBaseDelay = 5 * time.Millisecond

// Retry runs fn up to attempts times while retryable(err) holds, backing off
// linearly between attempts. The last error is returned unchanged.
func Retry(ctx context.Context, attempts int, retryable func(error) bool, fn func() error) error {
	return RetryNotify(ctx, attempts, retryable, nil, fn)
}

// RetryNotify is Retry with onRetry called before each backoff, so it only
// fires when another attempt follows.
func RetryNotify(ctx context.Context, attempts int, retryable func(error) bool, onRetry func(attempt int, err error), fn func() error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil || !retryable(err) || attempt == attempts {
			return err
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		timer := time.NewTimer(time.Duration(attempt) * retryBaseDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
