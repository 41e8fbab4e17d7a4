package utils

import (
	"context"
	"time"
)

// PickRetryDelay returns the delay before the given attempt (1-based).
// Attempts past the end of delays reuse the last one.
func PickRetryDelay(attempt int, delays []time.Duration) time.Duration {
	if len(delays) == 0 {
		return 0
	}
	index := attempt - 1
	if index < 0 {
		index = 0
	}
	if index >= len(delays) {
		return delays[len(delays)-1]
	}
	return delays[index]
}

// Retry runs fn up to maxAttempts times, sleeping between attempts.
// shouldRetry may be nil, in which case every error is retried.
func Retry(ctx context.Context, maxAttempts int, delays []time.Duration, shouldRetry func(error) bool, fn func(ctx context.Context) error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == maxAttempts || (shouldRetry != nil && !shouldRetry(err)) {
			return err
		}
		delay := PickRetryDelay(attempt, delays)
		if delay <= 0 {
			if ctx.Err() != nil {
				return err
			}
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}
