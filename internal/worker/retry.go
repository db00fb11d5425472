package worker

import (
	"context"
	"math"
	"strings"
	"time"
)

// RetryPolicy controls Retry
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first one
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Retriable decides whether an error is worth another attempt; nil retries everything
	Retriable func(error) bool
}

// Backoff returns base * 2^attempt, capped at max when max > 0.
// attempt is zero-based.
func Backoff(base time.Duration, attempt int, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if max > 0 && (d > max || d < 0) {
		return max
	}
	return d
}

// Retry runs fn until it succeeds, returns a non-retriable error, runs out
// of attempts, or ctx is done. It returns the number of attempts made and
// the last error.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context, attempt int) error) (int, error) {
	attempts := policy.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return attempt, lastErr
			}
			return attempt, err
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return attempt + 1, nil
		}
		if policy.Retriable != nil && !policy.Retriable(lastErr) {
			return attempt + 1, lastErr
		}

		if attempt < attempts-1 {
			if err := Sleep(ctx, Backoff(policy.BaseDelay, attempt, policy.MaxDelay)); err != nil {
				return attempt + 1, lastErr
			}
		}
	}
	return attempts, lastErr
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsTransient classifies network and 5xx style failures from blob stores
// and databases as worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "temporary") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "database is locked") ||
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "gateway timeout")
}
