package source

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	fetchAttempts = 3
	retryDelay    = 2 * time.Second
)

// withRetry runs fn up to fetchAttempts times with a fixed delay between
// attempts. The last error is returned once attempts are exhausted; that
// failure is terminal for the table being synced, not for the whole run.
func withRetry[T any](ctx context.Context, log *slog.Logger, op string, delay time.Duration, fn func() (T, error)) (zero T, _ error) {
	var lastErr error
	for attempt := 1; attempt <= fetchAttempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt < fetchAttempts {
			log.Warn("fetch failed, retrying",
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", fetchAttempts),
				slog.Any("error", err),
			)
			select {
			case <-ctx.Done():
				return zero, fmt.Errorf("%s: %w", op, ctx.Err())
			case <-time.After(delay):
			}
		}
	}
	return zero, fmt.Errorf("%s failed after %d attempts: %w", op, fetchAttempts, lastErr)
}
