package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted marks a retry loop that ran out of attempts. The last
// underlying error stays in the chain for errors.Is/As inspection.
var ErrExhausted = errors.New("backoff: attempts exhausted")

// Sleep waits out the delay for a 1-indexed attempt, returning early with
// ctx.Err() on cancellation.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	return SleepFor(ctx, p.Delay(attempt))
}

// SleepFor is a context-aware time.Sleep.
func SleepFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry runs fn up to maxAttempts times under the policy, sleeping between
// failures. fn receives the 1-indexed attempt number. On exhaustion the
// returned error wraps both ErrExhausted and fn's last error; on context
// cancellation it is ctx.Err().
func Retry[T any](ctx context.Context, p Policy, maxAttempts int, fn func(attempt int) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		v, err := fn(attempt)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if attempt < maxAttempts {
			if err := p.Sleep(ctx, attempt); err != nil {
				return zero, err
			}
		}
	}
	return zero, fmt.Errorf("%w: %w", ErrExhausted, lastErr)
}
