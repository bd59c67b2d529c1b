package retry

import (
	"context"
	"fmt"
	"time"
)

// Config controls the retry policy
type Config struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// BaseDelay is the wait before the first retry; it doubles on each retry.
	BaseDelay time.Duration
	// Sleep waits between attempts. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry is called before each wait.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Delay returns the wait before retry number attempt (0-based)
func (c Config) Delay(attempt int) time.Duration {
	return c.BaseDelay * time.Duration(1<<uint(attempt))
}

// Error reports that all attempts failed
type Error struct {
	Attempts  int
	LastError error
}

func (e *Error) Error() string {
	return fmt.Sprintf("all %d attempts failed: %v", e.Attempts, e.LastError)
}

func (e *Error) Unwrap() error {
	return e.LastError
}

// Do runs op until it succeeds, retryable reports false, or retries are exhausted.
// A non-retryable error is returned as is; exhaustion returns *Error.
func Do[T any](ctx context.Context, cfg Config, retryable func(error) bool, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if retryable != nil && !retryable(err) {
			return zero, err
		}
		lastErr = err
		if attempt == cfg.MaxRetries {
			break
		}

		delay := cfg.Delay(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, delay, err)
		}
		if err := sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
	return zero, &Error{Attempts: cfg.MaxRetries + 1, LastError: lastErr}
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
