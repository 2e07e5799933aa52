package sqlite

import (
	"context"
	"math/rand"
	"strings"
	"time"
)

// RetryConfig controls exponential backoff retry behavior.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	JitterPct  float64 // e.g. 0.25 for 25% jitter
}

// DefaultRetryConfig returns the default retry configuration:
// 7 retries, 50ms base, 25% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 7,
		BaseDelay:  50 * time.Millisecond,
		JitterPct:  0.25,
	}
}

// retryOnDBLock retries fn on "database is locked" / "busy" errors. It gives
// up early when ctx is done.
func retryOnDBLock(ctx context.Context, cfg RetryConfig, fn func() error, sleepFn func(context.Context, time.Duration) error) error {
	err := fn()
	for attempt := 1; err != nil && isDBLocked(err) && attempt <= cfg.MaxRetries; attempt++ {
		delay := cfg.BaseDelay * (1 << (attempt - 1))
		jitter := time.Duration(float64(delay) * rand.Float64() * cfg.JitterPct)
		if serr := sleepFn(ctx, delay+jitter); serr != nil {
			return err
		}
		err = fn()
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func isDBLocked(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}
