package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"
)

func noSleep(context.Context, time.Duration) error { return nil }

func TestRetrySucceedsOnTransientLock(t *testing.T) {
	calls := 0
	err := retryOnDBLock(context.Background(), DefaultRetryConfig(), func() error {
		calls++
		if calls <= 3 {
			return errors.New("database is locked (5) (SQLITE_BUSY)")
		}
		return nil
	}, noSleep)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 4 {
		t.Fatalf("expected 4 calls, got %d", calls)
	}
}

func TestRetryNoRetryOnOtherErrors(t *testing.T) {
	calls := 0
	err := retryOnDBLock(context.Background(), DefaultRetryConfig(), func() error {
		calls++
		return errors.New("UNIQUE constraint failed: books.id")
	}, noSleep)
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected 1 call (no retry), got %d", calls)
	}
}

func TestRetryExhaustsAllAttempts(t *testing.T) {
	calls := 0
	cfg := DefaultRetryConfig()
	err := retryOnDBLock(context.Background(), cfg, func() error {
		calls++
		return errors.New("database is locked")
	}, noSleep)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 1+cfg.MaxRetries {
		t.Fatalf("expected %d calls, got %d", 1+cfg.MaxRetries, calls)
	}
}

func TestRetryStopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := retryOnDBLock(ctx, DefaultRetryConfig(), func() error {
		calls++
		return errors.New("database is locked")
	}, sleepCtx)
	if err == nil || calls != 1 {
		t.Fatalf("expected one call and the lock error, got calls=%d err=%v", calls, err)
	}
}

func TestRetryExponentialBackoff(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 4, BaseDelay: 10 * time.Millisecond, JitterPct: 0}
	var sleeps []time.Duration

	_ = retryOnDBLock(context.Background(), cfg, func() error {
		return errors.New("database is locked")
	}, func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	})

	expected := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 80 * time.Millisecond}
	if len(sleeps) != len(expected) {
		t.Fatalf("expected %d sleeps, got %d", len(expected), len(sleeps))
	}
	for i, d := range sleeps {
		if d != expected[i] {
			t.Errorf("sleep[%d] = %v, expected %v", i, d, expected[i])
		}
	}
}

func TestRetryJitterBounds(t *testing.T) {
	cfg := DefaultRetryConfig()
	var sleeps []time.Duration
	_ = retryOnDBLock(context.Background(), cfg, func() error {
		return errors.New("database is locked")
	}, func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	})
	for i, d := range sleeps {
		base := cfg.BaseDelay * (1 << i)
		maxJitter := time.Duration(float64(base) * cfg.JitterPct)
		if d < base || d > base+maxJitter {
			t.Errorf("sleep[%d] = %v, expected [%v, %v]", i, d, base, base+maxJitter)
		}
	}
}
