package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mistakeknot/circulate/internal/core"
	"github.com/mistakeknot/circulate/internal/storage"
)

// flakyStore fails the first n transactions with err.
type flakyStore struct {
	storage.Store
	n     int
	err   error
	calls int
}

func (f *flakyStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	f.calls++
	if f.calls <= f.n {
		return f.err
	}
	return f.Store.RunInTx(ctx, fn)
}

func TestResilientRetriesLockedDatabase(t *testing.T) {
	inner := &flakyStore{Store: NewSQLiteTest(t), n: 2, err: errors.New("database is locked")}
	r := NewResilient(inner, nil)
	r.retry = RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond}

	ran := false
	err := r.RunInTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if !ran || inner.calls != 3 {
		t.Fatalf("ran=%v calls=%d, want true/3", ran, inner.calls)
	}
}

func TestResilientDomainErrorsDoNotTripBreaker(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Minute)
	r := NewResilientWithBreaker(NewSQLiteTest(t), cb, nil)

	calls := 0
	for i := 0; i < 5; i++ {
		err := r.RunInTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
			calls++
			return core.ErrOutOfStock
		})
		if !errors.Is(err, core.ErrOutOfStock) {
			t.Fatalf("expected out of stock, got %v", err)
		}
	}
	if calls != 5 {
		t.Fatalf("domain errors must not be retried: calls = %d", calls)
	}
	if r.CircuitBreakerState() != "closed" {
		t.Fatalf("breaker = %s, want closed", r.CircuitBreakerState())
	}
}

func TestResilientOpensOnInfrastructureFailures(t *testing.T) {
	inner := &flakyStore{Store: NewSQLiteTest(t), n: 100, err: errors.New("disk I/O error")}
	r := NewResilientWithBreaker(inner, NewCircuitBreaker(2, time.Minute), nil)
	noop := func(ctx context.Context, tx storage.Tx) error { return nil }

	for i := 0; i < 2; i++ {
		_ = r.RunInTx(context.Background(), noop)
	}
	if err := r.RunInTx(context.Background(), noop); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected open breaker, got %v", err)
	}
}
