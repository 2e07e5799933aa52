package sqlite

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mistakeknot/circulate/internal/core"
	"github.com/mistakeknot/circulate/internal/storage"
)

var _ storage.Store = (*ResilientStore)(nil)

// ResilientStore runs every transaction through a CircuitBreaker and retries
// lock contention. Business rule errors and caller cancellation pass straight
// through: they are neither retried nor counted as failures.
type ResilientStore struct {
	inner storage.Store
	cb    *CircuitBreaker
	retry RetryConfig
}

// NewResilient wraps inner with default settings (threshold=5, resetTimeout=30s).
func NewResilient(inner storage.Store, logger *slog.Logger) *ResilientStore {
	return NewResilientWithBreaker(inner, NewCircuitBreaker(5, 30*time.Second), logger)
}

func NewResilientWithBreaker(inner storage.Store, cb *CircuitBreaker, logger *slog.Logger) *ResilientStore {
	if logger != nil {
		cb.OnStateChange(func(from, to BreakerState) {
			logger.Warn("circuit breaker state change",
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		})
	}
	return &ResilientStore{inner: inner, cb: cb, retry: DefaultRetryConfig()}
}

// CircuitBreakerState returns the current state of the circuit breaker as a string.
func (r *ResilientStore) CircuitBreakerState() string {
	return r.cb.State().String()
}

func (r *ResilientStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	return r.do(ctx, func() error { return r.inner.RunInTx(ctx, fn) })
}

func (r *ResilientStore) View(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	return r.do(ctx, func() error { return r.inner.View(ctx, fn) })
}

func (r *ResilientStore) Close() error {
	return r.inner.Close()
}

func (r *ResilientStore) do(ctx context.Context, op func() error) error {
	var passthrough error
	err := r.cb.Execute(func() error {
		return retryOnDBLock(ctx, r.retry, func() error {
			err := op()
			if core.IsDomainError(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				passthrough = err
				return nil
			}
			passthrough = nil
			return err
		}, sleepCtx)
	})
	if err != nil {
		return err
	}
	return passthrough
}
