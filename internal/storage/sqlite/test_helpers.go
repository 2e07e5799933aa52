package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/mistakeknot/circulate/internal/core"
	"github.com/mistakeknot/circulate/internal/storage"
)

// NewSQLiteTest returns an in-memory store closed at test cleanup.
func NewSQLiteTest(t testing.TB) *Store {
	t.Helper()
	st, err := NewInMemory()
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// SeedBook registers a book with every copy available.
func SeedBook(t testing.TB, st storage.Store, id string, copies int) {
	t.Helper()
	err := st.RunInTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		return tx.Books().Insert(ctx, core.Book{
			ID:              id,
			Title:           "Title " + id,
			TotalCopies:     copies,
			AvailableCopies: copies,
			CreatedAt:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		})
	})
	if err != nil {
		t.Fatalf("seed book %s: %v", id, err)
	}
}

// SeedLoan inserts a loan row directly, bypassing the lending rules.
func SeedLoan(t testing.TB, st storage.Store, l core.Loan) {
	t.Helper()
	err := st.RunInTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		return tx.Loans().Insert(ctx, l)
	})
	if err != nil {
		t.Fatalf("seed loan %s: %v", l.ID, err)
	}
}
