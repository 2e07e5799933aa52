// Package inventory owns the per-book copy counters. It is the only writer of
// totalCopies and availableCopies.
package inventory

import (
	"context"
	"log/slog"

	"github.com/mistakeknot/circulate/internal/core"
	"github.com/mistakeknot/circulate/internal/storage"
)

type Ledger struct {
	store  storage.Store
	clock  core.Clock
	logger *slog.Logger
}

func NewLedger(store storage.Store, clock core.Clock, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, clock: clock, logger: logger}
}

// Checkout takes one copy inside the caller's transaction.
func (l *Ledger) Checkout(ctx context.Context, tx storage.Tx, bookID string) error {
	ok, err := tx.Books().Take(ctx, bookID)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	// Nothing was decremented; tell a missing book apart from an empty shelf.
	if _, err := tx.Books().Get(ctx, bookID); err != nil {
		return err
	}
	return core.ErrOutOfStock.Withf("book %s has no available copies", bookID)
}

// ReturnCopy gives one copy back inside the caller's transaction. The counter
// never exceeds the total, which matters when a resize shrank the title while
// copies were out.
func (l *Ledger) ReturnCopy(ctx context.Context, tx storage.Tx, bookID string) error {
	return tx.Books().Put(ctx, bookID)
}

// Available reads the current counter inside the caller's transaction.
func (l *Ledger) Available(ctx context.Context, tx storage.Tx, bookID string) (int, error) {
	b, err := tx.Books().Get(ctx, bookID)
	if err != nil {
		return 0, err
	}
	return b.AvailableCopies, nil
}

// ResizeTotal changes a title's total and shifts available by the same delta,
// clamped into [0, newTotal].
func (l *Ledger) ResizeTotal(ctx context.Context, bookID string, newTotal int) (core.Book, error) {
	if newTotal < 0 {
		return core.Book{}, core.Validation("total copies must be >= 0, got %d", newTotal)
	}
	var book core.Book
	err := l.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.Books().Resize(ctx, bookID, newTotal); err != nil {
			return err
		}
		var err error
		book, err = tx.Books().Get(ctx, bookID)
		return err
	})
	if err != nil {
		return core.Book{}, err
	}
	l.logger.Info("book resized",
		slog.String("book_id", bookID),
		slog.Int("total", book.TotalCopies),
		slog.Int("available", book.AvailableCopies),
	)
	return book, nil
}

// Register adds a new title with every copy on the shelf.
func (l *Ledger) Register(ctx context.Context, id, title string, copies int) (core.Book, error) {
	if id == "" {
		return core.Book{}, core.Validation("book id required")
	}
	if copies < 0 {
		return core.Book{}, core.Validation("total copies must be >= 0, got %d", copies)
	}
	book := core.Book{
		ID:              id,
		Title:           title,
		TotalCopies:     copies,
		AvailableCopies: copies,
		CreatedAt:       l.clock.Now(),
	}
	err := l.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.Books().Insert(ctx, book)
	})
	if err != nil {
		return core.Book{}, err
	}
	return book, nil
}

func (l *Ledger) Get(ctx context.Context, bookID string) (core.Book, error) {
	var book core.Book
	err := l.store.View(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		book, err = tx.Books().Get(ctx, bookID)
		return err
	})
	return book, err
}
