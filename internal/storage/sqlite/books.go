package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mistakeknot/circulate/internal/core"
)

const bookColumns = `id, title, total_copies, available_copies, created_at`

type bookRepo struct {
	q DBTX
}

func (r bookRepo) Get(ctx context.Context, id string) (core.Book, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+bookColumns+` FROM books WHERE id = ?`, id)
	b, err := scanBook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Book{}, core.NotFound("book %s not found", id)
	}
	return b, err
}

func (r bookRepo) Insert(ctx context.Context, b core.Book) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO books (`+bookColumns+`) VALUES (?, ?, ?, ?, ?)`,
		b.ID, b.Title, b.TotalCopies, b.AvailableCopies, formatTime(b.CreatedAt),
	)
	if isUniqueViolation(err) {
		return core.ErrConflict.Withf("book %s already exists", b.ID)
	}
	if err != nil {
		return fmt.Errorf("insert book: %w", err)
	}
	return nil
}

func (r bookRepo) Take(ctx context.Context, id string) (bool, error) {
	res, err := r.q.ExecContext(ctx,
		`UPDATE books SET available_copies = available_copies - 1
		 WHERE id = ? AND available_copies > 0`, id)
	if err != nil {
		return false, fmt.Errorf("take copy: %w", err)
	}
	n, err := rowsAffected(res)
	return n == 1, err
}

func (r bookRepo) Put(ctx context.Context, id string) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE books SET available_copies = MIN(available_copies + 1, total_copies)
		 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("put copy: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return core.NotFound("book %s not found", id)
	}
	return nil
}

func (r bookRepo) Resize(ctx context.Context, id string, total int) error {
	// SET expressions read the pre-update row, so total_copies below is the
	// old total.
	res, err := r.q.ExecContext(ctx,
		`UPDATE books SET
		   available_copies = MAX(0, MIN(?, available_copies + (? - total_copies))),
		   total_copies = ?
		 WHERE id = ?`, total, total, total, id)
	if err != nil {
		return fmt.Errorf("resize book: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return core.NotFound("book %s not found", id)
	}
	return nil
}

func scanBook(row scanner) (core.Book, error) {
	var b core.Book
	var createdAt string
	if err := row.Scan(&b.ID, &b.Title, &b.TotalCopies, &b.AvailableCopies, &createdAt); err != nil {
		return core.Book{}, fmt.Errorf("scan book: %w", err)
	}
	var err error
	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return core.Book{}, fmt.Errorf("parse book created_at: %w", err)
	}
	return b, nil
}
