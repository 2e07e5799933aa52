package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"

	"github.com/mistakeknot/circulate/internal/core"
	"github.com/mistakeknot/circulate/internal/storage"
)

const reservationColumns = `id, user_id, book_id, status, reserved_at, expires_at`

var reservationSelect = []any{"id", "user_id", "book_id", "status", "reserved_at", "expires_at"}

type reservationRepo struct {
	q DBTX
}

func (r reservationRepo) Get(ctx context.Context, id string) (core.Reservation, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id)
	res, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Reservation{}, core.NotFound("reservation %s not found", id)
	}
	return res, err
}

func (r reservationRepo) Insert(ctx context.Context, res core.Reservation) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO reservations (`+reservationColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		res.ID, res.UserID, res.BookID, string(res.Status), formatTime(res.ReservedAt), formatTime(res.ExpiresAt),
	)
	if isUniqueViolation(err) {
		return core.ErrDuplicatePending.Withf("user %s already has a pending reservation for book %s", res.UserID, res.BookID)
	}
	if err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

func (r reservationRepo) SetStatus(ctx context.Context, id string, expect, to core.ReservationStatus) (bool, error) {
	res, err := r.q.ExecContext(ctx,
		`UPDATE reservations SET status = ? WHERE id = ? AND status = ?`,
		string(to), id, string(expect),
	)
	if err != nil {
		return false, fmt.Errorf("update reservation: %w", err)
	}
	n, err := rowsAffected(res)
	return n == 1, err
}

func (r reservationRepo) HasPending(ctx context.Context, userID, bookID string) (bool, error) {
	var exists bool
	err := r.q.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM reservations WHERE user_id = ? AND book_id = ? AND status = 'pending')`,
		userID, bookID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check pending reservation: %w", err)
	}
	return exists, nil
}

func (r reservationRepo) List(ctx context.Context, f storage.ReservationFilter) ([]core.Reservation, int, error) {
	ds := dialect.From("reservations").Prepared(true)
	if f.UserID != "" {
		ds = ds.Where(goqu.C("user_id").Eq(f.UserID))
	}
	if f.BookID != "" {
		ds = ds.Where(goqu.C("book_id").Eq(f.BookID))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]any, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		ds = ds.Where(goqu.C("status").In(statuses...))
	}
	total, err := count(ctx, r.q, ds)
	if err != nil {
		return nil, 0, err
	}
	page := f.Page.Normalize()
	query, args, err := ds.Select(reservationSelect...).
		Order(goqu.C("reserved_at").Desc(), goqu.C("id").Desc()).
		Limit(uint(page.PerPage)).
		Offset(uint(page.Offset())).
		ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build list reservations: %w", err)
	}
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list reservations: %w", err)
	}
	defer rows.Close()

	var out []core.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, res)
	}
	return out, total, rows.Err()
}

func scanReservation(row scanner) (core.Reservation, error) {
	var r core.Reservation
	var status, reservedAt, expiresAt string
	if err := row.Scan(&r.ID, &r.UserID, &r.BookID, &status, &reservedAt, &expiresAt); err != nil {
		return core.Reservation{}, fmt.Errorf("scan reservation: %w", err)
	}
	var err error
	if r.Status, err = core.ParseReservationStatus(status); err != nil {
		return core.Reservation{}, fmt.Errorf("reservation %s has unknown status %q", r.ID, status)
	}
	if r.ReservedAt, err = parseTime(reservedAt); err != nil {
		return core.Reservation{}, fmt.Errorf("parse reserved_at: %w", err)
	}
	if r.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return core.Reservation{}, fmt.Errorf("parse expires_at: %w", err)
	}
	return r, nil
}
