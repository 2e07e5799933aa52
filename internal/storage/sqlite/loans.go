package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/shopspring/decimal"

	"github.com/mistakeknot/circulate/internal/core"
	"github.com/mistakeknot/circulate/internal/storage"
)

const loanColumns = `id, user_id, book_id, borrowed_at, due_at, returned_at, status, fine_amount, renewed`

var loanSelect = []any{"id", "user_id", "book_id", "borrowed_at", "due_at", "returned_at", "status", "fine_amount", "renewed"}

type loanRepo struct {
	q DBTX
}

func (r loanRepo) Get(ctx context.Context, id string) (core.Loan, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = ?`, id)
	l, err := scanLoan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Loan{}, core.NotFound("loan %s not found", id)
	}
	return l, err
}

func (r loanRepo) Insert(ctx context.Context, l core.Loan) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO loans (`+loanColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.UserID, l.BookID, formatTime(l.BorrowedAt), formatTime(l.DueAt),
		nullTime(l.ReturnedAt), string(l.Status), l.FineAmount.String(), l.Renewed,
	)
	if err != nil {
		return fmt.Errorf("insert loan: %w", err)
	}
	return nil
}

func (r loanRepo) Update(ctx context.Context, l core.Loan, expect core.LoanStatus) (bool, error) {
	res, err := r.q.ExecContext(ctx,
		`UPDATE loans SET due_at = ?, returned_at = ?, status = ?, fine_amount = ?, renewed = ?
		 WHERE id = ? AND status = ?`,
		formatTime(l.DueAt), nullTime(l.ReturnedAt), string(l.Status), l.FineAmount.String(), l.Renewed,
		l.ID, string(expect),
	)
	if err != nil {
		return false, fmt.Errorf("update loan: %w", err)
	}
	n, err := rowsAffected(res)
	return n == 1, err
}

func (r loanRepo) CountByUser(ctx context.Context, userID string, status core.LoanStatus) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM loans WHERE user_id = ? AND status = ?`, userID, string(status),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count loans: %w", err)
	}
	return n, nil
}

func (r loanRepo) List(ctx context.Context, f storage.LoanFilter) ([]core.Loan, int, error) {
	ds := dialect.From("loans").Prepared(true)
	if f.UserID != "" {
		ds = ds.Where(goqu.C("user_id").Eq(f.UserID))
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
	query, args, err := ds.Select(loanSelect...).
		Order(goqu.C("borrowed_at").Desc(), goqu.C("id").Desc()).
		Limit(uint(page.PerPage)).
		Offset(uint(page.Offset())).
		ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build list loans: %w", err)
	}
	loans, err := r.query(ctx, query, args...)
	return loans, total, err
}

func (r loanRepo) DueBetween(ctx context.Context, status core.LoanStatus, after, before time.Time) ([]core.Loan, error) {
	return r.query(ctx,
		`SELECT `+loanColumns+` FROM loans
		 WHERE status = ? AND due_at > ? AND due_at <= ?
		 ORDER BY due_at, id`,
		string(status), formatTime(after), formatTime(before),
	)
}

func (r loanRepo) Expired(ctx context.Context, status core.LoanStatus, now time.Time) ([]core.Loan, error) {
	return r.query(ctx,
		`SELECT `+loanColumns+` FROM loans
		 WHERE status = ? AND due_at < ?
		 ORDER BY due_at, id`,
		string(status), formatTime(now),
	)
}

func (r loanRepo) Stats(ctx context.Context, monthStart time.Time) (core.LoanStats, error) {
	var st core.LoanStats
	err := r.q.QueryRowContext(ctx,
		`SELECT
		   COALESCE(SUM(CASE WHEN status = 'borrowed' THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN status = 'overdue' THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN status = 'returned' AND returned_at >= ? THEN 1 ELSE 0 END), 0)
		 FROM loans`, formatTime(monthStart),
	).Scan(&st.CurrentBorrowed, &st.Overdue, &st.ReturnedThisMonth)
	if err != nil {
		return core.LoanStats{}, fmt.Errorf("loan stats: %w", err)
	}

	// Fines are decimal text; sum them in Go to avoid float rounding.
	rows, err := r.q.QueryContext(ctx, `SELECT fine_amount FROM loans WHERE fine_amount <> '0'`)
	if err != nil {
		return core.LoanStats{}, fmt.Errorf("loan fines: %w", err)
	}
	defer rows.Close()
	st.TotalFines = decimal.Zero
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return core.LoanStats{}, fmt.Errorf("scan fine: %w", err)
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return core.LoanStats{}, fmt.Errorf("parse fine %q: %w", raw, err)
		}
		st.TotalFines = st.TotalFines.Add(d)
	}
	return st, rows.Err()
}

func (r loanRepo) Inconsistent(ctx context.Context) ([]core.Loan, error) {
	return r.query(ctx,
		`SELECT `+loanColumns+` FROM loans
		 WHERE returned_at IS NOT NULL AND status <> 'returned'
		 ORDER BY id`)
}

func (r loanRepo) query(ctx context.Context, query string, args ...any) ([]core.Loan, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query loans: %w", err)
	}
	defer rows.Close()

	var loans []core.Loan
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			return nil, err
		}
		loans = append(loans, l)
	}
	return loans, rows.Err()
}

func scanLoan(row scanner) (core.Loan, error) {
	var l core.Loan
	var borrowedAt, dueAt, status, fine string
	var returnedAt sql.NullString
	err := row.Scan(&l.ID, &l.UserID, &l.BookID, &borrowedAt, &dueAt, &returnedAt, &status, &fine, &l.Renewed)
	if err != nil {
		return core.Loan{}, fmt.Errorf("scan loan: %w", err)
	}
	if l.Status, err = core.ParseLoanStatus(status); err != nil {
		return core.Loan{}, fmt.Errorf("loan %s has unknown status %q", l.ID, status)
	}
	if l.BorrowedAt, err = parseTime(borrowedAt); err != nil {
		return core.Loan{}, fmt.Errorf("parse borrowed_at: %w", err)
	}
	if l.DueAt, err = parseTime(dueAt); err != nil {
		return core.Loan{}, fmt.Errorf("parse due_at: %w", err)
	}
	if returnedAt.Valid {
		t, err := parseTime(returnedAt.String)
		if err != nil {
			return core.Loan{}, fmt.Errorf("parse returned_at: %w", err)
		}
		l.ReturnedAt = &t
	}
	if l.FineAmount, err = decimal.NewFromString(fine); err != nil {
		return core.Loan{}, fmt.Errorf("parse fine_amount: %w", err)
	}
	return l, nil
}
