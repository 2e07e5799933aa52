package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"

	"github.com/mistakeknot/circulate/internal/core"
)

const notificationColumns = `id, user_id, loan_id, type, title, content, is_read, created_at`

var notificationSelect = []any{"id", "user_id", "loan_id", "type", "title", "content", "is_read", "created_at"}

type notificationRepo struct {
	q DBTX
}

func (r notificationRepo) Get(ctx context.Context, id string) (core.Notification, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id)
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Notification{}, core.NotFound("notification %s not found", id)
	}
	return n, err
}

func (r notificationRepo) Insert(ctx context.Context, n core.Notification) error {
	loanID := sql.NullString{String: n.LoanID, Valid: n.LoanID != ""}
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO notifications (`+notificationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.UserID, loanID, string(n.Type), n.Title, n.Content, n.IsRead, formatTime(n.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (r notificationRepo) ExistsSince(ctx context.Context, userID, loanID string, typ core.NotificationType, since time.Time) (bool, error) {
	var exists bool
	err := r.q.QueryRowContext(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM notifications
		   WHERE user_id = ? AND loan_id = ? AND type = ? AND created_at >= ?
		 )`,
		userID, loanID, string(typ), formatTime(since),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check notification: %w", err)
	}
	return exists, nil
}

func (r notificationRepo) List(ctx context.Context, userID string, unreadOnly bool, page core.Page) ([]core.Notification, int, error) {
	ds := dialect.From("notifications").Prepared(true).Where(goqu.C("user_id").Eq(userID))
	if unreadOnly {
		ds = ds.Where(goqu.C("is_read").Eq(0))
	}
	total, err := count(ctx, r.q, ds)
	if err != nil {
		return nil, 0, err
	}
	page = page.Normalize()
	query, args, err := ds.Select(notificationSelect...).
		Order(goqu.C("created_at").Desc(), goqu.C("id").Desc()).
		Limit(uint(page.PerPage)).
		Offset(uint(page.Offset())).
		ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build list notifications: %w", err)
	}
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []core.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, n)
	}
	return out, total, rows.Err()
}

func (r notificationRepo) UnreadCount(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = ? AND is_read = 0`, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

func (r notificationRepo) MarkRead(ctx context.Context, id string) error {
	res, err := r.q.ExecContext(ctx, `UPDATE notifications SET is_read = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return core.NotFound("notification %s not found", id)
	}
	return nil
}

func (r notificationRepo) Delete(ctx context.Context, id string) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM notifications WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return core.NotFound("notification %s not found", id)
	}
	return nil
}

func (r notificationRepo) MarkAllRead(ctx context.Context, userID string) (int, error) {
	res, err := r.q.ExecContext(ctx,
		`UPDATE notifications SET is_read = 1 WHERE user_id = ? AND is_read = 0`, userID)
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	n, err := rowsAffected(res)
	return int(n), err
}

func scanNotification(row scanner) (core.Notification, error) {
	var n core.Notification
	var loanID sql.NullString
	var typ, createdAt string
	if err := row.Scan(&n.ID, &n.UserID, &loanID, &typ, &n.Title, &n.Content, &n.IsRead, &createdAt); err != nil {
		return core.Notification{}, fmt.Errorf("scan notification: %w", err)
	}
	n.LoanID = loanID.String
	var err error
	if n.Type, err = core.ParseNotificationType(typ); err != nil {
		return core.Notification{}, fmt.Errorf("notification %s has unknown type %q", n.ID, typ)
	}
	if n.CreatedAt, err = parseTime(createdAt); err != nil {
		return core.Notification{}, fmt.Errorf("parse created_at: %w", err)
	}
	return n, nil
}
