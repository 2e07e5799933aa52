package sqlite

import (
	"context"
	"database/sql"
	"log/slog"
	"time"
)

const slowQueryThreshold = 100 * time.Millisecond

// DBTX is satisfied by *sql.DB, *sql.Tx and *queryLogger. Repositories only
// see this interface.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queryLogger wraps a DBTX and logs statements that exceed threshold.
type queryLogger struct {
	inner     DBTX
	logger    *slog.Logger
	threshold time.Duration
}

func (q *queryLogger) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	start := time.Now()
	result, err := q.inner.ExecContext(ctx, query, args...)
	q.observe(ctx, start, query)
	return result, err
}

func (q *queryLogger) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	rows, err := q.inner.QueryContext(ctx, query, args...)
	q.observe(ctx, start, query)
	return rows, err
}

func (q *queryLogger) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	start := time.Now()
	row := q.inner.QueryRowContext(ctx, query, args...)
	q.observe(ctx, start, query)
	return row
}

func (q *queryLogger) observe(ctx context.Context, start time.Time, query string) {
	d := time.Since(start)
	if d < q.threshold {
		return
	}
	q.logger.WarnContext(ctx, "slow query",
		slog.Duration("duration", d.Round(time.Millisecond)),
		slog.String("query", truncateQuery(query)),
	)
}

func truncateQuery(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
