package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "modernc.org/sqlite"

	"github.com/mistakeknot/circulate/internal/storage"
)

//go:embed schema.sql
var schema string

var _ storage.Store = (*Store)(nil)

var dialect = goqu.Dialect("sqlite3")

// Timestamps are stored as fixed-width UTC text so that string comparison in
// SQL matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const dsnParams = "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"

type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// anchor keeps a shared-cache memory database alive while the pool
	// replaces its connection.
	anchor   *sql.Conn
	anchorDB *sql.DB
}

// New opens (or creates) the database file at path in WAL mode.
func New(path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("db path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := open(path + dsnParams + "&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}
	return newStore(db, logger), nil
}

// NewInMemory opens a private in-memory database. It is a uniquely named
// shared-cache database, so a connection the pool reopens (after a
// cancelled query, say) attaches to the same data.
func NewInMemory() (*Store, error) {
	dsn := "file:circulate-" + uuid.NewString() + "?mode=memory&cache=shared" + strings.Replace(dsnParams, "?", "&", 1)
	anchorDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	anchor, err := anchorDB.Conn(context.Background())
	if err != nil {
		anchorDB.Close()
		return nil, fmt.Errorf("open db: %w", err)
	}
	db, err := open(dsn)
	if err != nil {
		anchor.Close()
		anchorDB.Close()
		return nil, err
	}
	st := newStore(db, slog.Default())
	st.anchor, st.anchorDB = anchor, anchorDB
	return st, nil
}

func open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite is single-writer; one connection serialises transactions in
	// process and keeps pragmas on the connection that runs them.
	db.SetMaxOpenConns(1)
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func newStore(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger.With("component", "sqlite")}
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(ctx, s.wrap(sqlTx)); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) View(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback()
	return fn(ctx, s.wrap(sqlTx))
}

func (s *Store) Close() error {
	err := s.db.Close()
	if s.anchor != nil {
		err = errors.Join(err, s.anchor.Close(), s.anchorDB.Close())
	}
	return err
}

func (s *Store) wrap(sqlTx *sql.Tx) storage.Tx {
	return txRepos{q: &queryLogger{inner: sqlTx, logger: s.logger, threshold: slowQueryThreshold}}
}

type txRepos struct {
	q DBTX
}

func (t txRepos) Books() storage.BookRepo                 { return bookRepo{q: t.q} }
func (t txRepos) Loans() storage.LoanRepo                 { return loanRepo{q: t.q} }
func (t txRepos) Reservations() storage.ReservationRepo   { return reservationRepo{q: t.q} }
func (t txRepos) Notifications() storage.NotificationRepo { return notificationRepo{q: t.q} }

type scanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Rows written by hand or by older tooling.
		t, err = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC(), err
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// count runs a COUNT(*) over the filtered dataset.
func count(ctx context.Context, q DBTX, ds *goqu.SelectDataset) (int, error) {
	query, args, err := ds.Select(goqu.COUNT(goqu.Star())).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build count: %w", err)
	}
	var n int
	if err := q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
