package storage

import (
	"context"
	"time"

	"github.com/mistakeknot/circulate/internal/core"
)

// Store is the transaction boundary. Every mutation of a loan and the book
// counters it touches runs inside a single RunInTx call; fn's error rolls the
// whole transaction back.
type Store interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// View runs fn in a transaction that is always rolled back.
	View(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Close() error
}

// Tx exposes one repository per owning component.
type Tx interface {
	Books() BookRepo
	Loans() LoanRepo
	Reservations() ReservationRepo
	Notifications() NotificationRepo
}

type BookRepo interface {
	Get(ctx context.Context, id string) (core.Book, error)
	Insert(ctx context.Context, b core.Book) error
	// Take decrements available copies if at least one is available. It
	// reports false when none was.
	Take(ctx context.Context, id string) (bool, error)
	// Put increments available copies, never past the total.
	Put(ctx context.Context, id string) error
	// Resize sets the total and shifts available by the same delta, clamped
	// into [0, total].
	Resize(ctx context.Context, id string, total int) error
}

type LoanFilter struct {
	UserID   string
	Statuses []core.LoanStatus
	Page     core.Page
}

type LoanRepo interface {
	Get(ctx context.Context, id string) (core.Loan, error)
	Insert(ctx context.Context, l core.Loan) error
	// Update writes l only if the stored status still equals expect.
	Update(ctx context.Context, l core.Loan, expect core.LoanStatus) (bool, error)
	CountByUser(ctx context.Context, userID string, status core.LoanStatus) (int, error)
	List(ctx context.Context, f LoanFilter) ([]core.Loan, int, error)
	// DueBetween lists loans in status whose due time is in (after, before].
	DueBetween(ctx context.Context, status core.LoanStatus, after, before time.Time) ([]core.Loan, error)
	// Expired lists loans in status whose due time is strictly before now.
	Expired(ctx context.Context, status core.LoanStatus, now time.Time) ([]core.Loan, error)
	Stats(ctx context.Context, monthStart time.Time) (core.LoanStats, error)
	// Inconsistent lists loans with a return time whose status is not returned.
	Inconsistent(ctx context.Context) ([]core.Loan, error)
}

type ReservationFilter struct {
	UserID   string
	BookID   string
	Statuses []core.ReservationStatus
	Page     core.Page
}

type ReservationRepo interface {
	Get(ctx context.Context, id string) (core.Reservation, error)
	Insert(ctx context.Context, r core.Reservation) error
	// SetStatus moves the reservation to `to` only if it is still in expect.
	SetStatus(ctx context.Context, id string, expect, to core.ReservationStatus) (bool, error)
	HasPending(ctx context.Context, userID, bookID string) (bool, error)
	List(ctx context.Context, f ReservationFilter) ([]core.Reservation, int, error)
}

type NotificationRepo interface {
	Get(ctx context.Context, id string) (core.Notification, error)
	Insert(ctx context.Context, n core.Notification) error
	// ExistsSince reports whether a (user, loan, type) record was created at
	// or after since.
	ExistsSince(ctx context.Context, userID, loanID string, typ core.NotificationType, since time.Time) (bool, error)
	List(ctx context.Context, userID string, unreadOnly bool, page core.Page) ([]core.Notification, int, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context, userID string) (int, error)
	Delete(ctx context.Context, id string) error
}
