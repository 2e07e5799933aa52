package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// LoanStatus is the lifecycle state of a loan.
type LoanStatus string

const (
	LoanBorrowed LoanStatus = "borrowed"
	LoanOverdue  LoanStatus = "overdue"
	LoanReturned LoanStatus = "returned"
)

// ParseLoanStatus rejects anything outside the three known states.
func ParseLoanStatus(s string) (LoanStatus, error) {
	switch st := LoanStatus(s); st {
	case LoanBorrowed, LoanOverdue, LoanReturned:
		return st, nil
	}
	return "", Validation("unknown loan status %q", s)
}

// Active reports whether the loan still holds a copy.
func (s LoanStatus) Active() bool {
	return s == LoanBorrowed || s == LoanOverdue
}

// CanTransition is the loan transition table.
func (s LoanStatus) CanTransition(to LoanStatus) bool {
	switch s {
	case LoanBorrowed:
		return to == LoanOverdue || to == LoanReturned
	case LoanOverdue:
		return to == LoanReturned
	case LoanReturned:
		return false
	}
	return false
}

// ReservationStatus is the lifecycle state of a reservation.
type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "pending"
	ReservationCanceled  ReservationStatus = "canceled"
	ReservationFulfilled ReservationStatus = "fulfilled"
)

func ParseReservationStatus(s string) (ReservationStatus, error) {
	switch st := ReservationStatus(s); st {
	case ReservationPending, ReservationCanceled, ReservationFulfilled:
		return st, nil
	}
	return "", Validation("unknown reservation status %q", s)
}

// CanTransition is the reservation transition table. Only pending
// reservations move, and never back.
func (s ReservationStatus) CanTransition(to ReservationStatus) bool {
	switch s {
	case ReservationPending:
		return to == ReservationCanceled || to == ReservationFulfilled
	case ReservationCanceled, ReservationFulfilled:
		return false
	}
	return false
}

// NotificationType classifies a notification record.
type NotificationType string

const (
	NotifyOverdueReminder      NotificationType = "overdue_reminder"
	NotifyReturnReminder       NotificationType = "return_reminder"
	NotifyReservationAvailable NotificationType = "reservation_available"
)

func ParseNotificationType(s string) (NotificationType, error) {
	switch nt := NotificationType(s); nt {
	case NotifyOverdueReminder, NotifyReturnReminder, NotifyReservationAvailable:
		return nt, nil
	}
	return "", Validation("unknown notification type %q", s)
}

type Book struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	TotalCopies     int       `json:"total_copies"`
	AvailableCopies int       `json:"available_copies"`
	CreatedAt       time.Time `json:"created_at"`
}

type Loan struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	BookID     string          `json:"book_id"`
	BorrowedAt time.Time       `json:"borrowed_at"`
	DueAt      time.Time       `json:"due_at"`
	ReturnedAt *time.Time      `json:"returned_at,omitempty"`
	Status     LoanStatus      `json:"status"`
	FineAmount decimal.Decimal `json:"fine_amount"`
	Renewed    bool            `json:"renewed"`
}

// Consistent checks the returnedAt/status pairing.
func (l Loan) Consistent() bool {
	return (l.ReturnedAt != nil) == (l.Status == LoanReturned)
}

type Reservation struct {
	ID         string            `json:"id"`
	UserID     string            `json:"user_id"`
	BookID     string            `json:"book_id"`
	Status     ReservationStatus `json:"status"`
	ReservedAt time.Time         `json:"reserved_at"`
	ExpiresAt  time.Time         `json:"expires_at"`
}

type Notification struct {
	ID        string           `json:"id"`
	UserID    string           `json:"user_id"`
	LoanID    string           `json:"loan_id,omitempty"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Content   string           `json:"content"`
	IsRead    bool             `json:"is_read"`
	CreatedAt time.Time        `json:"created_at"`
}

// LoanStats is the admin circulation summary.
type LoanStats struct {
	CurrentBorrowed   int             `json:"current_borrowed"`
	Overdue           int             `json:"overdue"`
	ReturnedThisMonth int             `json:"returned_this_month"`
	TotalFines        decimal.Decimal `json:"total_fines"`
}

const (
	DefaultPerPage = 10
	MaxPerPage     = 100
)

// Page is a 1-based page request.
type Page struct {
	Page    int `json:"page"`
	PerPage int `json:"per_page"`
}

// Normalize clamps the page into usable bounds.
func (p Page) Normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PerPage < 1 {
		p.PerPage = DefaultPerPage
	}
	if p.PerPage > MaxPerPage {
		p.PerPage = MaxPerPage
	}
	return p
}

func (p Page) Offset() int {
	p = p.Normalize()
	return (p.Page - 1) * p.PerPage
}
