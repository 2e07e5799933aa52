package client

import (
	"time"

	"github.com/shopspring/decimal"
)

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
	Status     string          `json:"status"`
	FineAmount decimal.Decimal `json:"fine_amount"`
	Renewed    bool            `json:"renewed"`
}

type LoanPage struct {
	Loans   []Loan `json:"loans"`
	Total   int    `json:"total"`
	Page    int    `json:"page"`
	PerPage int    `json:"per_page"`
}

type BatchResult struct {
	ReturnedCount int      `json:"returned_count"`
	Errors        []string `json:"errors"`
}

type LoanStats struct {
	CurrentBorrowed   int             `json:"current_borrowed"`
	Overdue           int             `json:"overdue"`
	ReturnedThisMonth int             `json:"returned_this_month"`
	TotalFines        decimal.Decimal `json:"total_fines"`
}

type Reservation struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	BookID     string    `json:"book_id"`
	Status     string    `json:"status"`
	ReservedAt time.Time `json:"reserved_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type ReservationPage struct {
	Reservations []Reservation `json:"reservations"`
	Total        int           `json:"total"`
	Page         int           `json:"page"`
	PerPage      int           `json:"per_page"`
}

type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	LoanID    string    `json:"loan_id,omitempty"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}

type NotificationPage struct {
	Notifications []Notification `json:"notifications"`
	Total         int            `json:"total"`
	Unread        int            `json:"unread"`
	Page          int            `json:"page"`
	PerPage       int            `json:"per_page"`
}

// Event is one frame of the notification stream.
type Event struct {
	Type         string       `json:"type"`
	Notification Notification `json:"notification"`
}
