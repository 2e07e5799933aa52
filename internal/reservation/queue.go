// Package reservation keeps holds on titles that have no copy on the shelf.
// Fulfillment only records that staff handed a copy over; it neither checks
// a copy out nor picks the next holder.
package reservation

import (
	"context"
	"log/slog"
	"time"

	"github.com/mistakeknot/circulate/internal/core"
	"github.com/mistakeknot/circulate/internal/inventory"
	"github.com/mistakeknot/circulate/internal/storage"
)

const DefaultHold = 7 * 24 * time.Hour

type Queue struct {
	store  storage.Store
	ledger *inventory.Ledger
	clock  core.Clock
	hold   time.Duration
	logger *slog.Logger
}

func NewQueue(store storage.Store, ledger *inventory.Ledger, clock core.Clock, hold time.Duration, logger *slog.Logger) *Queue {
	if hold <= 0 {
		hold = DefaultHold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{store: store, ledger: ledger, clock: clock, hold: hold, logger: logger}
}

// Create places a pending hold. Titles with a copy on the shelf cannot be
// reserved, and a user holds at most one pending reservation per title.
func (q *Queue) Create(ctx context.Context, actor core.Actor, bookID string) (core.Reservation, error) {
	if actor.UserID == "" {
		return core.Reservation{}, core.Validation("user id required")
	}
	if bookID == "" {
		return core.Reservation{}, core.Validation("book id required")
	}
	var res core.Reservation
	err := q.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		available, err := q.ledger.Available(ctx, tx, bookID)
		if err != nil {
			return err
		}
		if available > 0 {
			return core.ErrStillAvailable.Withf("book %s has %d copies available", bookID, available)
		}
		pending, err := tx.Reservations().HasPending(ctx, actor.UserID, bookID)
		if err != nil {
			return err
		}
		if pending {
			return core.ErrDuplicatePending.Withf("user %s already has a pending reservation for book %s", actor.UserID, bookID)
		}
		now := q.clock.Now()
		res = core.Reservation{
			ID:         core.NewID(),
			UserID:     actor.UserID,
			BookID:     bookID,
			Status:     core.ReservationPending,
			ReservedAt: now,
			ExpiresAt:  now.Add(q.hold),
		}
		return tx.Reservations().Insert(ctx, res)
	})
	if err != nil {
		return core.Reservation{}, err
	}
	q.logger.Info("reservation created",
		slog.String("reservation_id", res.ID),
		slog.String("user_id", res.UserID),
		slog.String("book_id", res.BookID),
	)
	return res, nil
}

// Cancel withdraws a pending reservation. Owner or admin.
func (q *Queue) Cancel(ctx context.Context, reservationID string, actor core.Actor) (core.Reservation, error) {
	return q.move(ctx, reservationID, core.ReservationCanceled, func(r core.Reservation) error {
		if !actor.CanManage(r.UserID) {
			return core.Forbidden("reservation %s belongs to another user", reservationID)
		}
		return nil
	})
}

// Fulfill marks a pending, unexpired reservation as handed over. Admin only.
func (q *Queue) Fulfill(ctx context.Context, reservationID string, actor core.Actor) (core.Reservation, error) {
	if !actor.Admin {
		return core.Reservation{}, core.Forbidden("fulfilling reservations requires admin")
	}
	return q.move(ctx, reservationID, core.ReservationFulfilled, func(r core.Reservation) error {
		if r.Status == core.ReservationPending && q.clock.Now().After(r.ExpiresAt) {
			return core.ErrExpired.Withf("reservation %s expired at %s", reservationID, r.ExpiresAt.Format(time.RFC3339))
		}
		return nil
	})
}

func (q *Queue) move(ctx context.Context, id string, to core.ReservationStatus, check func(core.Reservation) error) (core.Reservation, error) {
	var res core.Reservation
	err := q.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		current, err := tx.Reservations().Get(ctx, id)
		if err != nil {
			return err
		}
		if err := check(current); err != nil {
			return err
		}
		if !current.Status.CanTransition(to) {
			return core.ErrNotPending.Withf("reservation %s is %s", id, current.Status)
		}
		ok, err := tx.Reservations().SetStatus(ctx, id, current.Status, to)
		if err != nil {
			return err
		}
		if !ok {
			return core.ErrNotPending.Withf("reservation %s changed concurrently", id)
		}
		res = current
		res.Status = to
		return nil
	})
	if err != nil {
		return core.Reservation{}, err
	}
	q.logger.Info("reservation updated", slog.String("reservation_id", id), slog.String("status", string(to)))
	return res, nil
}

// ReservationPage is one page of a reservation listing.
type ReservationPage struct {
	Reservations []core.Reservation `json:"reservations"`
	Total        int                `json:"total"`
	Page         int                `json:"page"`
	PerPage      int                `json:"per_page"`
}

// ListMine lists the actor's reservations.
func (q *Queue) ListMine(ctx context.Context, actor core.Actor, statuses []core.ReservationStatus, page core.Page) (ReservationPage, error) {
	if actor.UserID == "" {
		return ReservationPage{}, core.Validation("user id required")
	}
	return q.list(ctx, storage.ReservationFilter{UserID: actor.UserID, Statuses: statuses, Page: page})
}

// ListAll lists reservations of every user, optionally for one book. Admin only.
func (q *Queue) ListAll(ctx context.Context, actor core.Actor, bookID string, statuses []core.ReservationStatus, page core.Page) (ReservationPage, error) {
	if !actor.Admin {
		return ReservationPage{}, core.Forbidden("listing all reservations requires admin")
	}
	return q.list(ctx, storage.ReservationFilter{BookID: bookID, Statuses: statuses, Page: page})
}

func (q *Queue) list(ctx context.Context, f storage.ReservationFilter) (ReservationPage, error) {
	f.Page = f.Page.Normalize()
	out := ReservationPage{Reservations: []core.Reservation{}, Page: f.Page.Page, PerPage: f.Page.PerPage}
	err := q.store.View(ctx, func(ctx context.Context, tx storage.Tx) error {
		items, total, err := tx.Reservations().List(ctx, f)
		if err != nil {
			return err
		}
		if items != nil {
			out.Reservations = items
		}
		out.Total = total
		return nil
	})
	return out, err
}

// ParseStatuses parses reservation status names, skipping empty entries.
func ParseStatuses(raw []string) ([]core.ReservationStatus, error) {
	var out []core.ReservationStatus
	for _, r := range raw {
		if r == "" {
			continue
		}
		s, err := core.ParseReservationStatus(r)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
