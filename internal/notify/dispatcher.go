// Package notify is the only writer of notification records. Records are
// durable; pushing them to connected clients is best effort.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mistakeknot/circulate/internal/core"
	"github.com/mistakeknot/circulate/internal/storage"
)

const (
	DefaultReminderWindow = 3 * 24 * time.Hour
	DefaultDedupWindow    = 24 * time.Hour

	// dedupSlack is taken off the dedup window so a daily sweep that reaches
	// a loan slightly earlier than yesterday still reminds.
	dedupSlack = time.Minute
)

// Publisher pushes committed notifications to live clients.
type Publisher interface {
	Publish(ctx context.Context, n core.Notification)
}

// Deduper is an optional cross-process claim on a reminder key, checked in
// addition to the stored records.
type Deduper interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type Options struct {
	ReminderWindow time.Duration
	DedupWindow    time.Duration
	Deduper        Deduper
	Publisher      Publisher
	Logger         *slog.Logger
}

type Dispatcher struct {
	store     storage.Store
	clock     core.Clock
	window    time.Duration
	dedup     time.Duration
	deduper   Deduper
	publisher Publisher
	logger    *slog.Logger
}

func NewDispatcher(store storage.Store, clock core.Clock, opts Options) *Dispatcher {
	d := &Dispatcher{
		store:     store,
		clock:     clock,
		window:    opts.ReminderWindow,
		dedup:     opts.DedupWindow,
		deduper:   opts.Deduper,
		publisher: opts.Publisher,
		logger:    opts.Logger,
	}
	if d.window <= 0 {
		d.window = DefaultReminderWindow
	}
	if d.dedup <= 0 {
		d.dedup = DefaultDedupWindow
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d
}

// ReminderWindow is how far ahead of the due time return reminders start.
func (d *Dispatcher) ReminderWindow() time.Duration {
	return d.window
}

// OverdueReminderTx records the overdue alert inside the transaction that
// moved the loan to overdue. It is never deduplicated: the transition itself
// happens once.
func (d *Dispatcher) OverdueReminderTx(ctx context.Context, tx storage.Tx, loan core.Loan) (core.Notification, error) {
	title := bookTitle(ctx, tx, loan.BookID)
	n := core.Notification{
		ID:     core.NewID(),
		UserID: loan.UserID,
		LoanID: loan.ID,
		Type:   core.NotifyOverdueReminder,
		Title:  "Loan overdue",
		Content: fmt.Sprintf("%q was due on %s. The current fine is %s.",
			title, loan.DueAt.Format("2006-01-02"), loan.FineAmount.StringFixed(2)),
		CreatedAt: d.clock.Now(),
	}
	if err := tx.Notifications().Insert(ctx, n); err != nil {
		return core.Notification{}, err
	}
	return n, nil
}

// ReturnDueReminder records a reminder for a loan due within the window,
// unless one for the same (user, loan) was created within the dedup window.
// It returns nil when nothing was recorded.
func (d *Dispatcher) ReturnDueReminder(ctx context.Context, loan core.Loan) (*core.Notification, error) {
	now := d.clock.Now()
	if loan.Status != core.LoanBorrowed || !loan.DueAt.After(now) || loan.DueAt.After(now.Add(d.window)) {
		return nil, nil
	}

	dedup := d.dedupWindow()
	key := reminderKey(loan.ID, core.NotifyReturnReminder)
	if d.deduper != nil {
		ok, err := d.deduper.Claim(ctx, key, dedup)
		if err != nil {
			// The stored records still dedup; carry on without the cache.
			d.logger.Warn("reminder claim failed", slog.String("key", key), slog.Any("error", err))
		} else if !ok {
			return nil, nil
		}
	}

	var created *core.Notification
	err := d.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		created = nil
		seen, err := tx.Notifications().ExistsSince(ctx, loan.UserID, loan.ID, core.NotifyReturnReminder, now.Add(-dedup))
		if err != nil || seen {
			return err
		}
		title := bookTitle(ctx, tx, loan.BookID)
		n := core.Notification{
			ID:     core.NewID(),
			UserID: loan.UserID,
			LoanID: loan.ID,
			Type:   core.NotifyReturnReminder,
			Title:  "Return reminder",
			Content: fmt.Sprintf("%q is due on %s. Please return or renew it.",
				title, loan.DueAt.Format("2006-01-02")),
			CreatedAt: now,
		}
		if err := tx.Notifications().Insert(ctx, n); err != nil {
			return err
		}
		created = &n
		return nil
	})
	if err != nil {
		if d.deduper != nil {
			if rerr := d.deduper.Release(ctx, key); rerr != nil {
				d.logger.Warn("reminder release failed", slog.String("key", key), slog.Any("error", rerr))
			}
		}
		return nil, err
	}
	return created, nil
}

// Publish pushes a committed notification to live clients, if any.
func (d *Dispatcher) Publish(ctx context.Context, n core.Notification) {
	if d.publisher != nil {
		d.publisher.Publish(ctx, n)
	}
}

// NotificationPage is a page of a user's notifications plus the unread count.
type NotificationPage struct {
	Notifications []core.Notification `json:"notifications"`
	Total         int                 `json:"total"`
	Unread        int                 `json:"unread"`
	Page          int                 `json:"page"`
	PerPage       int                 `json:"per_page"`
}

func (d *Dispatcher) List(ctx context.Context, actor core.Actor, unreadOnly bool, page core.Page) (NotificationPage, error) {
	if actor.UserID == "" {
		return NotificationPage{}, core.Validation("user id required")
	}
	page = page.Normalize()
	out := NotificationPage{Notifications: []core.Notification{}, Page: page.Page, PerPage: page.PerPage}
	err := d.store.View(ctx, func(ctx context.Context, tx storage.Tx) error {
		items, total, err := tx.Notifications().List(ctx, actor.UserID, unreadOnly, page)
		if err != nil {
			return err
		}
		if items != nil {
			out.Notifications = items
		}
		out.Total = total
		out.Unread, err = tx.Notifications().UnreadCount(ctx, actor.UserID)
		return err
	})
	return out, err
}

// MarkRead flags one notification as read. Owner or admin.
func (d *Dispatcher) MarkRead(ctx context.Context, id string, actor core.Actor) error {
	return d.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		n, err := tx.Notifications().Get(ctx, id)
		if err != nil {
			return err
		}
		if !actor.CanManage(n.UserID) {
			return core.Forbidden("notification %s belongs to another user", id)
		}
		if n.IsRead {
			return nil
		}
		return tx.Notifications().MarkRead(ctx, id)
	})
}

// Delete removes one notification. Owner or admin. Deleting a return
// reminder also drops it from the stored dedup check.
func (d *Dispatcher) Delete(ctx context.Context, id string, actor core.Actor) error {
	return d.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		n, err := tx.Notifications().Get(ctx, id)
		if err != nil {
			return err
		}
		if !actor.CanManage(n.UserID) {
			return core.Forbidden("notification %s belongs to another user", id)
		}
		return tx.Notifications().Delete(ctx, id)
	})
}

// MarkAllRead flags every unread notification of the actor and returns how
// many changed.
func (d *Dispatcher) MarkAllRead(ctx context.Context, actor core.Actor) (int, error) {
	if actor.UserID == "" {
		return 0, core.Validation("user id required")
	}
	var changed int
	err := d.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		changed, err = tx.Notifications().MarkAllRead(ctx, actor.UserID)
		return err
	})
	return changed, err
}

func (d *Dispatcher) dedupWindow() time.Duration {
	if d.dedup > 2*dedupSlack {
		return d.dedup - dedupSlack
	}
	return d.dedup
}

func reminderKey(loanID string, typ core.NotificationType) string {
	return "reminder:" + loanID + ":" + string(typ)
}

func bookTitle(ctx context.Context, tx storage.Tx, bookID string) string {
	b, err := tx.Books().Get(ctx, bookID)
	if err != nil || b.Title == "" {
		return bookID
	}
	return b.Title
}
