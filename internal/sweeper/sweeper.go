// Package sweeper drives the time-based loan transitions: the daily overdue
// pass and the daily return-due reminder pass.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mistakeknot/circulate/internal/core"
	"github.com/mistakeknot/circulate/internal/lending"
	"github.com/mistakeknot/circulate/internal/notify"
	"github.com/mistakeknot/circulate/internal/storage"
)

const DefaultLoanTimeout = 5 * time.Second

type Config struct {
	Overdue     Schedule
	Reminders   Schedule
	LoanTimeout time.Duration
}

// Report summarises one sweep run.
type Report struct {
	Kind         string        `json:"kind"`
	Scanned      int           `json:"scanned"`
	Transitioned int           `json:"transitioned"`
	Notified     int           `json:"notified"`
	Failed       int           `json:"failed"`
	Duration     time.Duration `json:"duration"`
}

// Sweeper runs two independent loops. Each loop runs one sweep at a time;
// the loops themselves may overlap.
type Sweeper struct {
	store      storage.Store
	machine    *lending.Machine
	dispatcher *notify.Dispatcher
	clock      core.Clock
	cfg        Config
	logger     *slog.Logger

	overdueMu  sync.Mutex
	reminderMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(store storage.Store, machine *lending.Machine, dispatcher *notify.Dispatcher, clock core.Clock, cfg Config, logger *slog.Logger) *Sweeper {
	if cfg.LoanTimeout <= 0 {
		cfg.LoanTimeout = DefaultLoanTimeout
	}
	if cfg.Overdue == nil {
		cfg.Overdue = Daily{Hour: 1, Loc: time.UTC}
	}
	if cfg.Reminders == nil {
		cfg.Reminders = Daily{Hour: 9, Loc: time.UTC}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:      store,
		machine:    machine,
		dispatcher: dispatcher,
		clock:      clock,
		cfg:        cfg,
		logger:     logger.With("component", "sweeper"),
	}
}

// Start launches both loops. Call Stop to end them.
func (sw *Sweeper) Start(ctx context.Context) {
	ctx, sw.cancel = context.WithCancel(ctx)
	sw.wg.Add(2)
	go sw.loop(ctx, "overdue", sw.cfg.Overdue, sw.RunOverdue)
	go sw.loop(ctx, "reminders", sw.cfg.Reminders, sw.RunReminders)
	sw.logger.Info("sweeper started",
		slog.Any("overdue", sw.cfg.Overdue),
		slog.Any("reminders", sw.cfg.Reminders),
	)
}

// Stop cancels both loops and waits for any running sweep to return.
func (sw *Sweeper) Stop() {
	if sw.cancel != nil {
		sw.cancel()
	}
	sw.wg.Wait()
}

func (sw *Sweeper) loop(ctx context.Context, name string, sched Schedule, run func(context.Context) (Report, error)) {
	defer sw.wg.Done()
	for {
		next := sched.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if _, err := run(ctx); err != nil && ctx.Err() == nil {
			sw.logger.Error("sweep failed", slog.String("kind", name), slog.Any("error", err))
		}
	}
}

// RunOverdue moves every borrowed loan past its due time to overdue and
// records one overdue reminder per transition, each loan in its own
// transaction.
func (sw *Sweeper) RunOverdue(ctx context.Context) (Report, error) {
	sw.overdueMu.Lock()
	defer sw.overdueMu.Unlock()

	begin := time.Now()
	rep := Report{Kind: "overdue"}
	var due []core.Loan
	err := sw.store.View(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		due, err = tx.Loans().Expired(ctx, core.LoanBorrowed, sw.clock.Now())
		return err
	})
	if err != nil {
		return rep, fmt.Errorf("list expired loans: %w", err)
	}
	rep.Scanned = len(due)

	for _, loan := range due {
		if ctx.Err() != nil {
			break
		}
		n, changed, err := sw.overdueOne(ctx, loan.ID)
		if err != nil {
			rep.Failed++
			sw.logger.Error("overdue transition failed", slog.String("loan_id", loan.ID), slog.Any("error", err))
			continue
		}
		if changed {
			rep.Transitioned++
			rep.Notified++
			sw.dispatcher.Publish(ctx, n)
		}
	}
	rep.Duration = time.Since(begin)
	sw.logReport(rep)
	return rep, ctx.Err()
}

func (sw *Sweeper) overdueOne(ctx context.Context, loanID string) (core.Notification, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, sw.cfg.LoanTimeout)
	defer cancel()

	var (
		n       core.Notification
		changed bool
	)
	err := sw.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		changed = false
		ok, loan, err := sw.machine.MarkOverdueTx(ctx, tx, loanID)
		if err != nil || !ok {
			return err
		}
		n, err = sw.dispatcher.OverdueReminderTx(ctx, tx, loan)
		if err != nil {
			return err
		}
		changed = true
		return nil
	})
	return n, changed, err
}

// RunReminders records a return reminder for each borrowed loan due within
// the reminder window, subject to the dispatcher's dedup rule.
func (sw *Sweeper) RunReminders(ctx context.Context) (Report, error) {
	sw.reminderMu.Lock()
	defer sw.reminderMu.Unlock()

	begin := time.Now()
	rep := Report{Kind: "reminders"}
	now := sw.clock.Now()
	var due []core.Loan
	err := sw.store.View(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		due, err = tx.Loans().DueBetween(ctx, core.LoanBorrowed, now, now.Add(sw.dispatcher.ReminderWindow()))
		return err
	})
	if err != nil {
		return rep, fmt.Errorf("list loans due soon: %w", err)
	}
	rep.Scanned = len(due)

	for _, loan := range due {
		if ctx.Err() != nil {
			break
		}
		n, err := sw.reminderOne(ctx, loan)
		if err != nil {
			rep.Failed++
			sw.logger.Error("return reminder failed", slog.String("loan_id", loan.ID), slog.Any("error", err))
			continue
		}
		if n != nil {
			rep.Notified++
			sw.dispatcher.Publish(ctx, *n)
		}
	}
	rep.Duration = time.Since(begin)
	sw.logReport(rep)
	return rep, ctx.Err()
}

func (sw *Sweeper) reminderOne(ctx context.Context, loan core.Loan) (*core.Notification, error) {
	ctx, cancel := context.WithTimeout(ctx, sw.cfg.LoanTimeout)
	defer cancel()
	return sw.dispatcher.ReturnDueReminder(ctx, loan)
}

func (sw *Sweeper) logReport(rep Report) {
	sw.logger.Info("sweep finished",
		slog.String("kind", rep.Kind),
		slog.Int("scanned", rep.Scanned),
		slog.Int("transitioned", rep.Transitioned),
		slog.Int("notified", rep.Notified),
		slog.Int("failed", rep.Failed),
		slog.Duration("duration", rep.Duration),
	)
}
