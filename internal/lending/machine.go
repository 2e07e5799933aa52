// Package lending implements the loan state machine:
//
//	borrowed -> returned
//	borrowed -> overdue -> returned
//
// Every transition runs in one storage transaction together with the book
// counter change it implies, and every loan write is guarded by the status it
// was read in.
package lending

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/mistakeknot/circulate/internal/core"
	"github.com/mistakeknot/circulate/internal/inventory"
	"github.com/mistakeknot/circulate/internal/storage"
)

type Machine struct {
	store  storage.Store
	ledger *inventory.Ledger
	clock  core.Clock
	policy Policy
	logger *slog.Logger
}

func NewMachine(store storage.Store, ledger *inventory.Ledger, clock core.Clock, policy Policy, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{store: store, ledger: ledger, clock: clock, policy: policy, logger: logger}
}

// Policy returns the limits the machine enforces.
func (m *Machine) Policy() Policy {
	return m.policy
}

// Checkout lends one copy of bookID to the actor. Limits are checked in
// order: active loans, overdue loans, then stock.
func (m *Machine) Checkout(ctx context.Context, actor core.Actor, bookID string) (core.Loan, error) {
	if actor.UserID == "" {
		return core.Loan{}, core.Validation("user id required")
	}
	if bookID == "" {
		return core.Loan{}, core.Validation("book id required")
	}

	var loan core.Loan
	err := m.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		borrowed, err := tx.Loans().CountByUser(ctx, actor.UserID, core.LoanBorrowed)
		if err != nil {
			return err
		}
		if borrowed >= m.policy.MaxActiveLoans {
			return core.ErrTooManyActiveLoans.Withf("user %s already has %d active loans", actor.UserID, borrowed)
		}
		overdue, err := tx.Loans().CountByUser(ctx, actor.UserID, core.LoanOverdue)
		if err != nil {
			return err
		}
		if overdue > 0 {
			return core.ErrHasOverdueLoans.Withf("user %s has %d overdue loans", actor.UserID, overdue)
		}
		if err := m.ledger.Checkout(ctx, tx, bookID); err != nil {
			return err
		}

		now := m.clock.Now()
		loan = core.Loan{
			ID:         core.NewLoanID(),
			UserID:     actor.UserID,
			BookID:     bookID,
			BorrowedAt: now,
			DueAt:      now.Add(m.policy.LoanPeriod),
			Status:     core.LoanBorrowed,
			FineAmount: decimal.Zero,
		}
		return tx.Loans().Insert(ctx, loan)
	})
	if err != nil {
		return core.Loan{}, err
	}
	m.logger.Info("loan created",
		slog.String("loan_id", loan.ID),
		slog.String("user_id", loan.UserID),
		slog.String("book_id", loan.BookID),
		slog.Time("due_at", loan.DueAt),
	)
	return loan, nil
}

// Return closes the loan and puts the copy back. Any fine is computed from
// the actual return instant, replacing the provisional one set by the sweep.
func (m *Machine) Return(ctx context.Context, loanID string, actor core.Actor) (core.Loan, error) {
	var loan core.Loan
	err := m.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		current, err := tx.Loans().Get(ctx, loanID)
		if err != nil {
			return err
		}
		if !actor.CanManage(current.UserID) {
			return core.Forbidden("loan %s belongs to another user", loanID)
		}
		if current.Status == core.LoanReturned {
			return core.ErrAlreadyReturned.Withf("loan %s already returned", loanID)
		}

		now := m.clock.Now()
		loan = current
		loan.Status = core.LoanReturned
		loan.ReturnedAt = &now
		loan.FineAmount = decimal.Zero
		if now.After(current.DueAt) {
			loan.FineAmount = Fine(current.DueAt, now, m.policy.DailyFine)
		}
		if err := m.transition(ctx, tx, loan, current.Status); err != nil {
			return err
		}
		return m.ledger.ReturnCopy(ctx, tx, loan.BookID)
	})
	if err != nil {
		return core.Loan{}, err
	}
	m.logger.Info("loan returned",
		slog.String("loan_id", loan.ID),
		slog.String("user_id", loan.UserID),
		slog.String("fine", loan.FineAmount.String()),
	)
	return loan, nil
}

// Renew extends a borrowed loan once. Only the borrower may renew.
func (m *Machine) Renew(ctx context.Context, loanID string, actor core.Actor) (core.Loan, error) {
	var loan core.Loan
	err := m.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		current, err := tx.Loans().Get(ctx, loanID)
		if err != nil {
			return err
		}
		if !actor.Owns(current.UserID) {
			return core.Forbidden("only the borrower can renew loan %s", loanID)
		}
		if current.Status != core.LoanBorrowed {
			return core.ErrNotBorrowed.Withf("loan %s is %s", loanID, current.Status)
		}
		if current.Renewed {
			return core.ErrAlreadyRenewed.Withf("loan %s already renewed", loanID)
		}
		loan = current
		loan.DueAt = current.DueAt.Add(m.policy.RenewPeriod)
		loan.Renewed = true
		return m.transition(ctx, tx, loan, current.Status)
	})
	if err != nil {
		return core.Loan{}, err
	}
	m.logger.Info("loan renewed", slog.String("loan_id", loan.ID), slog.Time("due_at", loan.DueAt))
	return loan, nil
}

// MarkOverdue is MarkOverdueTx in its own transaction.
func (m *Machine) MarkOverdue(ctx context.Context, loanID string) (bool, error) {
	var changed bool
	err := m.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		changed, _, err = m.MarkOverdueTx(ctx, tx, loanID)
		return err
	})
	return changed, err
}

// MarkOverdueTx moves a borrowed loan past its due time to overdue and sets
// the provisional fine. Anything else is left alone and reported as
// unchanged, so repeated sweeps and a racing return are both harmless.
func (m *Machine) MarkOverdueTx(ctx context.Context, tx storage.Tx, loanID string) (bool, core.Loan, error) {
	current, err := tx.Loans().Get(ctx, loanID)
	if err != nil {
		return false, core.Loan{}, err
	}
	now := m.clock.Now()
	if current.Status != core.LoanBorrowed || !now.After(current.DueAt) {
		return false, current, nil
	}
	loan := current
	loan.Status = core.LoanOverdue
	loan.FineAmount = Fine(current.DueAt, now, m.policy.DailyFine)
	ok, err := tx.Loans().Update(ctx, loan, core.LoanBorrowed)
	if err != nil {
		return false, core.Loan{}, err
	}
	if !ok {
		return false, current, nil
	}
	return true, loan, nil
}

func (m *Machine) Get(ctx context.Context, loanID string, actor core.Actor) (core.Loan, error) {
	var loan core.Loan
	err := m.store.View(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		loan, err = tx.Loans().Get(ctx, loanID)
		return err
	})
	if err != nil {
		return core.Loan{}, err
	}
	if !actor.CanManage(loan.UserID) {
		return core.Loan{}, core.Forbidden("loan %s belongs to another user", loanID)
	}
	return loan, nil
}

// transition writes next if the stored row is still in status from.
func (m *Machine) transition(ctx context.Context, tx storage.Tx, next core.Loan, from core.LoanStatus) error {
	if next.Status != from && !from.CanTransition(next.Status) {
		return core.ErrConflict.Withf("loan %s cannot move from %s to %s", next.ID, from, next.Status)
	}
	ok, err := tx.Loans().Update(ctx, next, from)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	// Someone else moved the loan after we read it.
	latest, err := tx.Loans().Get(ctx, next.ID)
	if err != nil {
		return err
	}
	if latest.Status == core.LoanReturned {
		return core.ErrAlreadyReturned.Withf("loan %s already returned", next.ID)
	}
	return core.ErrConflict.Withf("loan %s changed concurrently", next.ID)
}
