package lending

import (
	"context"
	"time"

	"github.com/mistakeknot/circulate/internal/core"
	"github.com/mistakeknot/circulate/internal/storage"
)

// LoanPage is one page of a loan listing.
type LoanPage struct {
	Loans   []core.Loan `json:"loans"`
	Total   int         `json:"total"`
	Page    int         `json:"page"`
	PerPage int         `json:"per_page"`
}

// ListMine lists the actor's own loans, optionally limited to statuses.
func (m *Machine) ListMine(ctx context.Context, actor core.Actor, statuses []core.LoanStatus, page core.Page) (LoanPage, error) {
	if actor.UserID == "" {
		return LoanPage{}, core.Validation("user id required")
	}
	return m.list(ctx, storage.LoanFilter{UserID: actor.UserID, Statuses: statuses, Page: page})
}

// ListAll lists every user's loans. Admin only; userID narrows to one user.
func (m *Machine) ListAll(ctx context.Context, actor core.Actor, userID string, statuses []core.LoanStatus, page core.Page) (LoanPage, error) {
	if !actor.Admin {
		return LoanPage{}, core.Forbidden("listing all loans requires admin")
	}
	return m.list(ctx, storage.LoanFilter{UserID: userID, Statuses: statuses, Page: page})
}

func (m *Machine) list(ctx context.Context, f storage.LoanFilter) (LoanPage, error) {
	f.Page = f.Page.Normalize()
	out := LoanPage{Loans: []core.Loan{}, Page: f.Page.Page, PerPage: f.Page.PerPage}
	err := m.store.View(ctx, func(ctx context.Context, tx storage.Tx) error {
		loans, total, err := tx.Loans().List(ctx, f)
		if err != nil {
			return err
		}
		if loans != nil {
			out.Loans = loans
		}
		out.Total = total
		return nil
	})
	return out, err
}

// Stats summarises circulation. Returns are counted from the first day of the
// current month in loc.
func (m *Machine) Stats(ctx context.Context, actor core.Actor, loc *time.Location) (core.LoanStats, error) {
	if !actor.Admin {
		return core.LoanStats{}, core.Forbidden("stats require admin")
	}
	if loc == nil {
		loc = time.UTC
	}
	now := m.clock.Now().In(loc)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc)

	var st core.LoanStats
	err := m.store.View(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		st, err = tx.Loans().Stats(ctx, monthStart)
		return err
	})
	return st, err
}

// ParseStatuses parses loan status names, skipping empty entries.
func ParseStatuses(raw []string) ([]core.LoanStatus, error) {
	var out []core.LoanStatus
	for _, r := range raw {
		if r == "" {
			continue
		}
		s, err := core.ParseLoanStatus(r)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
