package lending

import (
	"context"
	"log/slog"

	"github.com/mistakeknot/circulate/internal/core"
	"github.com/mistakeknot/circulate/internal/storage"
)

// Repair closes loans that carry a return time but were left in an active
// status. The copy was already handed back when returnedAt was written, so
// the counters are not touched. It returns the ids it fixed.
func (m *Machine) Repair(ctx context.Context) ([]string, error) {
	var fixed []string
	err := m.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		broken, err := tx.Loans().Inconsistent(ctx)
		if err != nil {
			return err
		}
		for _, current := range broken {
			loan := current
			loan.Status = core.LoanReturned
			loan.FineAmount = Fine(loan.DueAt, *loan.ReturnedAt, m.policy.DailyFine)
			ok, err := tx.Loans().Update(ctx, loan, current.Status)
			if err != nil {
				return err
			}
			if ok {
				fixed = append(fixed, loan.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(fixed) > 0 {
		m.logger.Warn("repaired inconsistent loans", slog.Int("count", len(fixed)), slog.Any("loan_ids", fixed))
	}
	return fixed, nil
}
