package lending

import (
	"context"
	"log/slog"

	"github.com/mistakeknot/circulate/internal/core"
)

// BatchResult reports a batch return. Errors holds one message per failed id.
type BatchResult struct {
	ReturnedCount int      `json:"returned_count"`
	Errors        []string `json:"errors"`
}

// BatchReturn returns each loan in its own transaction. A failure on one id
// never rolls back another; the caller gets the tally and the messages.
func (m *Machine) BatchReturn(ctx context.Context, loanIDs []string, actor core.Actor) BatchResult {
	res := BatchResult{Errors: []string{}}
	for _, id := range loanIDs {
		if err := ctx.Err(); err != nil {
			res.Errors = append(res.Errors, "loan "+id+": "+err.Error())
			continue
		}
		if _, err := m.Return(ctx, id, actor); err != nil {
			if !core.IsDomainError(err) {
				m.logger.Error("batch return", slog.String("loan_id", id), slog.Any("error", err))
			}
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		res.ReturnedCount++
	}
	return res
}
