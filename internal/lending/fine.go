package lending

import (
	"time"

	"github.com/shopspring/decimal"
)

const day = 24 * time.Hour

// DefaultDailyFine is charged per whole day past due.
var DefaultDailyFine = decimal.RequireFromString("0.5")

// Fine returns max(0, whole days from dueAt to effectiveAt) * rate. Partial
// days are not charged.
func Fine(dueAt, effectiveAt time.Time, rate decimal.Decimal) decimal.Decimal {
	days := int64(effectiveAt.Sub(dueAt) / day)
	if days <= 0 {
		return decimal.Zero
	}
	return rate.Mul(decimal.NewFromInt(days))
}
