package lending

import (
	"time"

	"github.com/shopspring/decimal"
)

// Policy holds the lending limits. The zero value is not usable; start from
// DefaultPolicy.
type Policy struct {
	MaxActiveLoans int
	LoanPeriod     time.Duration
	RenewPeriod    time.Duration
	DailyFine      decimal.Decimal
}

func DefaultPolicy() Policy {
	return Policy{
		MaxActiveLoans: 5,
		LoanPeriod:     30 * day,
		RenewPeriod:    30 * day,
		DailyFine:      DefaultDailyFine,
	}
}
