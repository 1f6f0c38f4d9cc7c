package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	// DefaultLoanPeriod is how long a copy may be kept before fines accrue.
	DefaultLoanPeriod = 14 * 24 * time.Hour

	fineDay = 24 * time.Hour
)

// DefaultFinePerDay is the flat per-day-late fine rate, currency-unit-agnostic.
var DefaultFinePerDay = decimal.NewFromInt(10)

// LendingPolicy holds the policy constants of the lending state machine, so
// the rules can be adjusted without touching the state transitions.
type LendingPolicy struct {
	LoanPeriod time.Duration
	FinePerDay decimal.Decimal
}

// DefaultLendingPolicy returns the standard 14-day term with a fine of 10
// units per day late.
func DefaultLendingPolicy() LendingPolicy {
	return LendingPolicy{
		LoanPeriod: DefaultLoanPeriod,
		FinePerDay: DefaultFinePerDay,
	}
}

// DueDate computes the due date for a loan created at the given instant.
func (p LendingPolicy) DueDate(borrowedAt time.Time) time.Time {
	return borrowedAt.Add(p.LoanPeriod)
}

// Fine computes the fine for a loan with the given due date returned at the
// given instant: ceil(daysLate) * FinePerDay, zero when the return happens at
// or before the due instant.
func (p LendingPolicy) Fine(dueAt time.Time, returnedAt time.Time) decimal.Decimal {
	return p.FinePerDay.Mul(decimal.NewFromInt(startedDays(returnedAt.Sub(dueAt))))
}

// startedDays counts every started 24h day in d, zero for non-positive d.
// The fine and the journal's daysKept detail share this convention.
func startedDays(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}

	return int64((d + fineDay - 1) / fineDay)
}
