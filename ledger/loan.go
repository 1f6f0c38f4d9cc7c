package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LoanRecord is one borrow event. Records are created by Borrow, closed
// exactly once by Return, and never deleted (audit trail).
//
// BookID and UserID are weak references; the ledger does not own book or user
// lifecycle. BorrowedAt and DueAt are immutable after creation. ReturnedAt and
// Fine are set exactly once when the loan is closed.
type LoanRecord struct {
	LoanID     uuid.UUID
	BookID     uuid.UUID
	UserID     uuid.UUID
	BorrowedAt time.Time
	DueAt      time.Time
	ReturnedAt time.Time // zero while the loan is active
	Returned   bool
	Fine       decimal.Decimal
}

// IsActive reports whether the loan is still open.
func (l LoanRecord) IsActive() bool {
	return !l.Returned
}

// IsOverdue reports whether an active loan is past its due date at the given
// instant. A closed loan is never overdue.
func (l LoanRecord) IsOverdue(asOf time.Time) bool {
	return !l.Returned && asOf.After(l.DueAt)
}

// AccruedFine returns the fine the loan would incur if returned at the given
// instant. For a closed loan it returns the frozen fine; the stored amount is
// never recomputed.
func (l LoanRecord) AccruedFine(policy LendingPolicy, asOf time.Time) decimal.Decimal {
	if l.Returned {
		return l.Fine
	}

	return policy.Fine(l.DueAt, asOf)
}

// ToStoredTime normalizes a timestamp to UTC with microsecond precision, which
// is the precision the storage engines persist.
func ToStoredTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
