package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CopyTracker maintains the available-copy invariant for each book under
// concurrent borrow/return traffic. Reserve and release must be atomic
// conditional updates with respect to concurrent callers on the same book:
// two concurrent reservations with one copy available must result in exactly
// one success and one ErrNoCopiesAvailable, never a negative count.
type CopyTracker interface {
	// AddBook creates the copy record for a book added to the catalog, with
	// all copies available. Fails with ErrBookAlreadyExists.
	AddBook(ctx context.Context, bookID uuid.UUID, totalCopies int) error

	// RemoveBook deletes the copy record. It fails with ErrBookHasActiveLoans
	// while any active loan references the book.
	RemoveBook(ctx context.Context, bookID uuid.UUID) error

	// SetTotalCopies applies a catalog edit. When the new total is below the
	// currently-lent-out count, availability is clamped to zero in the same
	// atomic update and outstanding loans stay valid.
	SetTotalCopies(ctx context.Context, bookID uuid.UUID, newTotal int) error

	// BookExists reports whether a copy record exists for the book.
	BookExists(ctx context.Context, bookID uuid.UUID) (bool, error)

	// GetBook returns the copy record, or ErrBookNotFound.
	GetBook(ctx context.Context, bookID uuid.UUID) (BookCopyRecord, error)

	// ReserveCopy atomically checks CopiesAvailable >= 1 and decrements it,
	// incrementing the borrow counter in the same update. It fails with
	// ErrBookNotFound or ErrNoCopiesAvailable without partial mutation.
	ReserveCopy(ctx context.Context, bookID uuid.UUID) error

	// ReleaseCopy atomically increments CopiesAvailable. A release that would
	// exceed TotalCopies is rejected with ErrCopyCountInvariant and leaves the
	// record unmodified.
	ReleaseCopy(ctx context.Context, bookID uuid.UUID) error
}

// LoanStore persists loan records and the audit journal. The active-loan
// uniqueness rule is enforced at this level (e.g. with a partial unique
// index), so a conflicting insert fails with ErrAlreadyBorrowed even when two
// borrow requests race past the service pre-check.
type LoanStore interface {
	// InsertLoan persists a new active loan. Fails with ErrAlreadyBorrowed if
	// the user already has an active loan for the same book.
	InsertLoan(ctx context.Context, loan LoanRecord) error

	// FindActiveLoan returns the active loan with the given id belonging to
	// the given user, or ErrLoanNotFound.
	FindActiveLoan(ctx context.Context, loanID uuid.UUID, userID uuid.UUID) (LoanRecord, error)

	// CloseLoan marks an active loan as returned and freezes its fine, as a
	// single conditional update. A loan that is already closed, missing, or
	// owned by a different user yields ErrLoanNotFound.
	CloseLoan(ctx context.Context, loanID uuid.UUID, userID uuid.UUID, returnedAt time.Time, fine decimal.Decimal) error

	// HasActiveLoan reports whether the user currently has an active loan for
	// the book.
	HasActiveLoan(ctx context.Context, userID uuid.UUID, bookID uuid.UUID) (bool, error)

	// ListActiveLoans returns the user's active loans, oldest first.
	ListActiveLoans(ctx context.Context, userID uuid.UUID) ([]LoanRecord, error)

	// ListLoans returns all loans of one user, or of all users when userID is
	// uuid.Nil, oldest first.
	ListLoans(ctx context.Context, userID uuid.UUID) ([]LoanRecord, error)

	// ListOverdueLoans returns all active loans whose due date lies before the
	// given instant, oldest first.
	ListOverdueLoans(ctx context.Context, asOf time.Time) ([]LoanRecord, error)

	// AppendJournalEntry appends one line to the audit journal.
	AppendJournalEntry(ctx context.Context, entry JournalEntry) error

	// ListJournal returns journal entries for one book, or for all books when
	// bookID is uuid.Nil, oldest first.
	ListJournal(ctx context.Context, bookID uuid.UUID) ([]JournalEntry, error)
}

// Storage combines the two storage responsibilities. The provided engines
// implement both over the same backing store.
type Storage interface {
	CopyTracker
	LoanStore
}
