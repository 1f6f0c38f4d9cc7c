package memoryengine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/openshelf/lending-ledger-go/ledger"
)

const (
	logMsgReleaseExceedsTotal = "copy release rejected, availability already at total"
	logAttrBookID             = "book_id"
)

// Ensure Store implements the combined storage interface.
var _ ledger.Storage = (*Store)(nil)

type activeLoanKey struct {
	userID uuid.UUID
	bookID uuid.UUID
}

// Store implements ledger.Storage in memory.
type Store struct {
	mu      sync.Mutex
	books   map[uuid.UUID]*ledger.BookCopyRecord
	loans   map[uuid.UUID]*ledger.LoanRecord
	order   []uuid.UUID // loan ids in insertion order
	active  map[activeLoanKey]uuid.UUID
	journal []ledger.JournalEntry
	logger  ledger.Logger
}

// Option defines a functional option for configuring the Store.
type Option func(*Store) error

// WithLogger sets the logger for the Store. Only invariant violations are
// logged; regular rejections are reported through errors alone.
func WithLogger(logger ledger.Logger) Option {
	return func(s *Store) error {
		s.logger = logger
		return nil
	}
}

// NewStore creates an empty in-memory store with optional configuration.
func NewStore(options ...Option) (*Store, error) {
	s := &Store{
		books:  make(map[uuid.UUID]*ledger.BookCopyRecord),
		loans:  make(map[uuid.UUID]*ledger.LoanRecord),
		active: make(map[activeLoanKey]uuid.UUID),
	}

	for _, option := range options {
		if err := option(s); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// AddBook creates the copy record for a book, with all copies available.
func (s *Store) AddBook(_ context.Context, bookID uuid.UUID, totalCopies int) error {
	if totalCopies < 0 {
		return ledger.ErrInvalidTotalCopies
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.books[bookID]; exists {
		return ledger.ErrBookAlreadyExists
	}

	s.books[bookID] = &ledger.BookCopyRecord{
		BookID:          bookID,
		TotalCopies:     totalCopies,
		CopiesAvailable: totalCopies,
	}

	return nil
}

// RemoveBook deletes the copy record unless active loans still reference it.
func (s *Store) RemoveBook(_ context.Context, bookID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.books[bookID]; !exists {
		return ledger.ErrBookNotFound
	}

	for key := range s.active {
		if key.bookID == bookID {
			return ledger.ErrBookHasActiveLoans
		}
	}

	delete(s.books, bookID)

	return nil
}

// SetTotalCopies applies a catalog edit, clamping availability so that it
// never goes negative nor exceeds the new total. Outstanding loans stay valid.
func (s *Store) SetTotalCopies(_ context.Context, bookID uuid.UUID, newTotal int) error {
	if newTotal < 0 {
		return ledger.ErrInvalidTotalCopies
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	book, exists := s.books[bookID]
	if !exists {
		return ledger.ErrBookNotFound
	}

	lentOut := book.TotalCopies - book.CopiesAvailable
	available := newTotal - lentOut
	if available < 0 {
		available = 0
	}

	book.TotalCopies = newTotal
	book.CopiesAvailable = available

	return nil
}

// BookExists reports whether a copy record exists for the book.
func (s *Store) BookExists(_ context.Context, bookID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists := s.books[bookID]

	return exists, nil
}

// GetBook returns a copy of the book's record.
func (s *Store) GetBook(_ context.Context, bookID uuid.UUID) (ledger.BookCopyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	book, exists := s.books[bookID]
	if !exists {
		return ledger.BookCopyRecord{}, ledger.ErrBookNotFound
	}

	return *book, nil
}

// ReserveCopy atomically checks availability and decrements it. The check and
// the decrement happen under the same lock, so two concurrent reservations on
// the last copy yield exactly one success.
func (s *Store) ReserveCopy(_ context.Context, bookID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	book, exists := s.books[bookID]
	if !exists {
		return ledger.ErrBookNotFound
	}

	if book.CopiesAvailable < 1 {
		return ledger.ErrNoCopiesAvailable
	}

	book.CopiesAvailable--
	book.BorrowCount++

	return nil
}

// ReleaseCopy increments availability. A release with availability already at
// total signals ledger/tracker desynchronization and is rejected without
// mutation.
func (s *Store) ReleaseCopy(_ context.Context, bookID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	book, exists := s.books[bookID]
	if !exists {
		return ledger.ErrBookNotFound
	}

	if book.CopiesAvailable >= book.TotalCopies {
		if s.logger != nil {
			s.logger.Error(logMsgReleaseExceedsTotal, logAttrBookID, bookID.String())
		}

		return ledger.ErrCopyCountInvariant
	}

	book.CopiesAvailable++

	return nil
}

// InsertLoan persists a new active loan, enforcing the
// one-active-loan-per-user-per-book rule.
func (s *Store) InsertLoan(_ context.Context, loan ledger.LoanRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := activeLoanKey{userID: loan.UserID, bookID: loan.BookID}
	if _, exists := s.active[key]; exists {
		return ledger.ErrAlreadyBorrowed
	}

	stored := loan
	s.loans[loan.LoanID] = &stored
	s.order = append(s.order, loan.LoanID)
	s.active[key] = loan.LoanID

	return nil
}

// FindActiveLoan returns the active loan with the given id belonging to the
// given user.
func (s *Store) FindActiveLoan(_ context.Context, loanID uuid.UUID, userID uuid.UUID) (ledger.LoanRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	loan, exists := s.loans[loanID]
	if !exists || loan.Returned || loan.UserID != userID {
		return ledger.LoanRecord{}, ledger.ErrLoanNotFound
	}

	return *loan, nil
}

// CloseLoan marks an active loan as returned and freezes its fine. Closing is
// conditional on the loan still being active, so a double return fails with
// ErrLoanNotFound.
func (s *Store) CloseLoan(
	_ context.Context,
	loanID uuid.UUID,
	userID uuid.UUID,
	returnedAt time.Time,
	fine decimal.Decimal,
) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	loan, exists := s.loans[loanID]
	if !exists || loan.Returned || loan.UserID != userID {
		return ledger.ErrLoanNotFound
	}

	loan.Returned = true
	loan.ReturnedAt = returnedAt
	loan.Fine = fine
	delete(s.active, activeLoanKey{userID: loan.UserID, bookID: loan.BookID})

	return nil
}

// HasActiveLoan reports whether the user currently has an active loan for the
// book.
func (s *Store) HasActiveLoan(_ context.Context, userID uuid.UUID, bookID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists := s.active[activeLoanKey{userID: userID, bookID: bookID}]

	return exists, nil
}

// ListActiveLoans returns the user's active loans, oldest first.
func (s *Store) ListActiveLoans(_ context.Context, userID uuid.UUID) ([]ledger.LoanRecord, error) {
	return s.listLoans(func(l *ledger.LoanRecord) bool {
		return !l.Returned && l.UserID == userID
	}), nil
}

// ListLoans returns all loans of one user, or of all users when userID is
// uuid.Nil, oldest first.
func (s *Store) ListLoans(_ context.Context, userID uuid.UUID) ([]ledger.LoanRecord, error) {
	return s.listLoans(func(l *ledger.LoanRecord) bool {
		return userID == uuid.Nil || l.UserID == userID
	}), nil
}

// ListOverdueLoans returns all active loans past due at the given instant,
// oldest first.
func (s *Store) ListOverdueLoans(_ context.Context, asOf time.Time) ([]ledger.LoanRecord, error) {
	return s.listLoans(func(l *ledger.LoanRecord) bool {
		return l.IsOverdue(asOf)
	}), nil
}

func (s *Store) listLoans(keep func(*ledger.LoanRecord) bool) []ledger.LoanRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]ledger.LoanRecord, 0)

	for _, loanID := range s.order {
		if loan := s.loans[loanID]; keep(loan) {
			result = append(result, *loan)
		}
	}

	return result
}

// AppendJournalEntry appends one line to the audit journal.
func (s *Store) AppendJournalEntry(_ context.Context, entry ledger.JournalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.journal = append(s.journal, entry)

	return nil
}

// ListJournal returns journal entries for one book, or for all books when
// bookID is uuid.Nil, oldest first.
func (s *Store) ListJournal(_ context.Context, bookID uuid.UUID) ([]ledger.JournalEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]ledger.JournalEntry, 0)

	for _, entry := range s.journal {
		if bookID == uuid.Nil || entry.BookID == bookID {
			result = append(result, entry)
		}
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].OccurredAt.Before(result[j].OccurredAt)
	})

	return result, nil
}
