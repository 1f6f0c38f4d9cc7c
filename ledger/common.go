package ledger

import (
	"errors"
)

// Business-rule rejections. These are expected outcomes, reported verbatim to
// the caller, and must never be retried blindly.
var (
	ErrBookNotFound       = errors.New("book not found in catalog")
	ErrBookAlreadyExists  = errors.New("book already exists in catalog")
	ErrNoCopiesAvailable  = errors.New("no copies available for lending")
	ErrAlreadyBorrowed    = errors.New("user already has an active loan for this book")
	ErrLoanNotFound       = errors.New("no active loan found for this user")
	ErrBookHasActiveLoans = errors.New("book still has active loans")
)

// ErrCopyCountInvariant indicates that a copy release would push availability
// above the total, which signals ledger/tracker desynchronization. It is fatal
// to the operation and leaves the underlying record unmodified.
var ErrCopyCountInvariant = errors.New("copy count invariant violated: release would exceed total copies")

// ErrStorageFailure wraps transient storage errors. Callers may retry; the
// ledger itself never does, except for the single compensating copy release
// after a failed loan insert.
var ErrStorageFailure = errors.New("storage operation failed")

var (
	ErrNilStorage         = errors.New("nil storage supplied")
	ErrInvalidTotalCopies = errors.New("total copies must not be negative")
)
