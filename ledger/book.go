package ledger

import (
	"github.com/google/uuid"
)

// BookCopyRecord is the copy-tracking view of one book title. The catalog
// collaborator owns the title metadata; the ledger only owns the counters.
//
// Invariant: 0 <= CopiesAvailable <= TotalCopies.
type BookCopyRecord struct {
	BookID          uuid.UUID
	TotalCopies     int
	CopiesAvailable int
	BorrowCount     int64
}

// LentOut returns the number of copies currently out on loan.
func (b BookCopyRecord) LentOut() int {
	return b.TotalCopies - b.CopiesAvailable
}
