package helper

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/openshelf/lending-ledger-go/ledger"
)

func GivenUniqueID(t testing.TB) uuid.UUID {
	id, err := uuid.NewV7()
	assert.NoError(t, err, "error in arranging test data")

	return id
}

// GivenBookInCatalog registers a book with the given number of copies and
// returns its ID.
func GivenBookInCatalog(t testing.TB, ctx context.Context, storage ledger.Storage, totalCopies int) uuid.UUID {
	bookID := GivenUniqueID(t)

	err := storage.AddBook(ctx, bookID, totalCopies)
	assert.NoError(t, err, "error in arranging test data")

	return bookID
}

// GivenCopyReserved reserves one copy of the given book.
func GivenCopyReserved(t testing.TB, ctx context.Context, storage ledger.Storage, bookID uuid.UUID) {
	err := storage.ReserveCopy(ctx, bookID)
	assert.NoError(t, err, "error in arranging test data")
}

// GivenActiveLoan reserves a copy and inserts an open loan for the given book
// and user, due 14 days after borrowedAt.
func GivenActiveLoan(
	t testing.TB,
	ctx context.Context,
	storage ledger.Storage,
	bookID uuid.UUID,
	userID uuid.UUID,
	borrowedAt time.Time,
) ledger.LoanRecord {

	GivenCopyReserved(t, ctx, storage, bookID)

	loan := FixtureLoan(t, bookID, userID, borrowedAt)
	err := storage.InsertLoan(ctx, loan)
	assert.NoError(t, err, "error in arranging test data")

	return loan
}

// FixtureLoan builds an open loan record with the default 14-day term.
func FixtureLoan(t testing.TB, bookID uuid.UUID, userID uuid.UUID, borrowedAt time.Time) ledger.LoanRecord {
	loanID, err := uuid.NewV7()
	assert.NoError(t, err, "error in arranging test data")

	policy := ledger.DefaultLendingPolicy()

	return ledger.LoanRecord{
		LoanID:     loanID,
		BookID:     bookID,
		UserID:     userID,
		BorrowedAt: ledger.ToStoredTime(borrowedAt),
		DueAt:      ledger.ToStoredTime(policy.DueDate(borrowedAt)),
	}
}
