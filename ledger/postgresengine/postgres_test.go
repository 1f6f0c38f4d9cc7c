package postgresengine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/openshelf/lending-ledger-go/ledger"
	. "github.com/openshelf/lending-ledger-go/testutil/postgresengine/helper"                 //nolint:revive
	. "github.com/openshelf/lending-ledger-go/testutil/postgresengine/helper/postgreswrapper" //nolint:revive
)

func Test_AddBook_CreatesTheCopyRecord_WithAllCopiesAvailable(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetStore()

	// arrange
	EnsureSchema(t, wrapper)
	CleanUp(t, wrapper)
	bookID := GivenUniqueID(t)

	// act
	err := store.AddBook(ctxWithTimeout, bookID, 3)

	// assert
	assert.NoError(t, err, "error in adding the book")

	book, getErr := store.GetBook(ctxWithTimeout, bookID)
	assert.NoError(t, getErr, "error in reading the copy record")
	assert.Equal(t, 3, book.TotalCopies)
	assert.Equal(t, 3, book.CopiesAvailable)
	assert.Equal(t, int64(0), book.BorrowCount)
}

func Test_AddBook_When_TheBookAlreadyExists(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetStore()

	// arrange
	EnsureSchema(t, wrapper)
	CleanUp(t, wrapper)
	bookID := GivenBookInCatalog(t, ctxWithTimeout, store, 3)

	// act
	err := store.AddBook(ctxWithTimeout, bookID, 1)

	// assert
	assert.ErrorIs(t, err, ledger.ErrBookAlreadyExists)

	book, getErr := store.GetBook(ctxWithTimeout, bookID)
	assert.NoError(t, getErr)
	assert.Equal(t, 3, book.TotalCopies, "the existing record must stay untouched")
}

func Test_ReserveCopy_DecrementsAvailability_And_CountsTheBorrow(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetStore()

	// arrange
	EnsureSchema(t, wrapper)
	CleanUp(t, wrapper)
	bookID := GivenBookInCatalog(t, ctxWithTimeout, store, 2)

	// act
	err := store.ReserveCopy(ctxWithTimeout, bookID)

	// assert
	assert.NoError(t, err, "error in reserving the copy")

	book, getErr := store.GetBook(ctxWithTimeout, bookID)
	assert.NoError(t, getErr)
	assert.Equal(t, 1, book.CopiesAvailable)
	assert.Equal(t, int64(1), book.BorrowCount)
}

func Test_ReserveCopy_When_NoCopiesAreAvailable(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetStore()

	// arrange
	EnsureSchema(t, wrapper)
	CleanUp(t, wrapper)
	bookID := GivenBookInCatalog(t, ctxWithTimeout, store, 1)
	GivenCopyReserved(t, ctxWithTimeout, store, bookID)

	// act
	err := store.ReserveCopy(ctxWithTimeout, bookID)

	// assert
	assert.ErrorIs(t, err, ledger.ErrNoCopiesAvailable)
}

func Test_ReserveCopy_When_TheBookIsUnknown(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetStore()

	// arrange
	EnsureSchema(t, wrapper)
	CleanUp(t, wrapper)

	// act
	err := store.ReserveCopy(ctxWithTimeout, GivenUniqueID(t))

	// assert
	assert.ErrorIs(t, err, ledger.ErrBookNotFound)
}

func Test_ReserveCopy_Concurrent_NeverOversells(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	wrapper := CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetStore()

	// arrange
	const totalCopies = 5
	const attempts = 20

	EnsureSchema(t, wrapper)
	CleanUp(t, wrapper)
	bookID := GivenBookInCatalog(t, ctxWithTimeout, store, totalCopies)

	// act
	var wg sync.WaitGroup
	results := make([]error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			results[slot] = store.ReserveCopy(ctxWithTimeout, bookID)
		}(i)
	}
	wg.Wait()

	// assert
	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
		} else {
			assert.ErrorIs(t, err, ledger.ErrNoCopiesAvailable)
		}
	}

	assert.Equal(t, totalCopies, successes, "the conditional update must hand out each copy exactly once")

	book, getErr := store.GetBook(ctxWithTimeout, bookID)
	assert.NoError(t, getErr)
	assert.Equal(t, 0, book.CopiesAvailable)
	assert.Equal(t, int64(totalCopies), book.BorrowCount)
}

func Test_ReleaseCopy_When_AvailabilityIsAlreadyAtTotal(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetStore()

	// arrange
	EnsureSchema(t, wrapper)
	CleanUp(t, wrapper)
	bookID := GivenBookInCatalog(t, ctxWithTimeout, store, 1)

	// act
	err := store.ReleaseCopy(ctxWithTimeout, bookID)

	// assert
	assert.ErrorIs(t, err, ledger.ErrCopyCountInvariant)

	book, getErr := store.GetBook(ctxWithTimeout, bookID)
	assert.NoError(t, getErr)
	assert.Equal(t, 1, book.CopiesAvailable, "a rejected release must not mutate the record")
}

func Test_SetTotalCopies_ClampsAvailability_WhenTheTotalShrinksBelowLentOut(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetStore()

	// arrange
	EnsureSchema(t, wrapper)
	CleanUp(t, wrapper)
	bookID := GivenBookInCatalog(t, ctxWithTimeout, store, 3)
	GivenCopyReserved(t, ctxWithTimeout, store, bookID)
	GivenCopyReserved(t, ctxWithTimeout, store, bookID)

	// act
	err := store.SetTotalCopies(ctxWithTimeout, bookID, 1)

	// assert
	assert.NoError(t, err)

	book, getErr := store.GetBook(ctxWithTimeout, bookID)
	assert.NoError(t, getErr)
	assert.Equal(t, 1, book.TotalCopies)
	assert.Equal(t, 0, book.CopiesAvailable)
}

func Test_SetTotalCopies_AddsCopies_WithoutTouchingLentOutOnes(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetStore()

	// arrange
	EnsureSchema(t, wrapper)
	CleanUp(t, wrapper)
	bookID := GivenBookInCatalog(t, ctxWithTimeout, store, 2)
	GivenCopyReserved(t, ctxWithTimeout, store, bookID)

	// act
	err := store.SetTotalCopies(ctxWithTimeout, bookID, 5)

	// assert
	assert.NoError(t, err)

	book, getErr := store.GetBook(ctxWithTimeout, bookID)
	assert.NoError(t, getErr)
	assert.Equal(t, 5, book.TotalCopies)
	assert.Equal(t, 4, book.CopiesAvailable, "one copy is still lent out")
}

func Test_RemoveBook_When_ActiveLoansReferenceIt(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetStore()

	fakeClock := time.Unix(0, 0).UTC()

	// arrange
	EnsureSchema(t, wrapper)
	CleanUp(t, wrapper)
	bookID := GivenBookInCatalog(t, ctxWithTimeout, store, 1)
	userID := GivenUniqueID(t)
	loan := GivenActiveLoan(t, ctxWithTimeout, store, bookID, userID, fakeClock)

	// act
	err := store.RemoveBook(ctxWithTimeout, bookID)

	// assert
	assert.ErrorIs(t, err, ledger.ErrBookHasActiveLoans)

	// act: after the loan is closed the removal goes through
	closeErr := store.CloseLoan(ctxWithTimeout, loan.LoanID, userID, fakeClock.Add(24*time.Hour), decimal.Zero)
	assert.NoError(t, closeErr, "error in closing the loan")

	err = store.RemoveBook(ctxWithTimeout, bookID)

	// assert
	assert.NoError(t, err)

	exists, existsErr := store.BookExists(ctxWithTimeout, bookID)
	assert.NoError(t, existsErr)
	assert.False(t, exists)
}

func Test_RemoveBook_When_TheBookIsUnknown(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetStore()

	// arrange
	EnsureSchema(t, wrapper)
	CleanUp(t, wrapper)

	// act
	err := store.RemoveBook(ctxWithTimeout, GivenUniqueID(t))

	// assert
	assert.ErrorIs(t, err, ledger.ErrBookNotFound)
}

func Test_InsertLoan_When_TheUserAlreadyHasTheBook(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetStore()

	fakeClock := time.Unix(0, 0).UTC()

	// arrange
	EnsureSchema(t, wrapper)
	CleanUp(t, wrapper)
	bookID := GivenBookInCatalog(t, ctxWithTimeout, store, 2)
	userID := GivenUniqueID(t)
	GivenActiveLoan(t, ctxWithTimeout, store, bookID, userID, fakeClock)

	// act
	err := store.InsertLoan(ctxWithTimeout, FixtureLoan(t, bookID, userID, fakeClock.Add(time.Second)))

	// assert
	assert.ErrorIs(t, err, ledger.ErrAlreadyBorrowed)
	assert.Equal(t, 1, CountOpenLoans(t, wrapper, bookID.String()))
}

func Test_InsertLoan_Concurrent_OnlyOneActiveLoanPerUserAndBook(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	wrapper := CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetStore()

	fakeClock := time.Unix(0, 0).UTC()

	// arrange
	EnsureSchema(t, wrapper)
	CleanUp(t, wrapper)
	bookID := GivenBookInCatalog(t, ctxWithTimeout, store, 2)
	userID := GivenUniqueID(t)

	// act: two concurrent inserts for the same user and book race on the
	// partial unique index
	var wg sync.WaitGroup
	results := make([]error, 2)

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			results[slot] = store.InsertLoan(ctxWithTimeout, FixtureLoan(t, bookID, userID, fakeClock))
		}(i)
	}
	wg.Wait()

	// assert
	successes, conflicts := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			successes++
		default:
			assert.ErrorIs(t, err, ledger.ErrAlreadyBorrowed)
			conflicts++
		}
	}

	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, conflicts)
	assert.Equal(t, 1, CountOpenLoans(t, wrapper, bookID.String()))
}

func Test_CloseLoan_FreezesTheFine_And_ClosesOnlyOnce(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetStore()

	fakeClock := time.Unix(0, 0).UTC()

	// arrange
	EnsureSchema(t, wrapper)
	CleanUp(t, wrapper)
	bookID := GivenBookInCatalog(t, ctxWithTimeout, store, 1)
	userID := GivenUniqueID(t)
	loan := GivenActiveLoan(t, ctxWithTimeout, store, bookID, userID, fakeClock)
	returnedAt := fakeClock.Add(17 * 24 * time.Hour)
	fine := decimal.NewFromInt(30)

	// act
	firstClose := store.CloseLoan(ctxWithTimeout, loan.LoanID, userID, returnedAt, fine)
	secondClose := store.CloseLoan(ctxWithTimeout, loan.LoanID, userID, returnedAt, fine)

	// assert
	assert.NoError(t, firstClose, "error in closing the loan")
	assert.ErrorIs(t, secondClose, ledger.ErrLoanNotFound)

	loans, listErr := store.ListLoans(ctxWithTimeout, userID)
	assert.NoError(t, listErr)
	assert.Len(t, loans, 1)
	assert.True(t, loans[0].Returned)
	assert.True(t, loans[0].Fine.Equal(fine), "the fine is frozen on the record at return time")
	assert.True(t, loans[0].ReturnedAt.Equal(returnedAt))
}

func Test_FindActiveLoan_When_TheLoanBelongsToAnotherUser(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetStore()

	fakeClock := time.Unix(0, 0).UTC()

	// arrange
	EnsureSchema(t, wrapper)
	CleanUp(t, wrapper)
	bookID := GivenBookInCatalog(t, ctxWithTimeout, store, 1)
	owner := GivenUniqueID(t)
	otherUser := GivenUniqueID(t)
	loan := GivenActiveLoan(t, ctxWithTimeout, store, bookID, owner, fakeClock)

	// act
	_, err := store.FindActiveLoan(ctxWithTimeout, loan.LoanID, otherUser)

	// assert
	assert.ErrorIs(t, err, ledger.ErrLoanNotFound)

	found, findErr := store.FindActiveLoan(ctxWithTimeout, loan.LoanID, owner)
	assert.NoError(t, findErr)
	assert.Equal(t, loan.LoanID, found.LoanID)
	assert.True(t, found.DueAt.Equal(loan.DueAt))
}

func Test_HasActiveLoan_TracksBorrowAndReturn(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetStore()

	fakeClock := time.Unix(0, 0).UTC()

	// arrange
	EnsureSchema(t, wrapper)
	CleanUp(t, wrapper)
	bookID := GivenBookInCatalog(t, ctxWithTimeout, store, 1)
	userID := GivenUniqueID(t)

	// act + assert
	hasLoan, err := store.HasActiveLoan(ctxWithTimeout, userID, bookID)
	assert.NoError(t, err)
	assert.False(t, hasLoan)

	loan := GivenActiveLoan(t, ctxWithTimeout, store, bookID, userID, fakeClock)

	hasLoan, err = store.HasActiveLoan(ctxWithTimeout, userID, bookID)
	assert.NoError(t, err)
	assert.True(t, hasLoan)

	closeErr := store.CloseLoan(ctxWithTimeout, loan.LoanID, userID, fakeClock.Add(time.Hour), decimal.Zero)
	assert.NoError(t, closeErr)

	hasLoan, err = store.HasActiveLoan(ctxWithTimeout, userID, bookID)
	assert.NoError(t, err)
	assert.False(t, hasLoan)
}

func Test_ListOverdueLoans_UsesTheDueInstantExclusively(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetStore()

	fakeClock := time.Unix(0, 0).UTC()

	// arrange
	EnsureSchema(t, wrapper)
	CleanUp(t, wrapper)
	bookID := GivenBookInCatalog(t, ctxWithTimeout, store, 1)
	userID := GivenUniqueID(t)
	loan := GivenActiveLoan(t, ctxWithTimeout, store, bookID, userID, fakeClock)

	// act
	atDue, errAtDue := store.ListOverdueLoans(ctxWithTimeout, loan.DueAt)
	pastDue, errPastDue := store.ListOverdueLoans(ctxWithTimeout, loan.DueAt.Add(time.Second))

	// assert
	assert.NoError(t, errAtDue)
	assert.NoError(t, errPastDue)
	assert.Empty(t, atDue, "a loan is not overdue at the exact due instant")
	assert.Len(t, pastDue, 1)
	assert.Equal(t, loan.LoanID, pastDue[0].LoanID)
}

func Test_ListLoans_With_NilUserID_ReturnsLoansOfAllUsers(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetStore()

	fakeClock := time.Unix(0, 0).UTC()

	// arrange
	EnsureSchema(t, wrapper)
	CleanUp(t, wrapper)
	bookID := GivenBookInCatalog(t, ctxWithTimeout, store, 2)
	firstUser := GivenUniqueID(t)
	secondUser := GivenUniqueID(t)
	GivenActiveLoan(t, ctxWithTimeout, store, bookID, firstUser, fakeClock)
	GivenActiveLoan(t, ctxWithTimeout, store, bookID, secondUser, fakeClock.Add(time.Second))

	// act
	allLoans, allErr := store.ListLoans(ctxWithTimeout, uuid.Nil)
	firstUserLoans, firstErr := store.ListLoans(ctxWithTimeout, firstUser)

	// assert
	assert.NoError(t, allErr)
	assert.NoError(t, firstErr)
	assert.Len(t, allLoans, 2)
	assert.Len(t, firstUserLoans, 1)
	assert.Equal(t, firstUser, firstUserLoans[0].UserID)
}

func Test_Journal_AppendAndList_FiltersByBook(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetStore()

	fakeClock := time.Unix(0, 0).UTC()

	// arrange
	EnsureSchema(t, wrapper)
	CleanUp(t, wrapper)
	bookID := GivenUniqueID(t)
	otherBookID := GivenUniqueID(t)
	userID := GivenUniqueID(t)
	loanID := GivenUniqueID(t)

	addedEntry, buildErr := ledger.BuildJournalEntry(
		ledger.JournalActionBookAdded, bookID, uuid.Nil, uuid.Nil, fakeClock,
		struct {
			TotalCopies int `json:"totalCopies"`
		}{TotalCopies: 3},
	)
	assert.NoError(t, buildErr, "error in building the journal entry")

	borrowedEntry, buildErr := ledger.BuildJournalEntry(
		ledger.JournalActionBookBorrowed, bookID, userID, loanID, fakeClock.Add(time.Second),
		struct{}{},
	)
	assert.NoError(t, buildErr, "error in building the journal entry")

	otherBookEntry, buildErr := ledger.BuildJournalEntry(
		ledger.JournalActionBookAdded, otherBookID, uuid.Nil, uuid.Nil, fakeClock.Add(2*time.Second),
		struct{}{},
	)
	assert.NoError(t, buildErr, "error in building the journal entry")

	for _, entry := range []ledger.JournalEntry{addedEntry, borrowedEntry, otherBookEntry} {
		appendErr := store.AppendJournalEntry(ctxWithTimeout, entry)
		assert.NoError(t, appendErr, "error in appending the journal entry")
	}

	// act
	bookEntries, listErr := store.ListJournal(ctxWithTimeout, bookID)
	allEntries, listAllErr := store.ListJournal(ctxWithTimeout, uuid.Nil)

	// assert
	assert.NoError(t, listErr)
	assert.NoError(t, listAllErr)
	assert.Len(t, bookEntries, 2)
	assert.Len(t, allEntries, 3)

	assert.Equal(t, ledger.JournalActionBookAdded, bookEntries[0].Action)
	assert.Equal(t, uuid.Nil, bookEntries[0].UserID, "catalog actions carry no user")
	assert.Equal(t, uuid.Nil, bookEntries[0].LoanID, "catalog actions carry no loan")

	var details struct {
		TotalCopies int `json:"totalCopies"`
	}
	decodeErr := bookEntries[0].DecodeDetails(&details)
	assert.NoError(t, decodeErr)
	assert.Equal(t, 3, details.TotalCopies)

	assert.Equal(t, ledger.JournalActionBookBorrowed, bookEntries[1].Action)
	assert.Equal(t, userID, bookEntries[1].UserID)
	assert.Equal(t, loanID, bookEntries[1].LoanID)
}
