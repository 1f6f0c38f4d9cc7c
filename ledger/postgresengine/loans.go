package postgresengine

import (
	"context"
	"database/sql"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/openshelf/lending-ledger-go/ledger"
)

const (
	colLoanID     = "loan_id"
	colUserID     = "user_id"
	colBorrowedAt = "borrowed_at"
	colDueAt      = "due_at"
	colReturned   = "returned"
	colReturnedAt = "returned_at"
	colFine       = "fine"

	colEntryID    = "entry_id"
	colAction     = "action"
	colOccurredAt = "occurred_at"
	colDetails    = "details"

	castJsonb = "?::jsonb"
)

// InsertLoan persists a new active loan. The partial unique index on
// (book_id, user_id) WHERE NOT returned makes this insert the race-free
// arbiter of the one-active-loan rule; a conflict maps to
// ledger.ErrAlreadyBorrowed.
func (s Store) InsertLoan(ctx context.Context, loan ledger.LoanRecord) error {
	sqlQuery, _, toSQLErr := s.builder().
		Insert(s.loansTableName).
		Cols(colLoanID, colBookID, colUserID, colBorrowedAt, colDueAt, colReturned, colFine).
		Vals(goqu.Vals{
			loan.LoanID.String(),
			loan.BookID.String(),
			loan.UserID.String(),
			loan.BorrowedAt,
			loan.DueAt,
			false,
			loan.Fine.String(),
		}).
		ToSQL()
	if toSQLErr != nil {
		return s.buildQueryFailed(toSQLErr)
	}

	_, _, execErr := s.exec(ctx, opInsertLoan, sqlQuery)
	if execErr != nil {
		if isUniqueViolation(execErr) {
			return ledger.ErrAlreadyBorrowed
		}

		return execErr
	}

	return nil
}

// FindActiveLoan returns the active loan with the given id belonging to the
// given user, or ledger.ErrLoanNotFound.
func (s Store) FindActiveLoan(ctx context.Context, loanID uuid.UUID, userID uuid.UUID) (ledger.LoanRecord, error) {
	var empty ledger.LoanRecord

	sqlQuery, _, toSQLErr := s.selectLoans().
		Where(
			goqu.Ex{colLoanID: loanID.String(), colUserID: userID.String()},
			goqu.L("NOT returned"),
		).
		ToSQL()
	if toSQLErr != nil {
		return empty, s.buildQueryFailed(toSQLErr)
	}

	rows, _, queryErr := s.query(ctx, opFindActiveLoan, sqlQuery)
	if queryErr != nil {
		return empty, queryErr
	}
	defer s.closeRows(rows)

	if !rows.Next() {
		return empty, ledger.ErrLoanNotFound
	}

	loan, scanErr := s.scanLoan(rows)
	if scanErr != nil {
		return empty, scanErr
	}

	return loan, nil
}

// CloseLoan marks an active loan as returned and freezes its fine, as a
// single conditional update. Zero rows affected means the loan is missing,
// closed already, or owned by a different user.
func (s Store) CloseLoan(
	ctx context.Context,
	loanID uuid.UUID,
	userID uuid.UUID,
	returnedAt time.Time,
	fine decimal.Decimal,
) error {

	sqlQuery, _, toSQLErr := s.builder().
		Update(s.loansTableName).
		Set(goqu.Record{
			colReturned:   true,
			colReturnedAt: returnedAt,
			colFine:       fine.String(),
		}).
		Where(
			goqu.Ex{colLoanID: loanID.String(), colUserID: userID.String()},
			goqu.L("NOT returned"),
		).
		ToSQL()
	if toSQLErr != nil {
		return s.buildQueryFailed(toSQLErr)
	}

	rowsAffected, _, execErr := s.exec(ctx, opCloseLoan, sqlQuery)
	if execErr != nil {
		return execErr
	}

	if rowsAffected == 0 {
		return ledger.ErrLoanNotFound
	}

	return nil
}

// HasActiveLoan reports whether the user currently has an active loan for the
// book.
func (s Store) HasActiveLoan(ctx context.Context, userID uuid.UUID, bookID uuid.UUID) (bool, error) {
	sqlQuery, _, toSQLErr := s.builder().
		From(s.loansTableName).
		Select(goqu.L("1")).
		Where(
			goqu.Ex{colUserID: userID.String(), colBookID: bookID.String()},
			goqu.L("NOT returned"),
		).
		ToSQL()
	if toSQLErr != nil {
		return false, s.buildQueryFailed(toSQLErr)
	}

	rows, _, queryErr := s.query(ctx, opHasActiveLoan, sqlQuery)
	if queryErr != nil {
		return false, queryErr
	}
	defer s.closeRows(rows)

	return rows.Next(), nil
}

// ListActiveLoans returns the user's active loans, oldest first.
func (s Store) ListActiveLoans(ctx context.Context, userID uuid.UUID) ([]ledger.LoanRecord, error) {
	stmt := s.selectLoans().
		Where(
			goqu.Ex{colUserID: userID.String()},
			goqu.L("NOT returned"),
		).
		Order(goqu.I(colBorrowedAt).Asc())

	return s.queryLoans(ctx, opListActiveLoans, stmt)
}

// ListLoans returns all loans of one user, or of all users when userID is
// uuid.Nil, oldest first.
func (s Store) ListLoans(ctx context.Context, userID uuid.UUID) ([]ledger.LoanRecord, error) {
	stmt := s.selectLoans().Order(goqu.I(colBorrowedAt).Asc())

	if userID != uuid.Nil {
		stmt = stmt.Where(goqu.Ex{colUserID: userID.String()})
	}

	return s.queryLoans(ctx, opListLoans, stmt)
}

// ListOverdueLoans returns all active loans whose due date lies before the
// given instant, oldest first.
func (s Store) ListOverdueLoans(ctx context.Context, asOf time.Time) ([]ledger.LoanRecord, error) {
	stmt := s.selectLoans().
		Where(
			goqu.L("NOT returned"),
			goqu.C(colDueAt).Lt(asOf),
		).
		Order(goqu.I(colBorrowedAt).Asc())

	return s.queryLoans(ctx, opListOverdueLoans, stmt)
}

// AppendJournalEntry appends one line to the audit journal.
func (s Store) AppendJournalEntry(ctx context.Context, entry ledger.JournalEntry) error {
	sqlQuery, _, toSQLErr := s.builder().
		Insert(s.journalTableName).
		Cols(colEntryID, colAction, colBookID, colUserID, colLoanID, colOccurredAt, colDetails).
		Vals(goqu.Vals{
			entry.EntryID.String(),
			entry.Action,
			nullableID(entry.BookID),
			nullableID(entry.UserID),
			nullableID(entry.LoanID),
			entry.OccurredAt,
			goqu.L(castJsonb, string(entry.DetailsJSON)),
		}).
		ToSQL()
	if toSQLErr != nil {
		return s.buildQueryFailed(toSQLErr)
	}

	_, _, execErr := s.exec(ctx, opAppendJournal, sqlQuery)

	return execErr
}

// ListJournal returns journal entries for one book, or for all books when
// bookID is uuid.Nil, oldest first.
func (s Store) ListJournal(ctx context.Context, bookID uuid.UUID) ([]ledger.JournalEntry, error) {
	stmt := s.builder().
		From(s.journalTableName).
		Select(colEntryID, colAction, colBookID, colUserID, colLoanID, colOccurredAt, colDetails).
		Order(goqu.I(colOccurredAt).Asc())

	if bookID != uuid.Nil {
		stmt = stmt.Where(goqu.Ex{colBookID: bookID.String()})
	}

	sqlQuery, _, toSQLErr := stmt.ToSQL()
	if toSQLErr != nil {
		return nil, s.buildQueryFailed(toSQLErr)
	}

	rows, _, queryErr := s.query(ctx, opListJournal, sqlQuery)
	if queryErr != nil {
		return nil, queryErr
	}
	defer s.closeRows(rows)

	entries := make([]ledger.JournalEntry, 0)

	for rows.Next() {
		var entry ledger.JournalEntry
		var entryBookID, entryUserID, entryLoanID sql.NullString

		scanErr := rows.Scan(
			&entry.EntryID,
			&entry.Action,
			&entryBookID,
			&entryUserID,
			&entryLoanID,
			&entry.OccurredAt,
			&entry.DetailsJSON,
		)
		if scanErr != nil {
			return nil, s.scanRowFailed(scanErr)
		}

		entry.BookID = parseNullableID(entryBookID)
		entry.UserID = parseNullableID(entryUserID)
		entry.LoanID = parseNullableID(entryLoanID)

		entries = append(entries, entry)
	}

	return entries, nil
}

func (s Store) selectLoans() *goqu.SelectDataset {
	return s.builder().
		From(s.loansTableName).
		Select(colLoanID, colBookID, colUserID, colBorrowedAt, colDueAt, colReturned, colReturnedAt, colFine)
}

func (s Store) queryLoans(ctx context.Context, operation string, stmt *goqu.SelectDataset) ([]ledger.LoanRecord, error) {
	sqlQuery, _, toSQLErr := stmt.ToSQL()
	if toSQLErr != nil {
		return nil, s.buildQueryFailed(toSQLErr)
	}

	rows, _, queryErr := s.query(ctx, operation, sqlQuery)
	if queryErr != nil {
		return nil, queryErr
	}
	defer s.closeRows(rows)

	loans := make([]ledger.LoanRecord, 0)

	for rows.Next() {
		loan, scanErr := s.scanLoan(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		loans = append(loans, loan)
	}

	return loans, nil
}

type loanRowScanner interface {
	Scan(dest ...any) error
}

func (s Store) scanLoan(rows loanRowScanner) (ledger.LoanRecord, error) {
	var loan ledger.LoanRecord
	var returnedAt sql.NullTime

	scanErr := rows.Scan(
		&loan.LoanID,
		&loan.BookID,
		&loan.UserID,
		&loan.BorrowedAt,
		&loan.DueAt,
		&loan.Returned,
		&returnedAt,
		&loan.Fine,
	)
	if scanErr != nil {
		return ledger.LoanRecord{}, s.scanRowFailed(scanErr)
	}

	if returnedAt.Valid {
		loan.ReturnedAt = returnedAt.Time
	}

	return loan, nil
}

// nullableID maps uuid.Nil to SQL NULL so catalog journal entries do not
// reference the zero uuid.
func nullableID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}

	return id.String()
}

func parseNullableID(value sql.NullString) uuid.UUID {
	if !value.Valid {
		return uuid.Nil
	}

	parsed, err := uuid.Parse(value.String)
	if err != nil {
		return uuid.Nil
	}

	return parsed
}
