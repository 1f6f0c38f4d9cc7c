package postgresengine

import (
	"context"
	"database/sql"
	"errors"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // driver import
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/openshelf/lending-ledger-go/ledger"
	"github.com/openshelf/lending-ledger-go/ledger/postgresengine/internal/adapters"
)

const (
	defaultBooksTableName   = "book_copies"
	defaultLoansTableName   = "loans"
	defaultJournalTableName = "loan_journal"

	dialectPostgres = "postgres"

	colBookID          = "book_id"
	colTotalCopies     = "total_copies"
	colCopiesAvailable = "copies_available"
	colBorrowCount     = "borrow_count"

	pgUniqueViolationCode = "23505"
)

// Schema is the DDL for the ledger tables with their default names. The
// partial unique index is what enforces the one-active-loan rule under
// concurrent inserts.
const Schema = `
CREATE TABLE IF NOT EXISTS book_copies (
    book_id          uuid PRIMARY KEY,
    total_copies     integer NOT NULL CHECK (total_copies >= 0),
    copies_available integer NOT NULL CHECK (copies_available >= 0 AND copies_available <= total_copies),
    borrow_count     bigint  NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS loans (
    loan_id     uuid PRIMARY KEY,
    book_id     uuid NOT NULL,
    user_id     uuid NOT NULL,
    borrowed_at timestamp with time zone NOT NULL,
    due_at      timestamp with time zone NOT NULL,
    returned    boolean NOT NULL DEFAULT false,
    returned_at timestamp with time zone,
    fine        numeric(12,2) NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_loans_one_active_per_user_book
    ON loans (book_id, user_id) WHERE NOT returned;

CREATE INDEX IF NOT EXISTS idx_loans_user ON loans (user_id, borrowed_at);
CREATE INDEX IF NOT EXISTS idx_loans_due ON loans (due_at) WHERE NOT returned;

CREATE TABLE IF NOT EXISTS loan_journal (
    entry_id    uuid PRIMARY KEY,
    action      text NOT NULL,
    book_id     uuid,
    user_id     uuid,
    loan_id     uuid,
    occurred_at timestamp with time zone NOT NULL,
    details     jsonb NOT NULL DEFAULT '{}'::jsonb
);

CREATE INDEX IF NOT EXISTS idx_loan_journal_book ON loan_journal (book_id, occurred_at);
`

// Store implements ledger.Storage on PostgreSQL. It leverages a database
// adapter and supports customizable logging, metrics, tracing, and table
// names.
type Store struct {
	db               adapters.DBAdapter
	booksTableName   string
	loansTableName   string
	journalTableName string
	logger           Logger
	contextualLogger ContextualLogger
	metricsCollector MetricsCollector
	tracingCollector TracingCollector
}

// Ensure Store implements the combined storage interface.
var _ ledger.Storage = Store{}

// NewStoreFromPGXPool creates a new Store using a pgx pool with optional
// configuration.
func NewStoreFromPGXPool(pool *pgxpool.Pool, options ...Option) (Store, error) {
	if pool == nil {
		return Store{}, ErrNilDatabaseConnection
	}

	return newStore(adapters.NewPGXAdapter(pool), options...)
}

// NewStoreFromPGXPoolWithReplica creates a new Store that sends read
// projections to a replica pool while all conditional updates stay on the
// primary.
func NewStoreFromPGXPoolWithReplica(primary *pgxpool.Pool, replica *pgxpool.Pool, options ...Option) (Store, error) {
	if primary == nil || replica == nil {
		return Store{}, ErrNilDatabaseConnection
	}

	return newStore(adapters.NewPGXAdapterWithReplica(primary, replica), options...)
}

// NewStoreFromSQLDB creates a new Store using a sql.DB with optional
// configuration.
func NewStoreFromSQLDB(db *sql.DB, options ...Option) (Store, error) {
	if db == nil {
		return Store{}, ErrNilDatabaseConnection
	}

	return newStore(adapters.NewSQLAdapter(db), options...)
}

// NewStoreFromSQLX creates a new Store using a sqlx.DB with optional
// configuration.
func NewStoreFromSQLX(db *sqlx.DB, options ...Option) (Store, error) {
	if db == nil {
		return Store{}, ErrNilDatabaseConnection
	}

	return newStore(adapters.NewSQLXAdapter(db), options...)
}

func newStore(db adapters.DBAdapter, options ...Option) (Store, error) {
	store := Store{
		db:               db,
		booksTableName:   defaultBooksTableName,
		loansTableName:   defaultLoansTableName,
		journalTableName: defaultJournalTableName,
	}

	for _, option := range options {
		if err := option(&store); err != nil {
			return Store{}, err
		}
	}

	return store, nil
}

func (s Store) builder() goqu.DialectWrapper {
	return goqu.Dialect(dialectPostgres)
}

// AddBook creates the copy record for a book added to the catalog, with all
// copies available.
func (s Store) AddBook(ctx context.Context, bookID uuid.UUID, totalCopies int) error {
	if totalCopies < 0 {
		return ledger.ErrInvalidTotalCopies
	}

	sqlQuery, _, toSQLErr := s.builder().
		Insert(s.booksTableName).
		Cols(colBookID, colTotalCopies, colCopiesAvailable).
		Vals(goqu.Vals{bookID.String(), totalCopies, totalCopies}).
		ToSQL()
	if toSQLErr != nil {
		return s.buildQueryFailed(toSQLErr)
	}

	_, _, execErr := s.exec(ctx, opAddBook, sqlQuery)
	if execErr != nil {
		if isUniqueViolation(execErr) {
			return ledger.ErrBookAlreadyExists
		}

		return execErr
	}

	return nil
}

// RemoveBook deletes the copy record unless active loans still reference the
// book.
func (s Store) RemoveBook(ctx context.Context, bookID uuid.UUID) error {
	activeLoansExist := s.builder().
		From(s.loansTableName).
		Select(goqu.L("1")).
		Where(
			goqu.Ex{colBookID: bookID.String()},
			goqu.L("NOT returned"),
		)

	sqlQuery, _, toSQLErr := s.builder().
		Delete(s.booksTableName).
		Where(
			goqu.Ex{colBookID: bookID.String()},
			goqu.L("NOT EXISTS ?", activeLoansExist),
		).
		ToSQL()
	if toSQLErr != nil {
		return s.buildQueryFailed(toSQLErr)
	}

	rowsAffected, _, execErr := s.exec(ctx, opRemoveBook, sqlQuery)
	if execErr != nil {
		return execErr
	}

	if rowsAffected == 0 {
		exists, existsErr := s.BookExists(ctx, bookID)
		if existsErr != nil {
			return existsErr
		}

		if exists {
			return ledger.ErrBookHasActiveLoans
		}

		return ledger.ErrBookNotFound
	}

	return nil
}

// SetTotalCopies applies a catalog edit in one atomic update, clamping
// availability to [0, newTotal] while leaving outstanding loans valid.
func (s Store) SetTotalCopies(ctx context.Context, bookID uuid.UUID, newTotal int) error {
	if newTotal < 0 {
		return ledger.ErrInvalidTotalCopies
	}

	sqlQuery, _, toSQLErr := s.builder().
		Update(s.booksTableName).
		Set(goqu.Record{
			colCopiesAvailable: goqu.L("GREATEST(0, ? - (total_copies - copies_available))", newTotal),
			colTotalCopies:     newTotal,
		}).
		Where(goqu.Ex{colBookID: bookID.String()}).
		ToSQL()
	if toSQLErr != nil {
		return s.buildQueryFailed(toSQLErr)
	}

	rowsAffected, _, execErr := s.exec(ctx, opSetTotalCopies, sqlQuery)
	if execErr != nil {
		return execErr
	}

	if rowsAffected == 0 {
		return ledger.ErrBookNotFound
	}

	return nil
}

// BookExists reports whether a copy record exists for the book.
func (s Store) BookExists(ctx context.Context, bookID uuid.UUID) (bool, error) {
	_, err := s.GetBook(ctx, bookID)
	if errors.Is(err, ledger.ErrBookNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return true, nil
}

// GetBook returns the copy record, or ledger.ErrBookNotFound.
func (s Store) GetBook(ctx context.Context, bookID uuid.UUID) (ledger.BookCopyRecord, error) {
	var empty ledger.BookCopyRecord

	sqlQuery, _, toSQLErr := s.builder().
		From(s.booksTableName).
		Select(colBookID, colTotalCopies, colCopiesAvailable, colBorrowCount).
		Where(goqu.Ex{colBookID: bookID.String()}).
		ToSQL()
	if toSQLErr != nil {
		return empty, s.buildQueryFailed(toSQLErr)
	}

	rows, _, queryErr := s.query(ctx, opGetBook, sqlQuery)
	if queryErr != nil {
		return empty, queryErr
	}
	defer s.closeRows(rows)

	if !rows.Next() {
		return empty, ledger.ErrBookNotFound
	}

	var book ledger.BookCopyRecord
	if scanErr := rows.Scan(&book.BookID, &book.TotalCopies, &book.CopiesAvailable, &book.BorrowCount); scanErr != nil {
		return empty, s.scanRowFailed(scanErr)
	}

	return book, nil
}

// ReserveCopy atomically checks availability and decrements it, incrementing
// the borrow counter in the same statement. Zero rows affected means the book
// is either missing or has no available copy; an existence probe decides
// which.
func (s Store) ReserveCopy(ctx context.Context, bookID uuid.UUID) error {
	sqlQuery, _, toSQLErr := s.builder().
		Update(s.booksTableName).
		Set(goqu.Record{
			colCopiesAvailable: goqu.L("copies_available - 1"),
			colBorrowCount:     goqu.L("borrow_count + 1"),
		}).
		Where(
			goqu.Ex{colBookID: bookID.String()},
			goqu.C(colCopiesAvailable).Gte(1),
		).
		ToSQL()
	if toSQLErr != nil {
		return s.buildQueryFailed(toSQLErr)
	}

	rowsAffected, _, execErr := s.exec(ctx, opReserveCopy, sqlQuery)
	if execErr != nil {
		return execErr
	}

	if rowsAffected == 0 {
		exists, existsErr := s.BookExists(ctx, bookID)
		if existsErr != nil {
			return existsErr
		}

		if !exists {
			return ledger.ErrBookNotFound
		}

		return ledger.ErrNoCopiesAvailable
	}

	return nil
}

// ReleaseCopy atomically increments availability. Zero rows affected on an
// existing book means availability is already at total, which signals
// ledger/tracker desynchronization: the violation is logged and the record
// left unmodified.
func (s Store) ReleaseCopy(ctx context.Context, bookID uuid.UUID) error {
	sqlQuery, _, toSQLErr := s.builder().
		Update(s.booksTableName).
		Set(goqu.Record{
			colCopiesAvailable: goqu.L("copies_available + 1"),
		}).
		Where(
			goqu.Ex{colBookID: bookID.String()},
			goqu.L("copies_available < total_copies"),
		).
		ToSQL()
	if toSQLErr != nil {
		return s.buildQueryFailed(toSQLErr)
	}

	rowsAffected, _, execErr := s.exec(ctx, opReleaseCopy, sqlQuery)
	if execErr != nil {
		return execErr
	}

	if rowsAffected == 0 {
		exists, existsErr := s.BookExists(ctx, bookID)
		if existsErr != nil {
			return existsErr
		}

		if !exists {
			return ledger.ErrBookNotFound
		}

		s.logError(ctx, logMsgInvariantViolation, logAttrBookID, bookID.String())

		return ledger.ErrCopyCountInvariant
	}

	return nil
}

// isUniqueViolation detects a unique constraint violation from either the pgx
// or the lib/pq driver.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolationCode {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolationCode {
		return true
	}

	return false
}
