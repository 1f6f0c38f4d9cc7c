package postgreswrapper

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"

	"github.com/openshelf/lending-ledger-go/ledger/postgresengine"
	"github.com/openshelf/lending-ledger-go/testutil/postgresengine/config"
)

// Engine type constants
const (
	typePGXPool = "pgx.pool"
	typeSQLDB   = "sql.db"
	typeSQLXDB  = "sqlx.db"
)

// Wrapper interface to abstract over different engine types
type Wrapper interface {
	GetStore() postgresengine.Store
	Close()
}

// PGXPoolWrapper wraps pgxpool-based testing
type PGXPoolWrapper struct {
	pool  *pgxpool.Pool
	store postgresengine.Store
}

func (e *PGXPoolWrapper) GetStore() postgresengine.Store {
	return e.store
}

func (e *PGXPoolWrapper) Close() {
	e.pool.Close()
}

// SQLDBWrapper wraps sql.DB-based testing
type SQLDBWrapper struct {
	db    *sql.DB
	store postgresengine.Store
}

func (e *SQLDBWrapper) GetStore() postgresengine.Store {
	return e.store
}

func (e *SQLDBWrapper) Close() {
	_ = e.db.Close() // ignore error
}

// SQLXWrapper wraps sqlx.DB-based testing
type SQLXWrapper struct {
	db    *sqlx.DB
	store postgresengine.Store
}

func (e *SQLXWrapper) GetStore() postgresengine.Store {
	return e.store
}

func (e *SQLXWrapper) Close() {
	_ = e.db.Close() // ignore error
}

// CreateWrapperWithTestConfig creates the appropriate wrapper based on the environment variable
func CreateWrapperWithTestConfig(t testing.TB, options ...postgresengine.Option) Wrapper {
	engineTypeFromEnv := strings.ToLower(os.Getenv("ADAPTER_TYPE"))

	switch engineTypeFromEnv {
	case typePGXPool, "":
		connPool, err := pgxpool.NewWithConfig(context.Background(), config.PostgresPGXPoolSingleConfig())
		assert.NoError(t, err, "error connecting to DB pool in test setup")

		store, err := postgresengine.NewStoreFromPGXPool(connPool, options...)
		assert.NoError(t, err, "error creating storage engine")

		return &PGXPoolWrapper{pool: connPool, store: store}

	case typeSQLDB:
		db := config.PostgresSQLDBSingleConfig()

		store, err := postgresengine.NewStoreFromSQLDB(db, options...)
		assert.NoError(t, err, "error creating storage engine")

		return &SQLDBWrapper{db: db, store: store}

	case typeSQLXDB:
		db := config.PostgresSQLXSingleConfig()

		store, err := postgresengine.NewStoreFromSQLX(db, options...)
		assert.NoError(t, err, "error creating storage engine")

		return &SQLXWrapper{db: db, store: store}

	default: // neither one of the known types nor empty
		panic(fmt.Sprintf("unsupported wrapper type from env: %s", engineTypeFromEnv))
	}
}

// TryCreateStoreWithTableNames tries to create a storage engine with the given
// table name options and returns the error (for testing error cases)
func TryCreateStoreWithTableNames(t testing.TB, options ...postgresengine.Option) error {
	engineTypeFromEnv := strings.ToLower(os.Getenv("ADAPTER_TYPE"))

	switch engineTypeFromEnv {
	case typePGXPool, "":
		connPool, err := pgxpool.NewWithConfig(context.Background(), config.PostgresPGXPoolSingleConfig())
		assert.NoError(t, err, "error connecting to DB pool in test setup")
		defer connPool.Close()

		_, err = postgresengine.NewStoreFromPGXPool(connPool, options...)
		return err

	case typeSQLDB:
		db := config.PostgresSQLDBSingleConfig()
		defer func(db *sql.DB) {
			_ = db.Close() // makes no sense to handle this
		}(db)

		_, err := postgresengine.NewStoreFromSQLDB(db, options...)
		return err

	case typeSQLXDB:
		db := config.PostgresSQLXSingleConfig()
		defer func(db *sqlx.DB) {
			_ = db.Close() // makes no sense to handle this
		}(db)

		_, err := postgresengine.NewStoreFromSQLX(db, options...)
		return err

	default: // neither one of the known types nor empty
		panic(fmt.Sprintf("unsupported wrapper type from env: %s", engineTypeFromEnv))
	}
}

// EnsureSchema creates the ledger tables with their default names if they do
// not exist yet.
func EnsureSchema(t testing.TB, wrapper Wrapper) {
	execStatement(t, wrapper, postgresengine.Schema, "error creating the ledger schema")
}

// CleanUp truncates the ledger tables for the given wrapper
func CleanUp(t testing.TB, wrapper Wrapper) {
	execStatement(t, wrapper,
		"TRUNCATE TABLE book_copies, loans, loan_journal",
		"error cleaning up the ledger tables")
}

func execStatement(t testing.TB, wrapper Wrapper, statement string, failureMsg string) {
	switch e := wrapper.(type) {
	case *PGXPoolWrapper:
		_, err := e.pool.Exec(context.Background(), statement)
		assert.NoError(t, err, failureMsg)

	case *SQLDBWrapper:
		_, err := e.db.Exec(statement)
		assert.NoError(t, err, failureMsg)

	case *SQLXWrapper:
		_, err := e.db.Exec(statement)
		assert.NoError(t, err, failureMsg)

	default:
		panic(fmt.Sprintf("unsupported wrapper type: %T", e))
	}
}

// CountOpenLoans returns the number of open loans for the given book directly
// from the database, bypassing the storage engine.
func CountOpenLoans(t testing.TB, wrapper Wrapper, bookID string) int {
	var cnt int
	var err error

	query := `SELECT count(*) FROM loans WHERE book_id = $1 AND NOT returned`

	switch e := wrapper.(type) {
	case *PGXPoolWrapper:
		row := e.pool.QueryRow(context.Background(), query, bookID)
		err = row.Scan(&cnt)

	case *SQLDBWrapper:
		row := e.db.QueryRow(query, bookID)
		err = row.Scan(&cnt)

	case *SQLXWrapper:
		row := e.db.QueryRow(query, bookID)
		err = row.Scan(&cnt)

	default:
		panic(fmt.Sprintf("unsupported wrapper type: %T", e))
	}

	assert.NoError(t, err, "error in asserting test outcome")
	return cnt
}
