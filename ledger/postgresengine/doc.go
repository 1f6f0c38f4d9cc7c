// Package postgresengine provides the PostgreSQL implementation of the ledger
// storage interfaces.
//
// The copy counters are maintained with atomic conditional UPDATE statements
// ("decrement only if at least one copy is available"), never with a
// read-then-write pair, so concurrent borrow traffic cannot over-lend a book.
// The one-active-loan-per-user-per-book rule is enforced by a partial unique
// index on the loans table, which makes the insert itself the race-free
// arbiter even when two borrow requests pass the service pre-check
// simultaneously.
//
// Key features:
//   - Multiple database adapter support (PGX, SQL, SQLX)
//   - Conditional copy reservation/release with invariant detection
//   - Append-only audit journal with JSONB detail payloads
//   - Configurable table names and dual-logger support
//
// Usage:
//
//	pool, _ := pgxpool.New(context.Background(), dsn)
//	store, _ := postgresengine.NewStoreFromPGXPool(pool)
//
//	svc, _ := ledger.NewLendingService(store,
//		ledger.WithLogger(logger),
//	)
//
// The expected schema is published as postgresengine.Schema so test helpers
// and migrations can create it verbatim.
package postgresengine
