// Package adapters provides database adapter implementations for the
// PostgreSQL ledger storage engine.
//
// The adapter pattern lets the engine work with multiple PostgreSQL client
// libraries: pgxpool.Pool, sql.DB, and sqlx.DB. All adapters present the same
// DBAdapter interface for query execution and result handling, so the engine
// is agnostic about which connection type the application brings.
package adapters
