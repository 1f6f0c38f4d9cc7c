// Package postgreswrapper abstracts over the supported PostgreSQL adapters
// (pgx.Pool, sql.DB, sqlx.DB) so the storage engine tests can run against any
// of them.
//
// The adapter is selected by the ADAPTER_TYPE environment variable:
//
//	ADAPTER_TYPE=pgx.pool  (default)
//	ADAPTER_TYPE=sql.db
//	ADAPTER_TYPE=sqlx.db
package postgreswrapper
