// Package helper provides test fixtures and observability test doubles for
// exercising the PostgreSQL storage engine and the lending service on a real
// database.
package helper
