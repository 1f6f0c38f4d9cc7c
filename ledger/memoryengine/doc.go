// Package memoryengine provides an in-process implementation of the ledger
// storage interfaces.
//
// All state lives in maps guarded by a single mutex, which serializes the
// copy-counter updates and the active-loan uniqueness check the same way the
// conditional updates of the Postgres engine do. It is meant for embedding the
// ledger without a database and for fast deterministic tests of the lending
// state machine; it offers no durability.
package memoryengine
