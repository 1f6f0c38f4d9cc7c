// Package ledger implements a library-lending ledger: it tracks which physical
// copies of which books are currently lent out, to whom, when they are due, and
// what fine accrues on late return.
//
// Two collaborating responsibilities form the core:
//
//   - CopyTracker owns the total/available copy counters for each book and
//     guarantees that availability never goes negative or above the total.
//   - LendingService owns the loan records, enforces the
//     one-active-loan-per-user-per-book rule, computes due dates, and computes
//     fines on return.
//
// Both counter updates and the active-loan check must be race-free under
// concurrent borrow/return traffic, so the storage interfaces are defined in
// terms of atomic conditional operations instead of read-then-write pairs.
// The postgresengine package implements them with conditional UPDATE
// statements and a partial unique index; the memoryengine package implements
// them with mutex serialization for embedding and testing.
//
// Authentication, the catalog/search subsystem, and any presentation layer are
// collaborator concerns. The ledger only consumes opaque, validated book and
// user identifiers.
package ledger
