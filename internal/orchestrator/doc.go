// Package orchestrator is the MRS task engine: the task state machine,
// bank exclusivity, open-session reuse, priority queueing with preemption
// and idempotent handling of device callbacks.
//
// # Bank exclusivity
//
// Devices that share a bank code share a rail, so at most one aisle per
// bank may be open. Every decision about a bank is taken inside a store
// transaction that first locks all of the bank's device rows with a single
// statement (mrs.Repository.LockBank). That lock is the only serialization
// point; in-process mutexes would not cover several engine instances
// sharing one database.
//
// # Commands after commit
//
// Gateway commands are collected while the transaction runs and sent only
// after it commits. The lock is never held across a network round trip. A
// crash between commit and send leaves a PENDING detail behind, which the
// sweep fails once it is older than Config.StaleActionAfter.
//
// # Callbacks
//
// Completions and failures arrive on the gateway's event channel and are
// matched to exactly one task detail by its id. A detail that is already
// settled absorbs the callback without writing anything, so duplicate and
// late deliveries are harmless.
//
// # Events
//
// Every task status change appends exactly one audit entry in the same
// transaction. Entries and refreshed bank snapshots are handed to the
// Listener after commit.
package orchestrator
