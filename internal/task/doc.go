// Package task holds the task records driven by the orchestrator: the task
// itself, the originating work request (Waiting) and one Detail row per
// physical open or close attempt.
//
// Details are the idempotency anchor for gateway callbacks. A callback
// carries the detail id as its correlation id, and the orchestrator ignores
// callbacks for details that are already settled.
//
// Queue order within a bank is priority descending, then requested_at
// ascending, then id ascending. BestQueuedInAisle and BestQueuedInBank both
// follow it.
package task
