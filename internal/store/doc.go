// Package store owns conversation message logs and is the single place
// messages are mutated.
//
// # Architecture
//
// Store keeps one ordered log per peer, sorted by (CreatedAt, ID) with no
// duplicate live ids. Every other engine component (session, receipts,
// mutation queue) reads and writes exclusively through the Store API, which
// keeps the invariants centrally enforced:
//
//   - AppendIncoming is idempotent; redelivered messages are no-ops
//   - ApplyEdit is last-writer-wins by EditedAt; stale edits drop silently
//   - ApplyDelete tombstones; repeated deletes are no-ops
//   - ApplyReceipt is monotonic (Sent -> Delivered -> Seen, never backward)
//     and guarantees DeliveredAt <= SeenAt
//
// # Observers
//
// OnChange registers a per-peer callback invoked synchronously after each
// committed mutation. The returned unsubscribe func is idempotent. UI
// layers re-read through Messages after a callback; callbacks never receive
// store-owned pointers.
//
// # History and the session cache
//
// LoadHistory pages messages through an external HistoryFetcher (the REST
// client in production). SessionCache is an optional SQLite write-through
// cache used only to warm a view before the first fetch completes; it makes
// no durability promises and the server always wins.
//
// # Errors
//
// ErrNotFound, ErrUnauthorized, ErrNetwork, and ErrConflict are the shared
// taxonomy; collaborators wrap transport failures onto them so callers can
// use errors.Is.
package store
