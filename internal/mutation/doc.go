// Package mutation applies user-initiated edits and deletes optimistically.
//
// A submission mutates the store immediately (LocalState Pending), records
// a pending entry, and dispatches the request. The server response either
// reconciles the message (Synced, server payload and timestamp win ties
// through the store's last-writer-wins rule) or rolls it back to its
// pre-mutation snapshot (Failed) with the typed error surfaced to the
// caller.
//
// One pending mutation per message: a second submission for the same id
// supersedes the first, whose late response is discarded. Inbound channel
// events racing a pending mutation go through the same store timestamp
// rules, so neither path can bypass conflict resolution.
package mutation
