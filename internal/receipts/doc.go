// Package receipts advances the delivery state machine attached to
// messages: Sent -> Delivered -> Seen.
//
// Transitions only ever move forward. A stale receipt event, a redelivered
// one, or a delivery stamp arriving after seen are all silent no-ops — the
// channel gives no ordering guarantee and re-derivation must never clobber
// a later state. The seen transition implies delivery: marking an
// undelivered message seen stamps both.
//
// MarkConversationSeen batches acknowledgements for everything unseen from
// a peer when their conversation becomes the active view: the server is
// acked first, local state transitions after confirmation.
package receipts
