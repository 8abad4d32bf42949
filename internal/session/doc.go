// Package session binds the sync engine to the live event channel.
//
// A Session holds at most one subscription: the active conversation. On
// subscribe it warms the view from the session cache, fetches fresh
// history, and acknowledges unseen messages; it then dispatches inbound
// events to the store, receipt manager, and presence tracker until the
// subscription is released. Peer switches are atomic from the caller's
// view: the old subscription is fully torn down, including its presence
// timers and in-memory log, before the new one is established.
//
// When the transport drops the stream the session resubscribes with
// exponential backoff and re-fetches history to cover the gap. Events for
// any conversation other than the subscribed one are dropped; the channel
// may still race a switch, so the filter is load-bearing, not cosmetic.
package session
