// Package presence tracks ephemeral typing state per peer.
//
// A typing signal lives for its TTL (3s by default) and every refresh
// resets the window. Explicit stop signals clear immediately, but the TTL
// is the real safety net: stop frames lost on a disconnect must never leave
// an indicator stuck on. Expiry happens both lazily on IsTyping reads and
// proactively via per-peer timers that drive the optional onChange
// callback, so a UI needs no polling loop.
//
// Nothing here is persisted; presence is meaningful only while the session
// lives.
package presence
