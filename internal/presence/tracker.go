// ABOUTME: Tracks ephemeral typing state per peer with timeout-based expiry
// ABOUTME: Expiry is the safety net for stop signals lost on disconnect

package presence

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultTTL is how long a typing signal stays live without a refresh.
const DefaultTTL = 3 * time.Second

type entry struct {
	expiresAt time.Time
	timer     *time.Timer
}

// Tracker records which peers are currently typing. Each signal carries a
// TTL; a refresh resets the window and expiry clears the entry even when no
// explicit stop signal ever arrives. Entries are expired both lazily on
// read and proactively by a per-peer timer so observers stay current
// without polling.
type Tracker struct {
	mu       sync.Mutex
	entries  map[string]*entry
	onChange func(peerID string, typing bool)
	logger   *slog.Logger
	closed   bool
}

// NewTracker creates a Tracker. onChange may be nil; when set it is called
// whenever a peer's typing state flips, including timer-driven expiry.
func NewTracker(onChange func(peerID string, typing bool), logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		entries:  make(map[string]*entry),
		onChange: onChange,
		logger:   logger.With("component", "presence"),
	}
}

// SetTyping records or refreshes a peer's typing state. ttl <= 0 uses
// DefaultTTL. Each call resets the expiry window.
func (t *Tracker) SetTyping(peerID string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}

	e, existed := t.entries[peerID]
	if existed {
		e.timer.Stop()
		e.expiresAt = time.Now().Add(ttl)
		e.timer = time.AfterFunc(ttl, func() { t.expire(peerID) })
		t.mu.Unlock()
		return
	}

	t.entries[peerID] = &entry{
		expiresAt: time.Now().Add(ttl),
		timer:     time.AfterFunc(ttl, func() { t.expire(peerID) }),
	}
	t.mu.Unlock()

	t.logger.Debug("typing started", "peer_id", peerID, "ttl", ttl)
	t.changed(peerID, true)
}

// ClearTyping removes a peer's entry immediately (explicit stop signal).
func (t *Tracker) ClearTyping(peerID string) {
	t.mu.Lock()
	e, ok := t.entries[peerID]
	if ok {
		e.timer.Stop()
		delete(t.entries, peerID)
	}
	t.mu.Unlock()

	if ok {
		t.logger.Debug("typing stopped", "peer_id", peerID)
		t.changed(peerID, false)
	}
}

// IsTyping reports whether a peer has a live typing signal. Stale entries
// are expired on read, so a missed timer can never report a stuck state.
func (t *Tracker) IsTyping(peerID string) bool {
	t.mu.Lock()
	e, ok := t.entries[peerID]
	if !ok {
		t.mu.Unlock()
		return false
	}
	if time.Now().Before(e.expiresAt) {
		t.mu.Unlock()
		return true
	}
	e.timer.Stop()
	delete(t.entries, peerID)
	t.mu.Unlock()

	t.changed(peerID, false)
	return false
}

// expire is the timer callback for a peer's TTL window.
func (t *Tracker) expire(peerID string) {
	t.mu.Lock()
	e, ok := t.entries[peerID]
	if !ok || time.Now().Before(e.expiresAt) {
		// Refreshed after this timer was scheduled
		t.mu.Unlock()
		return
	}
	delete(t.entries, peerID)
	t.mu.Unlock()

	t.logger.Debug("typing expired", "peer_id", peerID)
	t.changed(peerID, false)
}

// CancelPeer drops a peer's entry and timer without signaling a state
// change. Used on conversation teardown.
func (t *Tracker) CancelPeer(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[peerID]; ok {
		e.timer.Stop()
		delete(t.entries, peerID)
	}
}

// Close cancels all timers. Safe to call multiple times.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	for peerID, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, peerID)
	}
	t.closed = true
}

func (t *Tracker) changed(peerID string, typing bool) {
	if t.onChange != nil {
		t.onChange(peerID, typing)
	}
}
