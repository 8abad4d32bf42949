// ABOUTME: In-memory ordered message log per peer, the single mutation authority
// ABOUTME: Enforces dedup, (createdAt, id) ordering, LWW edits, and receipt monotonicity

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Error taxonomy shared across the engine. Collaborators map transport
// failures onto these sentinels so callers can branch with errors.Is.
var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("not authorized")
	ErrNetwork      = errors.New("network failure")
	ErrConflict     = errors.New("conflicting mutation")
)

// LocalState tracks whether a message reflects server-confirmed state.
type LocalState string

const (
	LocalStatePending LocalState = "pending"
	LocalStateSynced  LocalState = "synced"
	LocalStateFailed  LocalState = "failed"
)

// Message is one entry in a conversation log. Identity is immutable;
// content and receipt state mutate only through Store methods.
type Message struct {
	ID          string
	PeerID      string
	SenderID    string
	Text        string
	Image       string
	CreatedAt   time.Time
	EditedAt    *time.Time
	DeliveredAt *time.Time
	SeenAt      *time.Time
	Deleted     bool
	LocalState  LocalState
}

// Clone returns a deep copy so callers never alias store-owned state.
func (m *Message) Clone() *Message {
	c := *m
	c.EditedAt = cloneTime(m.EditedAt)
	c.DeliveredAt = cloneTime(m.DeliveredAt)
	c.SeenAt = cloneTime(m.SeenAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// Patch carries the fields an edit may change. Nil fields are left alone.
type Patch struct {
	Text  *string
	Image *string
}

// HistoryPage is one page of fetched conversation history.
type HistoryPage struct {
	Messages   []*Message
	NextCursor string
}

// HistoryFetcher is the external collaborator that pages conversation
// history from the server. Implementations map failures onto ErrNotFound
// and ErrNetwork.
type HistoryFetcher interface {
	FetchMessages(ctx context.Context, peerID, cursor string) (*HistoryPage, error)
}

// Store holds the ordered, deduplicated message log for each peer and is
// the only component allowed to mutate messages. All other engine parts go
// through its API so the ordering and receipt invariants stay in one place.
type Store struct {
	mu        sync.RWMutex
	logs      map[string][]*Message        // peerID -> messages sorted by (CreatedAt, ID)
	index     map[string]*Message          // message ID -> entry (tombstones included)
	observers map[string]map[string]func() // peerID -> subID -> callback
	fetcher   HistoryFetcher
	cache     *SessionCache
	logger    *slog.Logger
}

// New creates a Store. fetcher is required for LoadHistory; cache may be
// nil to disable the session cache. Pass nil logger for the default.
func New(fetcher HistoryFetcher, cache *SessionCache, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		logs:      make(map[string][]*Message),
		index:     make(map[string]*Message),
		observers: make(map[string]map[string]func()),
		fetcher:   fetcher,
		cache:     cache,
		logger:    logger.With("component", "store"),
	}
}

// LoadHistory fetches a page of messages for a peer and merges it into the
// log. With an empty cursor the fetched page replaces the server-confirmed
// portion of the log (pending local messages survive); with a cursor the
// page is merged in, deduplicated by id.
func (s *Store) LoadHistory(ctx context.Context, peerID, cursor string) (*HistoryPage, error) {
	page, err := s.fetcher.FetchMessages(ctx, peerID, cursor)
	if err != nil {
		return nil, fmt.Errorf("loading history for %s: %w", peerID, err)
	}

	s.mu.Lock()
	if cursor == "" {
		// Replace: drop server-confirmed entries, keep pending locals
		var kept []*Message
		for _, m := range s.logs[peerID] {
			if m.LocalState == LocalStatePending {
				kept = append(kept, m)
			} else {
				delete(s.index, m.ID)
			}
		}
		s.logs[peerID] = kept
	}
	for _, m := range page.Messages {
		if _, exists := s.index[m.ID]; exists {
			continue
		}
		entry := m.Clone()
		if entry.LocalState == "" {
			entry.LocalState = LocalStateSynced
		}
		s.insertLocked(entry)
	}
	s.mu.Unlock()

	s.cachePutAll(page.Messages)
	s.notify(peerID)

	s.logger.Debug("history loaded",
		"peer_id", peerID,
		"count", len(page.Messages),
		"has_more", page.NextCursor != "")
	return page, nil
}

const warmLimit = 100

// WarmFromCache seeds an empty conversation log from the session cache so a
// view can render while the first history fetch is in flight. No-op when
// the cache is absent or the log already has entries.
func (s *Store) WarmFromCache(ctx context.Context, peerID string) {
	if s.cache == nil {
		return
	}

	s.mu.Lock()
	if len(s.logs[peerID]) > 0 {
		s.mu.Unlock()
		return
	}
	cached, err := s.cache.Recent(ctx, peerID, warmLimit)
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("cache warm failed", "peer_id", peerID, "error", err)
		return
	}
	for _, m := range cached {
		s.insertLocked(m)
	}
	s.mu.Unlock()

	if len(cached) > 0 {
		s.notify(peerID)
	}
}

// AppendIncoming inserts a message keeping sort order. Duplicate ids are a
// no-op; observers fire exactly once per distinct new message. Returns
// whether the message was new.
func (s *Store) AppendIncoming(m *Message) bool {
	s.mu.Lock()
	if _, exists := s.index[m.ID]; exists {
		s.mu.Unlock()
		s.logger.Debug("duplicate message dropped", "message_id", m.ID, "peer_id", m.PeerID)
		return false
	}
	entry := m.Clone()
	if entry.LocalState == "" {
		entry.LocalState = LocalStateSynced
	}
	s.insertLocked(entry)
	s.mu.Unlock()

	s.cachePut(entry)
	s.notify(m.PeerID)
	return true
}

// AppendLocal creates a pending outbound message with a client-generated
// temporary id and inserts it. The returned copy carries the temp id the
// caller needs for ReplaceLocal once the server confirms.
func (s *Store) AppendLocal(peerID, senderID, text, image string) *Message {
	m := &Message{
		ID:         "local-" + uuid.New().String(),
		PeerID:     peerID,
		SenderID:   senderID,
		Text:       text,
		Image:      image,
		CreatedAt:  time.Now(),
		LocalState: LocalStatePending,
	}

	s.mu.Lock()
	s.insertLocked(m)
	s.mu.Unlock()

	s.notify(peerID)
	return m.Clone()
}

// ReplaceLocal swaps a pending temp message for its server-confirmed form.
// If the confirmed id already exists (the channel delivered message:new
// before the send response), the temp entry is simply dropped.
func (s *Store) ReplaceLocal(tempID string, confirmed *Message) error {
	s.mu.Lock()
	temp, ok := s.index[tempID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("replacing %s: %w", tempID, ErrNotFound)
	}
	s.removeLocked(temp)

	entry := confirmed.Clone()
	entry.LocalState = LocalStateSynced
	if _, exists := s.index[entry.ID]; !exists {
		s.insertLocked(entry)
	}
	s.mu.Unlock()

	s.cachePut(entry)
	s.notify(temp.PeerID)
	return nil
}

// ApplyEdit updates a message's content, last-writer-wins by timestamp.
// An edit older than the message's current EditedAt is dropped silently
// (the unchanged message is returned); equal timestamps let the latest
// arrival win. state records whether this edit is optimistic or confirmed.
func (s *Store) ApplyEdit(id string, patch Patch, editedAt time.Time, state LocalState) (*Message, error) {
	s.mu.Lock()
	m, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("editing %s: %w", id, ErrNotFound)
	}
	if m.Deleted {
		tomb := m.Clone()
		s.mu.Unlock()
		return tomb, nil
	}
	if m.EditedAt != nil && editedAt.Before(*m.EditedAt) {
		stale := m.Clone()
		s.mu.Unlock()
		s.logger.Debug("stale edit dropped",
			"message_id", id,
			"edited_at", editedAt,
			"current", *stale.EditedAt)
		return stale, nil
	}

	if patch.Text != nil {
		m.Text = *patch.Text
	}
	if patch.Image != nil {
		m.Image = *patch.Image
	}
	ts := editedAt
	m.EditedAt = &ts
	m.LocalState = state
	updated := m.Clone()
	s.mu.Unlock()

	s.cachePut(updated)
	s.notify(updated.PeerID)
	return updated, nil
}

// ApplyDelete tombstones a message. Repeated deletes of the same id are
// no-ops; the tombstone stays visible so "deleted" is distinguishable from
// "never existed".
func (s *Store) ApplyDelete(id string) error {
	s.mu.Lock()
	m, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("deleting %s: %w", id, ErrNotFound)
	}
	if m.Deleted {
		s.mu.Unlock()
		return nil
	}
	m.Deleted = true
	m.Text = ""
	m.Image = ""
	tomb := m.Clone()
	s.mu.Unlock()

	s.cachePut(tomb)
	s.notify(tomb.PeerID)
	return nil
}

// ApplyReceipt merges delivery/seen acknowledgements monotonically.
// Transitions to an earlier or equal state are silent no-ops; a seen
// receipt implies delivery, and DeliveredAt never exceeds SeenAt.
func (s *Store) ApplyReceipt(id string, deliveredAt, seenAt *time.Time) error {
	s.mu.Lock()
	m, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("receipt for %s: %w", id, ErrNotFound)
	}

	changed := false
	if m.SeenAt == nil {
		if deliveredAt != nil && (m.DeliveredAt == nil || deliveredAt.After(*m.DeliveredAt)) {
			m.DeliveredAt = cloneTime(deliveredAt)
			changed = true
		}
		if seenAt != nil {
			at := *seenAt
			if m.DeliveredAt == nil {
				m.DeliveredAt = cloneTime(&at)
			} else if at.Before(*m.DeliveredAt) {
				// Keep deliveredAt <= seenAt even with skewed stamps
				at = *m.DeliveredAt
			}
			m.SeenAt = &at
			changed = true
		}
	}
	var updated *Message
	if changed {
		updated = m.Clone()
	}
	s.mu.Unlock()

	if updated != nil {
		s.cachePut(updated)
		s.notify(updated.PeerID)
	}
	return nil
}

// Restore overwrites a message with a pre-mutation snapshot, used by the
// mutation queue to roll back a failed optimistic edit or delete. When
// ifEditedAt is non-nil the restore only happens if the message's current
// EditedAt still matches it, so a newer server-confirmed write that landed
// during the request is never clobbered. Returns whether state changed.
func (s *Store) Restore(snapshot *Message, ifEditedAt *time.Time) bool {
	s.mu.Lock()
	m, ok := s.index[snapshot.ID]
	if !ok {
		// Rolled-back delete of a fully removed entry: reinsert
		s.insertLocked(snapshot.Clone())
		s.mu.Unlock()
		s.notify(snapshot.PeerID)
		return true
	}
	if ifEditedAt != nil && !timesEqual(m.EditedAt, ifEditedAt) {
		s.mu.Unlock()
		return false
	}
	s.removeLocked(m)
	s.insertLocked(snapshot.Clone())
	s.mu.Unlock()

	s.notify(snapshot.PeerID)
	return true
}

func timesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// SetLocalState records sync state without touching content.
func (s *Store) SetLocalState(id string, state LocalState) error {
	s.mu.Lock()
	m, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("marking %s: %w", id, ErrNotFound)
	}
	if m.LocalState == state {
		s.mu.Unlock()
		return nil
	}
	m.LocalState = state
	peerID := m.PeerID
	s.mu.Unlock()

	s.notify(peerID)
	return nil
}

// Get returns a copy of one message, tombstones included.
func (s *Store) Get(id string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.index[id]
	if !ok {
		return nil, fmt.Errorf("getting %s: %w", id, ErrNotFound)
	}
	return m.Clone(), nil
}

// Messages returns copies of a peer's full log in (CreatedAt, ID) order.
func (s *Store) Messages(peerID string) []*Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.logs[peerID]
	out := make([]*Message, len(log))
	for i, m := range log {
		out[i] = m.Clone()
	}
	return out
}

// UnseenFrom returns live messages received from the peer that have no
// seen receipt yet, oldest first. Used to batch seen acknowledgements.
func (s *Store) UnseenFrom(peerID string) []*Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Message
	for _, m := range s.logs[peerID] {
		if m.SenderID == peerID && m.SeenAt == nil && !m.Deleted {
			out = append(out, m.Clone())
		}
	}
	return out
}

// OnChange registers a callback fired synchronously after every committed
// mutation to the peer's log. The returned unsubscribe func is safe to
// call any number of times.
func (s *Store) OnChange(peerID string, fn func()) func() {
	subID := uuid.New().String()

	s.mu.Lock()
	if _, ok := s.observers[peerID]; !ok {
		s.observers[peerID] = make(map[string]func())
	}
	s.observers[peerID][subID] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if subs, ok := s.observers[peerID]; ok {
			delete(subs, subID)
			if len(subs) == 0 {
				delete(s.observers, peerID)
			}
		}
	}
}

// DropConversation tears down a peer's log and observers when the user
// navigates away. The session cache keeps its rows for a later warm start.
func (s *Store) DropConversation(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.logs[peerID] {
		delete(s.index, m.ID)
	}
	delete(s.logs, peerID)
	delete(s.observers, peerID)
}

// insertLocked places a message into its peer log keeping (CreatedAt, ID)
// order. Must be called with mu held; the id must not already be indexed.
func (s *Store) insertLocked(m *Message) {
	log := s.logs[m.PeerID]
	i := sort.Search(len(log), func(i int) bool {
		if !log[i].CreatedAt.Equal(m.CreatedAt) {
			return log[i].CreatedAt.After(m.CreatedAt)
		}
		return log[i].ID > m.ID
	})
	log = append(log, nil)
	copy(log[i+1:], log[i:])
	log[i] = m
	s.logs[m.PeerID] = log
	s.index[m.ID] = m
}

// removeLocked detaches a message from its log and the index.
func (s *Store) removeLocked(m *Message) {
	log := s.logs[m.PeerID]
	for i, entry := range log {
		if entry.ID == m.ID {
			s.logs[m.PeerID] = append(log[:i], log[i+1:]...)
			break
		}
	}
	delete(s.index, m.ID)
}

// notify invokes observers for a peer outside the store lock so callbacks
// can read back through the API.
func (s *Store) notify(peerID string) {
	s.mu.RLock()
	subs := make([]func(), 0, len(s.observers[peerID]))
	for _, fn := range s.observers[peerID] {
		subs = append(subs, fn)
	}
	s.mu.RUnlock()

	for _, fn := range subs {
		fn()
	}
}

const cacheWriteTimeout = 5 * time.Second

// cachePut writes a committed message through to the session cache.
// Pending locals are skipped; there is no offline queue across restarts.
func (s *Store) cachePut(m *Message) {
	if s.cache == nil || m.LocalState == LocalStatePending {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cacheWriteTimeout)
	defer cancel()
	if err := s.cache.Put(ctx, m); err != nil {
		s.logger.Error("cache write failed", "message_id", m.ID, "error", err)
	}
}

func (s *Store) cachePutAll(msgs []*Message) {
	for _, m := range msgs {
		s.cachePut(m)
	}
}
