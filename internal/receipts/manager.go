// ABOUTME: Advances per-message delivery state (Sent -> Delivered -> Seen)
// ABOUTME: Batches seen acknowledgements when a conversation becomes the active view

package receipts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/chatsync/internal/store"
)

// Acker is the external collaborator that delivers seen acknowledgements
// for a whole conversation to the server.
type Acker interface {
	AckSeen(ctx context.Context, peerID string) error
}

// Manager owns the delivery state machine for messages. Transitions are
// monotonic: Sent -> Delivered -> Seen, never backward, so a stale or
// redelivered receipt event can never regress an acknowledged state. All
// writes go through the store's mutation API.
type Manager struct {
	store  *store.Store
	acker  Acker
	logger *slog.Logger
}

// NewManager creates a Manager. Pass nil logger for the default.
func NewManager(s *store.Store, acker Acker, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  s,
		acker:  acker,
		logger: logger.With("component", "receipts"),
	}
}

// MarkDelivered records a delivery receipt. Older or equal stamps and
// receipts for already-seen messages are silent no-ops; receipts for
// messages we never held are ignored (the channel can outrun history).
func (m *Manager) MarkDelivered(id string, at time.Time) {
	if err := m.store.ApplyReceipt(id, &at, nil); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			m.logger.Debug("delivery receipt for unknown message", "message_id", id)
			return
		}
		m.logger.Error("applying delivery receipt", "message_id", id, "error", err)
	}
}

// MarkSeen records a seen receipt. A message that was never marked
// delivered gets its deliveredAt set to the same stamp; having been seen
// implies having been delivered.
func (m *Manager) MarkSeen(id string, at time.Time) {
	if err := m.store.ApplyReceipt(id, nil, &at); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			m.logger.Debug("seen receipt for unknown message", "message_id", id)
			return
		}
		m.logger.Error("applying seen receipt", "message_id", id, "error", err)
	}
}

// MarkConversationSeen acknowledges every unseen message received from the
// peer in one batch. The server is told first; only on confirmation do the
// local messages transition to seen. Called when a conversation becomes
// the active view.
func (m *Manager) MarkConversationSeen(ctx context.Context, peerID string) error {
	unseen := m.store.UnseenFrom(peerID)
	if len(unseen) == 0 {
		return nil
	}

	if err := m.acker.AckSeen(ctx, peerID); err != nil {
		return fmt.Errorf("acknowledging seen for %s: %w", peerID, err)
	}

	now := time.Now()
	for _, msg := range unseen {
		m.MarkSeen(msg.ID, now)
	}

	m.logger.Debug("conversation marked seen", "peer_id", peerID, "count", len(unseen))
	return nil
}
