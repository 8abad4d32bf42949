// ABOUTME: Owns the live channel subscription for the active peer
// ABOUTME: Decodes inbound events and routes them to store, receipts, and presence

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/chatsync/internal/presence"
	"github.com/2389/chatsync/internal/receipts"
	"github.com/2389/chatsync/internal/store"
	"github.com/2389/chatsync/internal/wire"
)

// Channel is the transport collaborator the session composes against.
// Subscribe opens the event stream for one conversation; the returned
// channel closes when the transport drops. Implementations hold at most
// one subscription at a time.
type Channel interface {
	Subscribe(ctx context.Context, peerID string) (<-chan *wire.Event, error)
	Unsubscribe() error
	Send(ctx context.Context, ev *wire.Event) error
}

// MessageSender carries new outbound messages to the server.
type MessageSender interface {
	SendMessage(ctx context.Context, peerID, text, image string) (*store.Message, error)
}

// Options tune session timing. Zero values pick the defaults.
type Options struct {
	TypingTTL        time.Duration // presence window for inbound typing signals
	ReconnectWait    time.Duration // initial backoff after a transport drop
	MaxReconnectWait time.Duration // backoff ceiling
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.TypingTTL <= 0 {
		out.TypingTTL = presence.DefaultTTL
	}
	if out.ReconnectWait <= 0 {
		out.ReconnectWait = 500 * time.Millisecond
	}
	if out.MaxReconnectWait <= 0 {
		out.MaxReconnectWait = 10 * time.Second
	}
	return out
}

// Session binds the engine to the live channel for exactly one peer at a
// time. Switching peers fully releases the old subscription before the new
// one is established; events for any other peer are dropped defensively
// since the channel may race during a switch.
type Session struct {
	channel  Channel
	store    *store.Store
	receipts *receipts.Manager
	presence *presence.Tracker
	sender   MessageSender
	selfID   string
	opts     Options
	logger   *slog.Logger

	mu     sync.Mutex
	peerID string
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Session acting on behalf of selfID; optimistic outbound
// messages are stamped with it until the server confirms. Pass nil logger
// for the default.
func New(ch Channel, st *store.Store, rc *receipts.Manager, pr *presence.Tracker, sender MessageSender, selfID string, opts Options, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		channel:  ch,
		store:    st,
		receipts: rc,
		presence: pr,
		sender:   sender,
		selfID:   selfID,
		opts:     opts.withDefaults(),
		logger:   logger.With("component", "session"),
	}
}

// Subscribe makes peerID the active conversation. Calling it again with
// the same peer is a no-op; with a different peer the prior subscription
// is fully released first, so no event for the old peer can leak into the
// new one's lifetime.
func (s *Session) Subscribe(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.peerID == peerID {
		return nil
	}
	s.releaseLocked()

	ctx, cancel := context.WithCancel(context.Background())
	events, err := s.channel.Subscribe(ctx, peerID)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribing to %s: %w", peerID, err)
	}

	s.peerID = peerID
	s.cancel = cancel
	s.done = make(chan struct{})

	s.logger.Info("subscribed", "peer_id", peerID)
	go s.run(ctx, peerID, events, s.done)
	return nil
}

// Unsubscribe releases the active subscription and tears the conversation
// view down. Safe to call when none is active.
func (s *Session) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked()
}

// Active returns the currently subscribed peer id, empty when idle.
func (s *Session) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerID
}

// releaseLocked stops the run loop, waits for it to finish, and drops the
// old conversation's in-memory state. Must be called with mu held.
func (s *Session) releaseLocked() {
	if s.peerID == "" {
		return
	}
	old := s.peerID

	s.cancel()
	<-s.done
	if err := s.channel.Unsubscribe(); err != nil {
		s.logger.Warn("unsubscribe failed", "peer_id", old, "error", err)
	}

	s.presence.CancelPeer(old)
	s.store.DropConversation(old)

	s.peerID = ""
	s.cancel = nil
	s.done = nil
	s.logger.Info("unsubscribed", "peer_id", old)
}

// SendMessage appends an optimistic pending message and posts it. On
// confirmation the temp entry is swapped for the server's message; on
// failure it stays in the log marked Failed so the caller can retry.
func (s *Session) SendMessage(ctx context.Context, text, image string) (*store.Message, error) {
	s.mu.Lock()
	peerID := s.peerID
	s.mu.Unlock()
	if peerID == "" {
		return nil, fmt.Errorf("sending message: no active conversation: %w", store.ErrNotFound)
	}

	local := s.store.AppendLocal(peerID, s.selfID, text, image)

	confirmed, err := s.sender.SendMessage(ctx, peerID, text, image)
	if err != nil {
		if stateErr := s.store.SetLocalState(local.ID, store.LocalStateFailed); stateErr != nil {
			s.logger.Error("marking failed send", "message_id", local.ID, "error", stateErr)
		}
		return nil, fmt.Errorf("sending message to %s: %w", peerID, err)
	}

	if err := s.store.ReplaceLocal(local.ID, confirmed); err != nil {
		s.logger.Warn("send reconciliation found no temp entry", "message_id", local.ID, "error", err)
	}
	return confirmed, nil
}

// SendTyping emits a typing signal for the active conversation.
func (s *Session) SendTyping(ctx context.Context, typing bool) error {
	s.mu.Lock()
	peerID := s.peerID
	s.mu.Unlock()
	if peerID == "" {
		return nil
	}

	kind := wire.KindTypingStart
	if !typing {
		kind = wire.KindTypingStop
	}
	ev := &wire.Event{Kind: kind, ConversationID: peerID}
	if err := s.channel.Send(ctx, ev); err != nil {
		return fmt.Errorf("sending typing signal: %w", err)
	}
	return nil
}

// run is the per-subscription event loop. It bootstraps the conversation
// view, then dispatches events until cancelled, resubscribing with backoff
// whenever the transport drops the stream.
func (s *Session) run(ctx context.Context, peerID string, events <-chan *wire.Event, done chan struct{}) {
	defer close(done)

	s.bootstrap(ctx, peerID)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = s.reconnect(ctx, peerID)
				if events == nil {
					return
				}
				continue
			}
			s.dispatch(peerID, ev)
		}
	}
}

// bootstrap warms the view from the session cache, loads fresh history,
// and acknowledges everything unseen. None of it is fatal; the worst case
// is a stale view until the next fetch.
func (s *Session) bootstrap(ctx context.Context, peerID string) {
	s.store.WarmFromCache(ctx, peerID)

	if _, err := s.store.LoadHistory(ctx, peerID, ""); err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("history load failed", "peer_id", peerID, "error", err)
		}
		return
	}

	if err := s.receipts.MarkConversationSeen(ctx, peerID); err != nil && ctx.Err() == nil {
		s.logger.Warn("seen acknowledgement failed", "peer_id", peerID, "error", err)
	}
}

// reconnect re-establishes the subscription after a transport drop and
// re-fetches recent history to cover the gap; events missed while offline
// are not otherwise recoverable. Returns nil when the context is done.
func (s *Session) reconnect(ctx context.Context, peerID string) <-chan *wire.Event {
	wait := s.opts.ReconnectWait

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}

		events, err := s.channel.Subscribe(ctx, peerID)
		if err != nil {
			s.logger.Warn("resubscribe failed", "peer_id", peerID, "error", err, "retry_in", wait)
			wait *= 2
			if wait > s.opts.MaxReconnectWait {
				wait = s.opts.MaxReconnectWait
			}
			continue
		}

		s.logger.Info("resubscribed after drop", "peer_id", peerID)
		if _, err := s.store.LoadHistory(ctx, peerID, ""); err != nil && ctx.Err() == nil {
			s.logger.Warn("gap re-fetch failed", "peer_id", peerID, "error", err)
		}
		return events
	}
}

// dispatch routes one inbound event. Events for any conversation other
// than the subscribed one are dropped.
func (s *Session) dispatch(peerID string, ev *wire.Event) {
	if ev.ConversationID != peerID {
		s.logger.Debug("event for inactive peer dropped",
			"event_peer", ev.ConversationID,
			"active_peer", peerID,
			"kind", ev.Kind)
		return
	}

	switch ev.Kind {
	case wire.KindMessageNew:
		s.applyNew(peerID, ev)
	case wire.KindMessageEdited:
		s.applyEdit(ev)
	case wire.KindMessageDeleted:
		if err := s.store.ApplyDelete(ev.Delete.ID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.logger.Debug("delete for unknown message", "message_id", ev.Delete.ID)
				return
			}
			s.logger.Error("applying delete", "message_id", ev.Delete.ID, "error", err)
		}
	case wire.KindMessageDelivered:
		s.receipts.MarkDelivered(ev.Receipt.ID, s.eventTime(ev.Receipt.At, ev))
	case wire.KindMessageSeen:
		s.receipts.MarkSeen(ev.Receipt.ID, s.eventTime(ev.Receipt.At, ev))
	case wire.KindTypingStart:
		s.presence.SetTyping(peerID, s.opts.TypingTTL)
	case wire.KindTypingStop:
		s.presence.ClearTyping(peerID)
	default:
		s.logger.Warn("unhandled event kind", "kind", ev.Kind)
	}
}

func (s *Session) applyNew(peerID string, ev *wire.Event) {
	createdAt := s.eventTime(ev.Message.CreatedAt, ev)
	msg := &store.Message{
		ID:        ev.Message.ID,
		PeerID:    peerID,
		SenderID:  ev.Message.SenderID,
		Text:      ev.Message.Text,
		Image:     ev.Message.Image,
		CreatedAt: createdAt,
	}
	s.store.AppendIncoming(msg)
}

func (s *Session) applyEdit(ev *wire.Event) {
	patch := store.Patch{Text: ev.Edit.Text, Image: ev.Edit.Image}
	editedAt := s.eventTime(ev.Edit.EditedAt, ev)
	if _, err := s.store.ApplyEdit(ev.Edit.ID, patch, editedAt, store.LocalStateSynced); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.logger.Debug("edit for unknown message", "message_id", ev.Edit.ID)
			return
		}
		s.logger.Error("applying edit", "message_id", ev.Edit.ID, "error", err)
	}
}

// eventTime parses a payload timestamp, falling back to the envelope's
// serverTime, then to local time for channels that stamp neither.
func (s *Session) eventTime(raw string, ev *wire.Event) time.Time {
	ts, err := wire.ParseTime(raw)
	if err != nil {
		s.logger.Debug("bad payload timestamp", "value", raw, "error", err)
	}
	if !ts.IsZero() {
		return ts
	}
	if !ev.ServerTime.IsZero() {
		return ev.ServerTime
	}
	return time.Now()
}
