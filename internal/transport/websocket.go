// ABOUTME: Client-side websocket channel carrying the live event stream
// ABOUTME: Dials per subscription, decodes frames, and signals drops by closing the event chan

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/2389/chatsync/internal/store"
	"github.com/2389/chatsync/internal/wire"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// eventBuffer absorbs bursts while the consumer is mid-dispatch.
	eventBuffer = 64
)

// controlFrame is the out-of-band subscription protocol. It shares the
// envelope's type field so the server multiplexes control and events on
// one socket.
type controlFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
}

// Channel is a websocket implementation of the session's transport
// contract. Each Subscribe dials a fresh connection and announces the
// conversation; the returned event channel closes when the connection
// drops, which is the consumer's signal to resubscribe.
type Channel struct {
	url    string
	token  string
	dialer *websocket.Dialer
	logger *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	// writeMu serializes frames; gorilla allows one concurrent writer.
	writeMu sync.Mutex
}

// NewChannel creates a Channel for the websocket endpoint at url,
// authenticating the dial with the bearer token.
func NewChannel(url, token string, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		url:    url,
		token:  token,
		dialer: websocket.DefaultDialer,
		logger: logger.With("component", "transport"),
	}
}

// Subscribe dials the endpoint, announces interest in peerID's
// conversation, and returns the decoded event stream. Any prior
// connection is torn down first.
func (c *Channel) Subscribe(ctx context.Context, peerID string) (<-chan *wire.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, _, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %v: %w", c.url, err, store.ErrNetwork)
	}

	if err := c.writeFrame(conn, controlFrame{Type: "subscribe", ConversationID: peerID}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("announcing subscription: %v: %w", err, store.ErrNetwork)
	}

	c.conn = conn
	events := make(chan *wire.Event, eventBuffer)
	go c.readPump(ctx, conn, events)
	go c.pingLoop(ctx, conn)

	c.logger.Debug("channel subscribed", "peer_id", peerID)
	return events, nil
}

// Unsubscribe announces the release best-effort and closes the
// connection. Safe to call when not connected.
func (c *Channel) Unsubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	if err := c.writeFrame(c.conn, controlFrame{Type: "unsubscribe"}); err != nil {
		c.logger.Debug("unsubscribe frame not delivered", "error", err)
	}
	c.closeLocked()
	return nil
}

// Send writes one outbound event frame.
func (c *Channel) Send(ctx context.Context, ev *wire.Event) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("sending %s: not connected: %w", ev.Kind, store.ErrNetwork)
	}

	data, err := wire.Encode(ev)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", ev.Kind, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("sending %s: %v: %w", ev.Kind, err, store.ErrNetwork)
	}
	return nil
}

// readPump decodes inbound frames until the connection fails, then closes
// the event channel. Undecodable frames are skipped so one bad payload
// cannot stall the stream.
func (c *Channel) readPump(ctx context.Context, conn *websocket.Conn, events chan<- *wire.Event) {
	defer close(events)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("channel read failed", "error", err)
			}
			return
		}

		ev, err := wire.Decode(data)
		if err != nil {
			if errors.Is(err, wire.ErrUnknownKind) {
				c.logger.Debug("unknown event kind skipped", "error", err)
			} else {
				c.logger.Warn("malformed event frame skipped", "error", err)
			}
			continue
		}

		select {
		case events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// pingLoop keeps the connection alive and closes it when the context is
// cancelled, which unblocks the read pump.
func (c *Channel) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return
		case <-ticker.C:
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (c *Channel) writeFrame(conn *websocket.Conn, frame controlFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// closeLocked tears the current connection down. Must be called with mu
// held.
func (c *Channel) closeLocked() {
	if c.conn == nil {
		return
	}
	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	c.conn.Close()
	c.conn = nil
}
