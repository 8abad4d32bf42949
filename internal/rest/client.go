// ABOUTME: REST client for history fetches, mutations, sends, and seen acks
// ABOUTME: Maps HTTP failures onto the store's typed error taxonomy

package rest

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	json "github.com/goccy/go-json"
	"github.com/go-resty/resty/v2"

	"github.com/2389/chatsync/internal/store"
	"github.com/2389/chatsync/internal/wire"
)

const defaultTimeout = 15 * time.Second

// Client talks to the chat backend's request API. It satisfies
// store.HistoryFetcher, mutation.Requester, receipts.Acker, and the
// session's MessageSender.
type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewClient creates a Client for baseURL, authenticating every request
// with the bearer token. Zero timeout picks the default.
func NewClient(baseURL, token string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetAuthToken(token).
		SetHeader("Accept", "application/json")
	http.JSONMarshal = json.Marshal
	http.JSONUnmarshal = json.Unmarshal

	return &Client{
		http:   http,
		logger: logger.With("component", "rest"),
	}
}

// messageDTO mirrors the server's message representation.
type messageDTO struct {
	ID          string `json:"id"`
	SenderID    string `json:"senderId"`
	Text        string `json:"text,omitempty"`
	Image       string `json:"image,omitempty"`
	CreatedAt   string `json:"createdAt"`
	EditedAt    string `json:"editedAt,omitempty"`
	DeliveredAt string `json:"deliveredAt,omitempty"`
	SeenAt      string `json:"seenAt,omitempty"`
	Deleted     bool   `json:"deleted,omitempty"`
}

type historyDTO struct {
	Messages   []messageDTO `json:"messages"`
	NextCursor string       `json:"nextCursor,omitempty"`
}

type sendRequest struct {
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"`
}

type editRequest struct {
	Text  *string `json:"text,omitempty"`
	Image *string `json:"image,omitempty"`
}

// FetchMessages retrieves one page of conversation history, oldest first.
// An empty cursor fetches the newest page.
func (c *Client) FetchMessages(ctx context.Context, peerID, cursor string) (*store.HistoryPage, error) {
	var out historyDTO
	req := c.http.R().SetContext(ctx).SetResult(&out)
	if cursor != "" {
		req.SetQueryParam("cursor", cursor)
	}

	resp, err := req.Get(fmt.Sprintf("/conversations/%s/messages", url.PathEscape(peerID)))
	if err := c.apiError("fetching messages", resp, err); err != nil {
		return nil, err
	}

	page := &store.HistoryPage{NextCursor: out.NextCursor}
	for i := range out.Messages {
		msg, err := c.toMessage(peerID, &out.Messages[i])
		if err != nil {
			c.logger.Warn("skipping malformed message in history", "message_id", out.Messages[i].ID, "error", err)
			continue
		}
		page.Messages = append(page.Messages, msg)
	}
	return page, nil
}

// SendMessage posts a new message and returns the server-confirmed copy.
func (c *Client) SendMessage(ctx context.Context, peerID, text, image string) (*store.Message, error) {
	var out messageDTO
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(sendRequest{Text: text, Image: image}).
		SetResult(&out).
		Post(fmt.Sprintf("/conversations/%s/messages", url.PathEscape(peerID)))
	if err := c.apiError("sending message", resp, err); err != nil {
		return nil, err
	}

	msg, convErr := c.toMessage(peerID, &out)
	if convErr != nil {
		return nil, fmt.Errorf("sending message: %w", convErr)
	}
	return msg, nil
}

// EditMessage patches a message's content and returns the confirmed copy.
func (c *Client) EditMessage(ctx context.Context, id string, patch store.Patch) (*store.Message, error) {
	var out messageDTO
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(editRequest{Text: patch.Text, Image: patch.Image}).
		SetResult(&out).
		Patch(fmt.Sprintf("/messages/%s", url.PathEscape(id)))
	if err := c.apiError("editing message", resp, err); err != nil {
		return nil, err
	}

	msg, convErr := c.toMessage("", &out)
	if convErr != nil {
		return nil, fmt.Errorf("editing message: %w", convErr)
	}
	return msg, nil
}

// DeleteMessage removes a message server-side.
func (c *Client) DeleteMessage(ctx context.Context, id string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		Delete(fmt.Sprintf("/messages/%s", url.PathEscape(id)))
	return c.apiError("deleting message", resp, err)
}

// AckSeen tells the server every message from peerID has been seen.
func (c *Client) AckSeen(ctx context.Context, peerID string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		Post(fmt.Sprintf("/conversations/%s/seen", url.PathEscape(peerID)))
	return c.apiError("acknowledging seen", resp, err)
}

// toMessage converts a DTO to the store's message type. CreatedAt is
// required; the receipt and edit stamps are optional.
func (c *Client) toMessage(peerID string, dto *messageDTO) (*store.Message, error) {
	createdAt, err := wire.ParseTime(dto.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing createdAt: %w", err)
	}

	msg := &store.Message{
		ID:         dto.ID,
		PeerID:     peerID,
		SenderID:   dto.SenderID,
		Text:       dto.Text,
		Image:      dto.Image,
		CreatedAt:  createdAt,
		Deleted:    dto.Deleted,
		LocalState: store.LocalStateSynced,
	}
	if msg.Deleted {
		msg.Text = ""
		msg.Image = ""
	}

	msg.EditedAt = c.parseStamp(dto.ID, dto.EditedAt)
	msg.DeliveredAt = c.parseStamp(dto.ID, dto.DeliveredAt)
	msg.SeenAt = c.parseStamp(dto.ID, dto.SeenAt)
	return msg, nil
}

// parseStamp parses an optional timestamp field, returning nil when it is
// absent or malformed.
func (c *Client) parseStamp(id, raw string) *time.Time {
	if raw == "" {
		return nil
	}
	ts, err := wire.ParseTime(raw)
	if err != nil {
		c.logger.Debug("bad timestamp in message payload", "message_id", id, "value", raw)
		return nil
	}
	return &ts
}

// apiError maps a response onto the store's error taxonomy. Transport
// failures and server errors surface as ErrNetwork so callers can treat
// them as retryable.
func (c *Client) apiError(op string, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %v: %w", op, err, store.ErrNetwork)
	}
	if resp.IsSuccess() {
		return nil
	}

	switch code := resp.StatusCode(); {
	case code == 401 || code == 403:
		return fmt.Errorf("%s: status %d: %w", op, code, store.ErrUnauthorized)
	case code == 404:
		return fmt.Errorf("%s: %w", op, store.ErrNotFound)
	case code == 409:
		return fmt.Errorf("%s: %w", op, store.ErrConflict)
	case code >= 500:
		return fmt.Errorf("%s: status %d: %w", op, code, store.ErrNetwork)
	default:
		return fmt.Errorf("%s: unexpected status %d: %w", op, code, store.ErrNetwork)
	}
}
