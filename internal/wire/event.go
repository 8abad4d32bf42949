// ABOUTME: Typed events for the live chat channel protocol
// ABOUTME: Decodes JSON envelopes into a tagged variant per event kind

package wire

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// ErrUnknownKind is returned when an envelope carries an unrecognized type.
var ErrUnknownKind = errors.New("unknown event kind")

// Kind identifies the type of a channel event.
type Kind string

const (
	KindMessageNew       Kind = "message:new"
	KindMessageEdited    Kind = "message:edited"
	KindMessageDeleted   Kind = "message:deleted"
	KindMessageDelivered Kind = "message:delivered"
	KindMessageSeen      Kind = "message:seen"
	KindTypingStart      Kind = "typing:start"
	KindTypingStop       Kind = "typing:stop"
)

// MessagePayload carries a full message for message:new events.
type MessagePayload struct {
	ID        string `json:"id"`
	SenderID  string `json:"senderId"`
	Text      string `json:"text,omitempty"`
	Image     string `json:"image,omitempty"`
	CreatedAt string `json:"createdAt"`
}

// EditPayload carries the changed fields for message:edited events.
type EditPayload struct {
	ID       string  `json:"id"`
	Text     *string `json:"text,omitempty"`
	Image    *string `json:"image,omitempty"`
	EditedAt string  `json:"editedAt"`
}

// DeletePayload identifies the message removed by a message:deleted event.
type DeletePayload struct {
	ID string `json:"id"`
}

// ReceiptPayload carries delivery or seen acknowledgement for one message.
type ReceiptPayload struct {
	ID string `json:"id"`
	At string `json:"at"`
}

// Event is the decoded form of a channel envelope. Exactly one payload
// field is non-nil, matching Kind.
type Event struct {
	Kind           Kind
	ConversationID string
	ServerTime     time.Time

	Message *MessagePayload
	Edit    *EditPayload
	Delete  *DeletePayload
	Receipt *ReceiptPayload
}

// envelope is the raw JSON shape on the wire.
type envelope struct {
	Type           Kind            `json:"type"`
	ConversationID string          `json:"conversationId"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	ServerTime     string          `json:"serverTime"`
}

// Decode parses a raw envelope into a typed Event.
// Unknown kinds return ErrUnknownKind so callers can log and skip.
func Decode(data []byte) (*Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parsing envelope: %w", err)
	}

	ev := &Event{
		Kind:           env.Type,
		ConversationID: env.ConversationID,
	}

	if env.ServerTime != "" {
		ts, err := time.Parse(time.RFC3339, env.ServerTime)
		if err != nil {
			return nil, fmt.Errorf("parsing serverTime: %w", err)
		}
		ev.ServerTime = ts
	}

	switch env.Type {
	case KindMessageNew:
		ev.Message = &MessagePayload{}
		if err := json.Unmarshal(env.Payload, ev.Message); err != nil {
			return nil, fmt.Errorf("parsing message payload: %w", err)
		}
	case KindMessageEdited:
		ev.Edit = &EditPayload{}
		if err := json.Unmarshal(env.Payload, ev.Edit); err != nil {
			return nil, fmt.Errorf("parsing edit payload: %w", err)
		}
	case KindMessageDeleted:
		ev.Delete = &DeletePayload{}
		if err := json.Unmarshal(env.Payload, ev.Delete); err != nil {
			return nil, fmt.Errorf("parsing delete payload: %w", err)
		}
	case KindMessageDelivered, KindMessageSeen:
		ev.Receipt = &ReceiptPayload{}
		if err := json.Unmarshal(env.Payload, ev.Receipt); err != nil {
			return nil, fmt.Errorf("parsing receipt payload: %w", err)
		}
	case KindTypingStart, KindTypingStop:
		// No payload beyond the conversation id
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}

	return ev, nil
}

// Encode serializes an Event back into its wire envelope.
func Encode(ev *Event) ([]byte, error) {
	env := envelope{
		Type:           ev.Kind,
		ConversationID: ev.ConversationID,
	}
	if !ev.ServerTime.IsZero() {
		env.ServerTime = ev.ServerTime.Format(time.RFC3339)
	}

	var payload any
	switch ev.Kind {
	case KindMessageNew:
		payload = ev.Message
	case KindMessageEdited:
		payload = ev.Edit
	case KindMessageDeleted:
		payload = ev.Delete
	case KindMessageDelivered, KindMessageSeen:
		payload = ev.Receipt
	case KindTypingStart, KindTypingStop:
		payload = nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, ev.Kind)
	}

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding payload: %w", err)
		}
		env.Payload = raw
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return data, nil
}

// ParseTime parses an ISO-8601 timestamp from a payload field.
// Returns the zero time for empty strings.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return ts, nil
}
