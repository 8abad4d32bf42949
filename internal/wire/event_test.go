// ABOUTME: Tests for channel event decoding and encoding
// ABOUTME: Covers every event kind, round trips, and malformed envelopes

package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_MessageNew(t *testing.T) {
	data := []byte(`{
		"type": "message:new",
		"conversationId": "peer-1",
		"payload": {"id":"m1","senderId":"peer-1","text":"hello","createdAt":"2026-08-30T10:00:00Z"},
		"serverTime": "2026-08-30T10:00:01Z"
	}`)

	ev, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, KindMessageNew, ev.Kind)
	assert.Equal(t, "peer-1", ev.ConversationID)
	require.NotNil(t, ev.Message)
	assert.Equal(t, "m1", ev.Message.ID)
	assert.Equal(t, "hello", ev.Message.Text)
	assert.Equal(t, "2026-08-30T10:00:00Z", ev.Message.CreatedAt)
	assert.Equal(t, time.Date(2026, 8, 30, 10, 0, 1, 0, time.UTC), ev.ServerTime)

	// Only the matching payload field is set
	assert.Nil(t, ev.Edit)
	assert.Nil(t, ev.Delete)
	assert.Nil(t, ev.Receipt)
}

func TestDecode_MessageEdited(t *testing.T) {
	data := []byte(`{
		"type": "message:edited",
		"conversationId": "peer-1",
		"payload": {"id":"m1","text":"fixed","editedAt":"2026-08-30T10:05:00Z"},
		"serverTime": "2026-08-30T10:05:00Z"
	}`)

	ev, err := Decode(data)
	require.NoError(t, err)

	require.NotNil(t, ev.Edit)
	assert.Equal(t, "m1", ev.Edit.ID)
	require.NotNil(t, ev.Edit.Text)
	assert.Equal(t, "fixed", *ev.Edit.Text)
	assert.Nil(t, ev.Edit.Image)
}

func TestDecode_MessageDeleted(t *testing.T) {
	data := []byte(`{
		"type": "message:deleted",
		"conversationId": "peer-1",
		"payload": {"id":"m1"},
		"serverTime": "2026-08-30T10:06:00Z"
	}`)

	ev, err := Decode(data)
	require.NoError(t, err)
	require.NotNil(t, ev.Delete)
	assert.Equal(t, "m1", ev.Delete.ID)
}

func TestDecode_Receipts(t *testing.T) {
	for _, kind := range []Kind{KindMessageDelivered, KindMessageSeen} {
		data := []byte(`{
			"type": "` + string(kind) + `",
			"conversationId": "peer-1",
			"payload": {"id":"m1","at":"2026-08-30T10:07:00Z"},
			"serverTime": "2026-08-30T10:07:00Z"
		}`)

		ev, err := Decode(data)
		require.NoError(t, err, string(kind))
		require.NotNil(t, ev.Receipt, string(kind))
		assert.Equal(t, "m1", ev.Receipt.ID)
		assert.Equal(t, "2026-08-30T10:07:00Z", ev.Receipt.At)
	}
}

func TestDecode_Typing_NoPayload(t *testing.T) {
	data := []byte(`{"type":"typing:start","conversationId":"peer-1","serverTime":"2026-08-30T10:08:00Z"}`)

	ev, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, KindTypingStart, ev.Kind)
	assert.Equal(t, "peer-1", ev.ConversationID)

	data = []byte(`{"type":"typing:stop","conversationId":"peer-1","serverTime":"2026-08-30T10:08:02Z"}`)
	ev, err = Decode(data)
	require.NoError(t, err)
	assert.Equal(t, KindTypingStop, ev.Kind)
}

func TestDecode_UnknownKind(t *testing.T) {
	data := []byte(`{"type":"message:reacted","conversationId":"peer-1","payload":{}}`)

	_, err := Decode(data)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestDecode_MalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{"type":`))
	require.Error(t, err)
}

func TestDecode_BadServerTime(t *testing.T) {
	data := []byte(`{"type":"typing:start","conversationId":"peer-1","serverTime":"yesterday"}`)
	_, err := Decode(data)
	require.Error(t, err)
}

func TestEncode_RoundTrip(t *testing.T) {
	text := "updated"
	original := &Event{
		Kind:           KindMessageEdited,
		ConversationID: "peer-9",
		ServerTime:     time.Date(2026, 8, 30, 11, 0, 0, 0, time.UTC),
		Edit: &EditPayload{
			ID:       "m7",
			Text:     &text,
			EditedAt: "2026-08-30T11:00:00Z",
		},
	}

	data, err := Encode(original)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, original.Kind, decoded.Kind)
	assert.Equal(t, original.ConversationID, decoded.ConversationID)
	require.NotNil(t, decoded.Edit)
	assert.Equal(t, "m7", decoded.Edit.ID)
	require.NotNil(t, decoded.Edit.Text)
	assert.Equal(t, "updated", *decoded.Edit.Text)
}

func TestEncode_Typing(t *testing.T) {
	ev := &Event{
		Kind:           KindTypingStart,
		ConversationID: "peer-3",
		ServerTime:     time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
	}

	data, err := Encode(ev)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, KindTypingStart, decoded.Kind)
	assert.Equal(t, "peer-3", decoded.ConversationID)
}

func TestEncode_UnknownKind(t *testing.T) {
	_, err := Encode(&Event{Kind: "bogus"})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestParseTime(t *testing.T) {
	ts, err := ParseTime("2026-08-30T10:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC), ts)

	ts, err = ParseTime("")
	require.NoError(t, err)
	assert.True(t, ts.IsZero())

	_, err = ParseTime("not-a-time")
	require.Error(t, err)
}
