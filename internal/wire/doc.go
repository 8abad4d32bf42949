// Package wire defines the event protocol spoken over the live chat channel.
//
// Events arrive as JSON envelopes:
//
//	{ "type": "message:new", "conversationId": "peer-42",
//	  "payload": { ... }, "serverTime": "2026-08-31T12:00:00Z" }
//
// Decode turns an envelope into an Event, a tagged variant with exactly one
// payload field populated for its Kind. Timestamps on the wire are ISO-8601
// (RFC 3339); missing explicit payloads are only legal for typing events.
//
// The channel gives no exactly-once guarantee. Consumers must tolerate
// duplicates and out-of-order timestamps; see the session and store packages.
package wire
