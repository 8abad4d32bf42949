// Package transport carries the live event stream over a websocket.
//
// The Channel dials one connection per subscription, announces the
// conversation with a control frame, and decodes inbound frames into wire
// events. A dropped connection closes the event channel; resubscription
// policy belongs to the consumer, not here. Keepalive is ping/pong with a
// read deadline, so a dead peer is detected even when no events flow.
package transport
