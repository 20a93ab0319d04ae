package hub

import "github.com/flowlink-rmm/hub/internal/model"

// Connection is one live duplex transport attached to one device (or to
// no device yet, before device_register). The Hub only ever holds this
// interface — it never reaches into transport internals, keeping the
// protocol layer decoupled from the raw websocket connection.
type Connection interface {
	// ID is a unique, unguessable identifier for this connection.
	ID() string
	// Send enqueues an envelope for delivery. It must never block the
	// caller for long: a slow consumer gets its connection closed instead
	// of stalling the Hub's critical section.
	Send(env model.Envelope) error
	// Close closes the connection with the given WebSocket close code and
	// human-readable reason.
	Close(code int, reason string)
}
