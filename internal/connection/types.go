package connection

import (
	"encoding/json"
	"errors"
	"time"
)

// Errors
var (
	ErrConnClosed    = errors.New("connection closed")
	ErrAlreadyClosed = errors.New("already closed")
)

// Status is the lifecycle position of a single connection.
type Status int

const (
	StatusClosed Status = iota
	StatusConnecting
	StatusOpen
)

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusClosed:
		return "closed"
	case StatusConnecting:
		return "connecting"
	case StatusOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Message is the JSON frame exchanged with the hub.
//
// Inbound types consumed by the client: "result" (reply to a prior id),
// "event" (unsolicited push), "pong" (heartbeat reply). Outbound types
// produced: "subscribe_events", "call_service", "ping", plus
// caller-supplied custom types.
type Message struct {
	Type    string          `json:"type"`
	ID      int64           `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EventPayload is the payload of an "event" frame.
type EventPayload struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

// StateChange is the data carried by a "state_changed" event.
type StateChange struct {
	EntityID string          `json:"entity_id"`
	NewState json.RawMessage `json:"new_state"`
}

// Inbound wraps a decoded frame with its origin slot and receive timestamp.
type Inbound struct {
	Msg        Message
	Slot       int       // pool slot the frame arrived on
	ReceivedAt time.Time // local timestamp when the read returned
}

// Config configures a single hub connection.
type Config struct {
	URL              string        // WebSocket URL of the hub
	Token            string        // bearer token (empty = no auth header)
	HandshakeTimeout time.Duration // dial deadline
	WriteTimeout     time.Duration // write deadline for sends
	BufferSize       int           // inbound channel buffer size
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       1024,
	}
}
