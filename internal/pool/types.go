package pool

import (
	"errors"
	"time"

	"github.com/avehara/hub-sync/internal/backoff"
)

// Errors
var (
	ErrNotConnected   = errors.New("no open connection")
	ErrConnectionLost = errors.New("connection lost: reconnection retries exhausted")
	ErrPoolClosed     = errors.New("pool closed")
)

// State is the overall pool connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateCircuitOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateCircuitOpen:
		return "circuit-open"
	default:
		return "unknown"
	}
}

// Config configures the connection pool.
type Config struct {
	URL   string // WebSocket URL of the hub
	Token string // bearer token

	Size           int           // number of connections (fixed)
	ConnectTimeout time.Duration // deadline for one full connect attempt
	WriteTimeout   time.Duration // per-connection write deadline
	BufferSize     int           // per-connection inbound buffer

	MaxRetries int            // reconnect attempts before giving up
	Retry      backoff.Policy // reconnect delay schedule
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Size:           3,
		ConnectTimeout: 10 * time.Second,
		WriteTimeout:   5 * time.Second,
		BufferSize:     1024,
		MaxRetries:     10,
		Retry: backoff.Policy{
			Base:       time.Second,
			Max:        60 * time.Second,
			Multiplier: 2.0,
			Jitter:     0.2,
		},
	}
}
