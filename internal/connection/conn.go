package connection

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one duplex WebSocket connection to the hub. It owns its read
// loop and an in-flight load counter used for least-loaded routing.
type Conn struct {
	slot   int
	cfg    Config
	logger *slog.Logger

	conn *websocket.Conn

	// Output channels
	messages chan Inbound
	errors   chan error
	done     chan struct{}

	// Write serialization
	writeMu sync.Mutex

	// In-flight messages awaiting replies, maintained by the dispatcher.
	load atomic.Int64

	// State
	mu     sync.RWMutex
	status Status
	closed bool
}

// New creates a connection for the given pool slot. It does not dial.
func New(slot int, cfg Config, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}

	return &Conn{
		slot:     slot,
		cfg:      cfg,
		logger:   logger,
		messages: make(chan Inbound, cfg.BufferSize),
		errors:   make(chan error, 1),
		done:     make(chan struct{}),
	}
}

// Connect dials the hub and starts the read loop.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	c.status = StatusConnecting
	c.mu.Unlock()

	header := http.Header{}
	header.Set("Accept", "application/json")
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		c.mu.Lock()
		c.status = StatusClosed
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.status = StatusOpen
	c.mu.Unlock()

	// Answer transport-level pings so intermediaries keep the socket alive.
	// Protocol-level heartbeats are the health monitor's job.
	conn.SetPingHandler(func(data string) error {
		return conn.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(time.Second),
		)
	})

	go c.readLoop()

	c.logger.Debug("connection open", "slot", c.slot, "url", c.cfg.URL)

	return nil
}

// Close gracefully closes the connection. Safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.status = StatusClosed
	c.mu.Unlock()

	close(c.done)

	if c.conn != nil {
		c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		return c.conn.Close()
	}

	return nil
}

// Send writes a framed message to the socket. Writes are serialized, so
// per-connection ordering is preserved.
func (c *Conn) Send(data []byte) error {
	c.mu.RLock()
	if c.status != StatusOpen {
		c.mu.RUnlock()
		return ErrConnClosed
	}
	c.mu.RUnlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Messages returns the channel of decoded inbound frames.
func (c *Conn) Messages() <-chan Inbound {
	return c.messages
}

// Errors returns the channel of connection errors.
func (c *Conn) Errors() <-chan error {
	return c.errors
}

// Done is closed when the connection has been closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Status returns the current connection status.
func (c *Conn) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Slot returns the pool slot id.
func (c *Conn) Slot() int {
	return c.slot
}

// Load returns the number of in-flight messages on this connection.
func (c *Conn) Load() int64 {
	return c.load.Load()
}

// AddLoad adjusts the in-flight counter. The dispatcher increments on
// send and decrements on reply, timeout, or abort.
func (c *Conn) AddLoad(delta int64) {
	c.load.Add(delta)
}

// readLoop reads frames, decodes them, and forwards to the messages channel.
func (c *Conn) readLoop() {
	defer func() {
		c.mu.Lock()
		c.status = StatusClosed
		c.mu.Unlock()
	}()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, data, err := c.conn.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			// Ignore errors after Close() is called
			select {
			case <-c.done:
				return
			default:
				select {
				case c.errors <- err:
				default:
				}
				return
			}
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("undecodable frame, dropping",
				"slot", c.slot,
				"error", err,
			)
			continue
		}

		in := Inbound{
			Msg:        msg,
			Slot:       c.slot,
			ReceivedAt: receivedAt,
		}

		select {
		case c.messages <- in:
		case <-c.done:
			return
		default:
			c.logger.Warn("message buffer full, dropping frame", "slot", c.slot)
		}
	}
}
