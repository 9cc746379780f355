package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avehara/hub-sync/internal/connection"
	"github.com/avehara/hub-sync/internal/metrics"
)

// Errors
var (
	ErrMessageTimeout  = errors.New("message timeout: no reply within window")
	ErrPayloadTooLarge = errors.New("payload exceeds maximum frame size")
	ErrDispatcherDown  = errors.New("dispatcher closed")
)

// Selector yields the connection an outgoing frame should be written to.
type Selector interface {
	Select() (*connection.Conn, error)
}

// Config configures the dispatcher.
type Config struct {
	MessageTimeout  time.Duration // reply deadline per call
	MaxMessageBytes int           // outgoing frame size cap
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MessageTimeout:  10 * time.Second,
		MaxMessageBytes: 1 << 20,
	}
}

type callResult struct {
	msg connection.Message
	err error
}

type pendingCall struct {
	result   chan callResult
	timer    *time.Timer
	conn     *connection.Conn
	enqueued time.Time
}

// Dispatcher assigns correlation ids to outgoing messages, routes them
// through the pool, and resolves callers when the matching reply
// arrives. Every pending call is resolved exactly once: by reply, by
// timeout, or by FailAll.
//
// Cross-connection ordering of outgoing messages is not guaranteed;
// the pool may route consecutive calls to different connections. Only
// per-connection order is preserved.
type Dispatcher struct {
	cfg      Config
	selector Selector
	tracker  *metrics.Tracker
	logger   *slog.Logger

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]*pendingCall
	closed  bool
}

// New creates a dispatcher routing frames via the selector.
func New(cfg Config, selector Selector, tracker *metrics.Tracker, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if tracker == nil {
		tracker = metrics.NewTracker(0)
	}

	return &Dispatcher{
		cfg:      cfg,
		selector: selector,
		tracker:  tracker,
		logger:   logger,
		pending:  make(map[int64]*pendingCall),
	}
}

// Call sends msg with a fresh correlation id and blocks until the
// reply arrives, the per-message timeout fires, the context is
// cancelled, or the dispatcher is torn down. Oversized payloads are
// rejected before any connection is touched.
func (d *Dispatcher) Call(ctx context.Context, msg connection.Message) (json.RawMessage, error) {
	id := d.nextID.Add(1)
	msg.ID = id

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > d.cfg.MaxMessageBytes {
		d.tracker.RecordError()
		return nil, fmt.Errorf("%w: %d bytes, limit %d",
			ErrPayloadTooLarge, len(data), d.cfg.MaxMessageBytes)
	}

	conn, err := d.selector.Select()
	if err != nil {
		return nil, err
	}

	pc := &pendingCall{
		result:   make(chan callResult, 1),
		conn:     conn,
		enqueued: time.Now(),
	}
	pc.timer = time.AfterFunc(d.cfg.MessageTimeout, func() {
		d.expire(id)
	})

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		pc.timer.Stop()
		return nil, ErrDispatcherDown
	}
	d.pending[id] = pc
	d.mu.Unlock()

	conn.AddLoad(1)

	if err := conn.Send(data); err != nil {
		d.abort(id)
		d.tracker.RecordError()
		return nil, fmt.Errorf("send: %w", err)
	}
	d.tracker.RecordSent()

	select {
	case <-ctx.Done():
		d.abort(id)
		return nil, ctx.Err()
	case res := <-pc.result:
		if res.err != nil {
			return nil, res.err
		}
		return res.msg.Payload, nil
	}
}

// HandleReply resolves the pending call matching the frame's id.
// Returns false when no call is waiting on that id.
func (d *Dispatcher) HandleReply(msg connection.Message) bool {
	if msg.ID == 0 {
		return false
	}

	pc, ok := d.remove(msg.ID)
	if !ok {
		return false
	}

	pc.timer.Stop()
	pc.conn.AddLoad(-1)
	pc.result <- callResult{msg: msg}
	return true
}

// FailAll rejects every pending call with err. Used on disconnect and
// on terminal connection loss.
func (d *Dispatcher) FailAll(err error) {
	d.mu.Lock()
	pending := d.pending
	d.pending = make(map[int64]*pendingCall)
	d.mu.Unlock()

	for _, pc := range pending {
		pc.timer.Stop()
		pc.conn.AddLoad(-1)
		pc.result <- callResult{err: err}
	}

	if len(pending) > 0 {
		d.logger.Debug("failed pending calls", "count", len(pending), "error", err)
	}
}

// Close fails all pending calls and refuses new ones.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.FailAll(ErrDispatcherDown)
}

// Pending returns the number of in-flight calls.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// expire rejects one call whose reply window has elapsed.
func (d *Dispatcher) expire(id int64) {
	pc, ok := d.remove(id)
	if !ok {
		return
	}

	pc.conn.AddLoad(-1)
	d.tracker.RecordError()
	d.logger.Warn("message timed out",
		"id", id,
		"waited", time.Since(pc.enqueued),
	)
	pc.result <- callResult{err: fmt.Errorf("%w (id %d)", ErrMessageTimeout, id)}
}

// abort drops a call without resolving its result channel. Used when
// the caller itself gives up (send failure or context cancellation).
func (d *Dispatcher) abort(id int64) {
	pc, ok := d.remove(id)
	if !ok {
		return
	}
	pc.timer.Stop()
	pc.conn.AddLoad(-1)
}

func (d *Dispatcher) remove(id int64) (*pendingCall, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	pc, ok := d.pending[id]
	if ok {
		delete(d.pending, id)
	}
	return pc, ok
}
