package metrics

import (
	"sync"
	"time"

	"github.com/eapache/queue"
)

// DefaultWindowSize is the number of recent round-trip samples kept for
// the rolling latency average.
const DefaultWindowSize = 64

// Snapshot is a point-in-time copy of the tracked values.
type Snapshot struct {
	LastLatency      time.Duration `json:"last_latency"`
	AvgLatency       time.Duration `json:"avg_latency"`
	MessagesSent     int64         `json:"messages_sent"`
	MessagesReceived int64         `json:"messages_received"`
	Errors           int64         `json:"errors"`
	LastHealthCheck  time.Time     `json:"last_health_check"`
}

// Tracker accumulates client performance metrics. Counters grow
// monotonically and are cleared only by an explicit Reset.
type Tracker struct {
	mu         sync.Mutex
	windowSize int
	window     *queue.Queue // recent round-trip samples, FIFO
	windowSum  time.Duration

	last      time.Duration
	sent      int64
	received  int64
	errors    int64
	lastCheck time.Time
}

// NewTracker creates a tracker keeping windowSize latency samples
// (0 uses DefaultWindowSize).
func NewTracker(windowSize int) *Tracker {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &Tracker{
		windowSize: windowSize,
		window:     queue.New(),
	}
}

// RecordLatency records one heartbeat round trip.
func (t *Tracker) RecordLatency(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.window.Add(d)
	t.windowSum += d
	if t.window.Length() > t.windowSize {
		old := t.window.Remove().(time.Duration)
		t.windowSum -= old
	}

	t.last = d
	t.lastCheck = time.Now()
}

// RecordSent counts one outgoing message.
func (t *Tracker) RecordSent() {
	t.mu.Lock()
	t.sent++
	t.mu.Unlock()
}

// RecordReceived counts one inbound message.
func (t *Tracker) RecordReceived() {
	t.mu.Lock()
	t.received++
	t.mu.Unlock()
}

// RecordError counts one error.
func (t *Tracker) RecordError() {
	t.mu.Lock()
	t.errors++
	t.mu.Unlock()
}

// Snapshot returns a copy of the current values.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	var avg time.Duration
	if n := t.window.Length(); n > 0 {
		avg = t.windowSum / time.Duration(n)
	}

	return Snapshot{
		LastLatency:      t.last,
		AvgLatency:       avg,
		MessagesSent:     t.sent,
		MessagesReceived: t.received,
		Errors:           t.errors,
		LastHealthCheck:  t.lastCheck,
	}
}

// Reset clears all counters and the latency window.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.window = queue.New()
	t.windowSum = 0
	t.last = 0
	t.sent = 0
	t.received = 0
	t.errors = 0
	t.lastCheck = time.Time{}
}
