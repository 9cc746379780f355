package batch

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash"
	"github.com/google/uuid"
)

// DefaultWindow is the default coalescing window, sized to roughly one
// UI frame budget downstream.
const DefaultWindow = 16 * time.Millisecond

// Snapshot is one coalesced delivery: entity id to its latest state.
type Snapshot map[string]json.RawMessage

// Subscriber receives one snapshot per flush.
type Subscriber func(Snapshot)

type subEntry struct {
	id uuid.UUID
	fn Subscriber
}

// Processor coalesces rapid state updates over a short window and
// delivers them as single downstream notifications. Intermediate
// states for the same entity are dropped; only the latest survives.
// At most one flush timer is armed at a time.
type Processor struct {
	window time.Duration
	logger *slog.Logger

	mu        sync.Mutex
	pending   Snapshot
	timer     *time.Timer
	delivered map[string]uint64 // entity id -> hash of last delivered state
	subs      []subEntry
	closed    bool
}

// New creates a processor with the given flush window (0 uses
// DefaultWindow).
func New(window time.Duration, logger *slog.Logger) *Processor {
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		window:    window,
		logger:    logger,
		pending:   make(Snapshot),
		delivered: make(map[string]uint64),
	}
}

// Subscribe registers a snapshot consumer and returns its unsubscribe
// function.
func (p *Processor) Subscribe(fn Subscriber) func() {
	id := uuid.New()

	p.mu.Lock()
	p.subs = append(p.subs, subEntry{id: id, fn: fn})
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, e := range p.subs {
			if e.id == id {
				p.subs = append(p.subs[:i:i], p.subs[i+1:]...)
				break
			}
		}
	}
}

// Accept records the latest state for an entity and arms the flush
// timer if idle. A state identical to the entity's last delivered one
// is dropped outright.
func (p *Processor) Accept(entityID string, state json.RawMessage) {
	sum := xxhash.Sum64(state)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	if _, queued := p.pending[entityID]; !queued {
		if last, ok := p.delivered[entityID]; ok && last == sum {
			return
		}
	}

	p.pending[entityID] = state

	if p.timer == nil {
		p.timer = time.AfterFunc(p.window, p.flushTimer)
	}
}

// Flush delivers any accumulated states immediately, cancelling the
// pending timer.
func (p *Processor) Flush() {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()

	p.flush()
}

// Close stops the timer and discards the accumulator. Nothing is
// delivered after Close. Idempotent.
func (p *Processor) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.pending = nil
}

// PendingCount returns the number of entities awaiting the next flush.
func (p *Processor) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Processor) flushTimer() {
	p.mu.Lock()
	p.timer = nil
	p.mu.Unlock()

	p.flush()
}

func (p *Processor) flush() {
	p.mu.Lock()
	if p.closed || len(p.pending) == 0 {
		p.mu.Unlock()
		return
	}

	snap := p.pending
	p.pending = make(Snapshot)
	for id, state := range snap {
		p.delivered[id] = xxhash.Sum64(state)
	}
	subs := make([]subEntry, len(p.subs))
	copy(subs, p.subs)
	p.mu.Unlock()

	for _, s := range subs {
		p.deliver(s, snap)
	}
}

func (p *Processor) deliver(s subEntry, snap Snapshot) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("batch subscriber panicked",
				"subscriber", s.id,
				"panic", rec,
			)
		}
	}()
	s.fn(snap)
}
