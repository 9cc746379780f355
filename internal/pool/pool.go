package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/avehara/hub-sync/internal/breaker"
	"github.com/avehara/hub-sync/internal/connection"
)

// Pool owns a fixed-size set of connections to the hub. It dials them
// concurrently, routes inbound frames onto a single merged channel,
// selects the least-loaded connection for outgoing traffic, and runs
// the reconnect path when the active set empties.
type Pool struct {
	cfg    Config
	brk    *breaker.Breaker
	logger *slog.Logger

	inbound chan connection.Inbound

	mu           sync.Mutex
	state        State
	conns        []*connection.Conn // index = slot; nil = slot closed
	closed       bool
	reconnecting bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onState     func(State)
	onReconnect func()
	onTerminal  func(error)
}

// New creates a pool. The breaker gates every connect attempt; nil
// installs one with default thresholds.
func New(cfg Config, brk *breaker.Breaker, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if brk == nil {
		brk = breaker.New(5, 30*time.Second, logger)
	}

	return &Pool{
		cfg:     cfg,
		brk:     brk,
		logger:  logger,
		inbound: make(chan connection.Inbound, cfg.BufferSize),
		conns:   make([]*connection.Conn, cfg.Size),
	}
}

// OnStateChange registers a state transition listener. Set before Connect.
func (p *Pool) OnStateChange(fn func(State)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

// OnReconnect registers a hook run after a successful reconnection,
// before normal traffic resumes. The façade re-issues the wire-level
// subscription handshake here. Set before Connect.
func (p *Pool) OnReconnect(fn func()) {
	p.mu.Lock()
	p.onReconnect = fn
	p.mu.Unlock()
}

// OnTerminal registers a listener for the terminal failure after
// reconnection retries are exhausted. Set before Connect.
func (p *Pool) OnTerminal(fn func(error)) {
	p.mu.Lock()
	p.onTerminal = fn
	p.mu.Unlock()
}

// Connect fills the pool. At least one open connection is required for
// success; slots that fail to dial are logged and left closed until the
// next reconnect cycle (availability over full utilization). If the
// breaker is open the attempt is refused without touching the network.
func (p *Pool) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if p.state == StateConnected {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.brk.Allow(); err != nil {
		p.setState(StateCircuitOpen)
		return err
	}

	p.setState(StateConnecting)

	p.mu.Lock()
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.conns = make([]*connection.Conn, p.cfg.Size)
	p.mu.Unlock()

	open, firstErr := p.dialAll(ctx)
	if open == 0 {
		p.brk.RecordFailure()
		p.setState(StateDisconnected)
		return fmt.Errorf("connect pool: %w", firstErr)
	}

	p.brk.RecordSuccess()
	p.setState(StateConnected)

	if open < p.cfg.Size {
		p.logger.Warn("pool started degraded",
			"open", open,
			"size", p.cfg.Size,
		)
	}

	return nil
}

// Select returns the open connection with the lowest in-flight load.
func (p *Pool) Select() (*connection.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var best *connection.Conn
	for _, c := range p.conns {
		if c == nil || c.Status() != connection.StatusOpen {
			continue
		}
		if best == nil || c.Load() < best.Load() {
			best = c
		}
	}

	if best == nil {
		return nil, ErrNotConnected
	}
	return best, nil
}

// Inbound returns the merged channel of frames from every connection.
// Closed when the pool is closed.
func (p *Pool) Inbound() <-chan connection.Inbound {
	return p.inbound
}

// State returns the current pool state.
func (p *Pool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// OpenCount returns the number of currently open connections.
func (p *Pool) OpenCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, c := range p.conns {
		if c != nil && c.Status() == connection.StatusOpen {
			n++
		}
	}
	return n
}

// Reconnect force-closes every connection and starts the reconnect
// path. The health monitor calls this when heartbeats go unanswered
// even though no socket has reported a close.
func (p *Pool) Reconnect() {
	p.mu.Lock()
	if p.closed || p.reconnecting {
		p.mu.Unlock()
		return
	}
	p.reconnecting = true
	conns := make([]*connection.Conn, len(p.conns))
	copy(conns, p.conns)
	for i := range p.conns {
		p.conns[i] = nil
	}
	p.mu.Unlock()

	for _, c := range conns {
		if c != nil {
			c.Close()
		}
	}

	p.setState(StateReconnecting)
	p.wg.Add(1)
	go p.reconnectLoop()
}

// Close tears down the pool. Idempotent.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cancel := p.cancel
	conns := make([]*connection.Conn, len(p.conns))
	copy(conns, p.conns)
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, c := range conns {
		if c != nil {
			c.Close()
		}
	}

	p.wg.Wait()
	close(p.inbound)

	p.setState(StateDisconnected)
	return nil
}

// dialAll opens every slot concurrently and returns the number of open
// connections plus the first dial error seen.
func (p *Pool) dialAll(ctx context.Context) (int, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()

	connCfg := connection.Config{
		URL:              p.cfg.URL,
		Token:            p.cfg.Token,
		HandshakeTimeout: p.cfg.ConnectTimeout,
		WriteTimeout:     p.cfg.WriteTimeout,
		BufferSize:       p.cfg.BufferSize,
	}

	var g errgroup.Group
	var dialMu sync.Mutex
	var firstErr error

	for i := 0; i < p.cfg.Size; i++ {
		slot := i
		g.Go(func() error {
			c := connection.New(slot, connCfg, p.logger.With("slot", slot))
			if err := c.Connect(dialCtx); err != nil {
				dialMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				dialMu.Unlock()
				p.logger.Warn("slot failed to open", "slot", slot, "error", err)
				return nil
			}

			p.mu.Lock()
			if p.closed {
				p.mu.Unlock()
				c.Close()
				return nil
			}
			p.conns[slot] = c
			p.mu.Unlock()

			p.watch(c)
			return nil
		})
	}
	g.Wait()

	return p.OpenCount(), firstErr
}

// watch forwards one connection's frames onto the merged inbound
// channel and reacts to its failure.
func (p *Pool) watch(c *connection.Conn) {
	p.mu.Lock()
	ctx := p.ctx
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		for {
			select {
			case <-ctx.Done():
				return

			case <-c.Done():
				return

			case err := <-c.Errors():
				p.logger.Warn("connection error",
					"slot", c.Slot(),
					"error", err,
				)
				p.handleConnDown(c)
				return

			case in, ok := <-c.Messages():
				if !ok {
					return
				}
				select {
				case p.inbound <- in:
				case <-ctx.Done():
					return
				default:
					p.logger.Warn("inbound buffer full, dropping frame", "slot", in.Slot)
				}
			}
		}
	}()
}

// handleConnDown removes a failed connection from the active set and,
// when the set empties, starts the reconnect path.
func (p *Pool) handleConnDown(c *connection.Conn) {
	c.Close()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.conns[c.Slot()] = nil

	anyOpen := false
	for _, cc := range p.conns {
		if cc != nil && cc.Status() == connection.StatusOpen {
			anyOpen = true
			break
		}
	}

	start := !anyOpen && !p.reconnecting
	if start {
		p.reconnecting = true
	}
	p.mu.Unlock()

	if start {
		p.setState(StateReconnecting)
		p.wg.Add(1)
		go p.reconnectLoop()
	}
}

// reconnectLoop redials the pool with backoff until it succeeds, the
// retry budget is spent, or the pool closes.
func (p *Pool) reconnectLoop() {
	defer p.wg.Done()

	p.mu.Lock()
	ctx := p.ctx
	p.mu.Unlock()

	// No deferred flag reset: the success path clears reconnecting
	// before the hook runs, and a later cycle may already own the flag
	// by the time this goroutine exits.
	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			p.clearReconnecting()
			return
		case <-time.After(p.cfg.Retry.Delay(attempt)):
		}

		if err := p.brk.Allow(); err != nil {
			p.logger.Warn("reconnect attempt refused",
				"attempt", attempt+1,
				"error", err,
			)
			continue
		}

		p.logger.Info("attempting reconnection",
			"attempt", attempt+1,
			"max_retries", p.cfg.MaxRetries,
		)

		p.mu.Lock()
		if p.closed {
			p.reconnecting = false
			p.mu.Unlock()
			return
		}
		stale := make([]*connection.Conn, len(p.conns))
		copy(stale, p.conns)
		p.conns = make([]*connection.Conn, p.cfg.Size)
		p.mu.Unlock()

		for _, c := range stale {
			if c != nil {
				c.Close()
			}
		}

		open, err := p.dialAll(ctx)
		if open == 0 {
			p.brk.RecordFailure()
			p.logger.Warn("reconnection failed",
				"attempt", attempt+1,
				"error", err,
			)
			continue
		}

		p.brk.RecordSuccess()
		p.setState(StateConnected)
		p.logger.Info("reconnected", "open", open)

		// Clear the flag before the hook runs: it may block on the new
		// connections, and a failure during that window must be able to
		// start the next reconnect cycle.
		p.mu.Lock()
		p.reconnecting = false
		fn := p.onReconnect
		p.mu.Unlock()
		if fn != nil {
			fn()
		}
		return
	}

	p.logger.Error("reconnection retries exhausted", "max_retries", p.cfg.MaxRetries)
	p.clearReconnecting()
	p.setState(StateDisconnected)

	p.mu.Lock()
	fn := p.onTerminal
	p.mu.Unlock()
	if fn != nil {
		fn(ErrConnectionLost)
	}
}

func (p *Pool) clearReconnecting() {
	p.mu.Lock()
	p.reconnecting = false
	p.mu.Unlock()
}

// setState transitions the pool state and notifies the listener
// outside the lock.
func (p *Pool) setState(s State) {
	p.mu.Lock()
	if p.state == s {
		p.mu.Unlock()
		return
	}
	p.state = s
	fn := p.onState
	p.mu.Unlock()

	p.logger.Debug("pool state changed", "state", s)
	if fn != nil {
		fn(s)
	}
}
