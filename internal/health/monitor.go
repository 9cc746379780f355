package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/avehara/hub-sync/internal/metrics"
)

// Pinger issues one heartbeat round trip and reports its latency.
type Pinger interface {
	Ping(ctx context.Context) (time.Duration, error)
}

// Config configures the health monitor.
type Config struct {
	Interval   time.Duration // heartbeat period
	StaleAfter time.Duration // silence before forcing reconnection (0 = 2x Interval)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
	}
}

// Monitor sends periodic heartbeats through the dispatcher and watches
// for silently-dead connections: if no pong has arrived within the
// stale window it triggers the pool's reconnect path even though no
// socket reported a close (NAT timeouts and half-open TCP).
type Monitor struct {
	cfg     Config
	pinger  Pinger
	tracker *metrics.Tracker
	onStale func()
	logger  *slog.Logger

	mu       sync.Mutex
	lastPong time.Time
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a monitor. onStale runs when the stale window elapses
// without an acknowledged heartbeat.
func New(cfg Config, pinger Pinger, tracker *metrics.Tracker, onStale func(), logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if tracker == nil {
		tracker = metrics.NewTracker(0)
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * cfg.Interval
	}

	return &Monitor{
		cfg:     cfg,
		pinger:  pinger,
		tracker: tracker,
		onStale: onStale,
		logger:  logger,
	}
}

// Start launches the heartbeat and staleness tickers. Safe to call
// when already running.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.lastPong = time.Now()

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(2)
	go m.pingLoop(ctx)
	go m.staleLoop(ctx)
}

// Stop cancels both tickers. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}

// LastPong returns the time of the last acknowledged heartbeat.
func (m *Monitor) LastPong() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPong
}

func (m *Monitor) pingLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, m.cfg.Interval)
			rtt, err := m.pinger.Ping(pingCtx)
			cancel()

			if err != nil {
				m.logger.Warn("heartbeat failed", "error", err)
				continue
			}

			m.mu.Lock()
			m.lastPong = time.Now()
			m.mu.Unlock()

			m.tracker.RecordLatency(rtt)
			m.logger.Debug("heartbeat", "rtt", rtt)
		}
	}
}

func (m *Monitor) staleLoop(ctx context.Context) {
	defer m.wg.Done()

	interval := m.cfg.Interval / 2
	if interval <= 0 {
		interval = m.cfg.Interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			silence := time.Since(m.lastPong)
			stale := silence > m.cfg.StaleAfter
			if stale {
				// Restart the window so one dead period triggers
				// exactly one reconnect.
				m.lastPong = time.Now()
			}
			m.mu.Unlock()

			if stale {
				m.logger.Warn("heartbeats unacknowledged, forcing reconnect",
					"silence", silence,
					"stale_after", m.cfg.StaleAfter,
				)
				if m.onStale != nil {
					m.onStale()
				}
			}
		}
	}
}
