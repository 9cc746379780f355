package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avehara/hub-sync/internal/backoff"
	"github.com/avehara/hub-sync/internal/batch"
	"github.com/avehara/hub-sync/internal/breaker"
	"github.com/avehara/hub-sync/internal/config"
	"github.com/avehara/hub-sync/internal/connection"
	"github.com/avehara/hub-sync/internal/dispatch"
	"github.com/avehara/hub-sync/internal/health"
	"github.com/avehara/hub-sync/internal/metrics"
	"github.com/avehara/hub-sync/internal/pool"
	"github.com/avehara/hub-sync/internal/subscribe"
)

// ErrClientClosed is returned by operations on a disconnected client.
var ErrClientClosed = errors.New("client closed")

// servicePayload is the body of a "call_service" message.
type servicePayload struct {
	Domain      string          `json:"domain"`
	Service     string          `json:"service"`
	Target      string          `json:"target,omitempty"`
	ServiceData json.RawMessage `json:"service_data,omitempty"`
}

// Client is the synchronization client facade. It owns the connection
// pool, the message dispatcher, the event registry, the state batch
// processor, and the heartbeat monitor, and wires their lifecycles
// together.
type Client struct {
	cfg     *config.ClientConfig
	logger  *slog.Logger
	tracker *metrics.Tracker

	pool     *pool.Pool
	disp     *dispatch.Dispatcher
	registry *subscribe.Registry
	batcher  *batch.Processor
	monitor  *health.Monitor

	mu        sync.Mutex
	connected bool
	closed    bool
	wg        sync.WaitGroup
}

// New assembles a client from configuration. Connect must be called
// before any traffic flows.
func New(cfg *config.ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("instance", cfg.Instance.ID)

	tracker := metrics.NewTracker(0)
	brk := breaker.New(cfg.Breaker.Threshold, cfg.Breaker.ResetTimeout, logger)

	p := pool.New(pool.Config{
		URL:            cfg.Hub.URL,
		Token:          cfg.Hub.Token,
		Size:           cfg.Connection.PoolSize,
		ConnectTimeout: cfg.Connection.ConnectTimeout,
		WriteTimeout:   cfg.Connection.WriteTimeout,
		BufferSize:     cfg.Connection.BufferSize,
		MaxRetries:     cfg.Connection.MaxRetries,
		Retry: backoff.Policy{
			Base:       cfg.Connection.ReconnectBaseDelay,
			Max:        cfg.Connection.ReconnectMaxDelay,
			Multiplier: cfg.Connection.ReconnectMultiplier,
			Jitter:     cfg.Connection.ReconnectJitter,
		},
	}, brk, logger)

	disp := dispatch.New(dispatch.Config{
		MessageTimeout:  cfg.Dispatch.MessageTimeout,
		MaxMessageBytes: cfg.Dispatch.MaxMessageBytes,
	}, p, tracker, logger)

	c := &Client{
		cfg:      cfg,
		logger:   logger,
		tracker:  tracker,
		pool:     p,
		disp:     disp,
		registry: subscribe.New(logger),
		batcher:  batch.New(cfg.Batch.FlushWindow, logger),
	}

	c.monitor = health.New(health.Config{
		Interval:   cfg.Health.HeartbeatInterval,
		StaleAfter: cfg.Health.StaleAfter,
	}, c, tracker, p.Reconnect, logger)

	p.OnReconnect(c.resubscribe)
	p.OnTerminal(func(err error) {
		disp.FailAll(err)
	})

	return c
}

// Connect opens the pool, starts routing inbound frames, issues the
// event subscription handshake, and starts the heartbeat monitor.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.pool.Connect(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.routeLoop()

	// Handshake failure is not fatal: the hub may be accepting events
	// implicitly, and the reconnect path retries it anyway.
	if err := c.subscribeEvents(ctx); err != nil {
		c.logger.Warn("event subscription handshake failed", "error", err)
	}

	c.monitor.Start()

	c.logger.Info("client connected",
		"hub", c.cfg.Hub.URL,
		"connections", c.pool.OpenCount(),
	)
	return nil
}

// Disconnect tears the client down: heartbeats stop, pending calls are
// rejected, connections close, and any coalesced states still waiting
// on the flush timer are delivered before the processor shuts down.
// Idempotent.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	c.mu.Unlock()

	c.monitor.Stop()
	c.disp.Close()
	err := c.pool.Close()
	c.wg.Wait()

	// Drain accumulated states to subscribers before teardown.
	c.batcher.Flush()
	c.batcher.Close()

	c.logger.Info("client disconnected")
	return err
}

// Subscribe registers a handler for an event type. Registrations are
// local and survive reconnects. Returns the unsubscribe function.
func (c *Client) Subscribe(eventType string, h subscribe.Handler) func() {
	return c.registry.Subscribe(eventType, h)
}

// SubscribeStates registers a consumer of coalesced state snapshots.
// Returns the unsubscribe function.
func (c *Client) SubscribeStates(fn batch.Subscriber) func() {
	return c.batcher.Subscribe(fn)
}

// SendMessage sends a raw typed message and waits for the hub's reply.
// The correlation id is assigned by the dispatcher; any id set on msg
// is overwritten. Messages sent concurrently may travel on different
// connections, so only per-connection ordering holds.
func (c *Client) SendMessage(ctx context.Context, msg connection.Message) (json.RawMessage, error) {
	return c.disp.Call(ctx, msg)
}

// CallService invokes a service on the hub, e.g. domain "light",
// service "turn_on", target "light.kitchen".
func (c *Client) CallService(ctx context.Context, domain, service, target string, data any) (json.RawMessage, error) {
	var serviceData json.RawMessage
	if data != nil {
		var err error
		serviceData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal service data: %w", err)
		}
	}

	payload, err := json.Marshal(servicePayload{
		Domain:      domain,
		Service:     service,
		Target:      target,
		ServiceData: serviceData,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal call_service payload: %w", err)
	}

	return c.disp.Call(ctx, connection.Message{
		Type:    "call_service",
		Payload: payload,
	})
}

// Ping measures one round trip to the hub. Implements the heartbeat
// monitor's pinger.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := c.disp.Call(ctx, connection.Message{Type: "ping"}); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// ConnectionState returns the pool's current state.
func (c *Client) ConnectionState() pool.State {
	return c.pool.State()
}

// Metrics returns a snapshot of client activity counters.
func (c *Client) Metrics() metrics.Snapshot {
	return c.tracker.Snapshot()
}

// routeLoop fans inbound frames out to the dispatcher, the event
// registry, and the batch processor. Exits when the pool closes its
// merged channel.
func (c *Client) routeLoop() {
	defer c.wg.Done()

	for in := range c.pool.Inbound() {
		c.tracker.RecordReceived()

		msg := in.Msg
		switch msg.Type {
		case "result", "pong":
			if !c.disp.HandleReply(msg) {
				c.logger.Debug("unmatched reply", "id", msg.ID, "type", msg.Type)
			}

		case "event":
			c.handleEvent(msg.Payload)

		default:
			c.logger.Debug("unhandled frame type", "type", msg.Type)
		}
	}
}

func (c *Client) handleEvent(payload json.RawMessage) {
	var ev connection.EventPayload
	if err := json.Unmarshal(payload, &ev); err != nil {
		c.logger.Warn("undecodable event payload", "error", err)
		return
	}

	c.registry.Dispatch(ev.EventType, ev.Data)

	if ev.EventType == "state_changed" {
		var sc connection.StateChange
		if err := json.Unmarshal(ev.Data, &sc); err != nil {
			c.logger.Warn("undecodable state change", "error", err)
			return
		}
		c.batcher.Accept(sc.EntityID, sc.NewState)
	}
}

// subscribeEvents issues the wire-level event subscription.
func (c *Client) subscribeEvents(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Dispatch.MessageTimeout)
	defer cancel()

	_, err := c.disp.Call(callCtx, connection.Message{Type: "subscribe_events"})
	return err
}

// resubscribe re-issues the subscription handshake after a reconnect.
func (c *Client) resubscribe() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := c.subscribeEvents(context.Background()); err != nil {
		c.logger.Warn("resubscription failed", "error", err)
		return
	}
	c.logger.Info("resubscribed after reconnect")
}
