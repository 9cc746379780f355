package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/avehara/hub-sync/internal/batch"
	"github.com/avehara/hub-sync/internal/config"
	"github.com/avehara/hub-sync/internal/connection"
	"github.com/avehara/hub-sync/internal/dispatch"
	"github.com/avehara/hub-sync/internal/pool"
)

// mockHub is a test hub server. It answers ping with pong, swallows
// "mute" frames, replies result to everything else, and can push event
// frames to all connected clients.
type mockHub struct {
	t   *testing.T
	srv *httptest.Server

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newMockHub(t *testing.T) *mockHub {
	h := &mockHub{t: t}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.mu.Lock()
		h.conns = append(h.conns, conn)
		h.mu.Unlock()

		h.serve(conn)
	}))

	t.Cleanup(h.srv.Close)
	return h
}

func (h *mockHub) url() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http")
}

func (h *mockHub) serve(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg connection.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "ping":
			h.write(conn, connection.Message{Type: "pong", ID: msg.ID})
		case "mute":
			// No reply; exercises the timeout path.
		default:
			h.write(conn, connection.Message{
				Type:    "result",
				ID:      msg.ID,
				Payload: json.RawMessage(`{"ok":true}`),
			})
		}
	}
}

func (h *mockHub) write(conn *websocket.Conn, msg connection.Message) {
	data, _ := json.Marshal(msg)
	h.mu.Lock()
	defer h.mu.Unlock()
	conn.WriteMessage(websocket.TextMessage, data)
}

// push sends an event frame to every connected client.
func (h *mockHub) push(eventType string, data json.RawMessage) {
	ev, _ := json.Marshal(connection.EventPayload{EventType: eventType, Data: data})
	frame, _ := json.Marshal(connection.Message{Type: "event", Payload: ev})

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, conn := range h.conns {
		conn.WriteMessage(websocket.TextMessage, frame)
	}
}

func testClientConfig(url string) *config.ClientConfig {
	return &config.ClientConfig{
		Instance: config.InstanceConfig{ID: "test"},
		Hub:      config.HubConfig{URL: url, Token: "test-token"},
		Connection: config.ConnectionConfig{
			PoolSize:            1,
			ConnectTimeout:      2 * time.Second,
			WriteTimeout:        2 * time.Second,
			BufferSize:          100,
			MaxRetries:          2,
			ReconnectBaseDelay:  10 * time.Millisecond,
			ReconnectMaxDelay:   50 * time.Millisecond,
			ReconnectMultiplier: 2.0,
			ReconnectJitter:     0.1,
		},
		Breaker:  config.BreakerConfig{Threshold: 5, ResetTimeout: 100 * time.Millisecond},
		Dispatch: config.DispatchConfig{MessageTimeout: 2 * time.Second, MaxMessageBytes: 1 << 20},
		Health:   config.HealthConfig{HeartbeatInterval: time.Hour, StaleAfter: 2 * time.Hour},
		Batch:    config.BatchConfig{FlushWindow: 10 * time.Millisecond},
		Metrics:  config.MetricsConfig{Port: 9090, Path: "/metrics"},
	}
}

func connectedClient(t *testing.T, hub *mockHub) *Client {
	t.Helper()
	c := New(testClientConfig(hub.url()), nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { c.Disconnect() })
	return c
}

func TestClient_ConnectAndCallService(t *testing.T) {
	hub := newMockHub(t)
	c := connectedClient(t, hub)

	if c.ConnectionState() != pool.StateConnected {
		t.Errorf("ConnectionState = %v, want connected", c.ConnectionState())
	}

	reply, err := c.CallService(context.Background(), "light", "turn_on", "light.kitchen",
		map[string]int{"brightness": 120})
	if err != nil {
		t.Fatalf("CallService failed: %v", err)
	}
	if string(reply) != `{"ok":true}` {
		t.Errorf("reply = %s", reply)
	}

	snap := c.Metrics()
	if snap.MessagesSent == 0 {
		t.Error("MessagesSent not recorded")
	}
	if snap.MessagesReceived == 0 {
		t.Error("MessagesReceived not recorded")
	}
}

func TestClient_SendMessageCustomType(t *testing.T) {
	hub := newMockHub(t)
	c := connectedClient(t, hub)

	reply, err := c.SendMessage(context.Background(), connection.Message{
		Type:    "get_config",
		Payload: json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if string(reply) != `{"ok":true}` {
		t.Errorf("reply = %s", reply)
	}
}

func TestClient_Ping(t *testing.T) {
	hub := newMockHub(t)
	c := connectedClient(t, hub)

	rtt, err := c.Ping(context.Background())
	if err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if rtt <= 0 {
		t.Errorf("rtt = %v, want > 0", rtt)
	}
}

func TestClient_EventDispatch(t *testing.T) {
	hub := newMockHub(t)
	c := connectedClient(t, hub)

	got := make(chan json.RawMessage, 1)
	c.Subscribe("automation_triggered", func(data json.RawMessage) {
		got <- data
	})

	hub.push("automation_triggered", json.RawMessage(`{"automation":"morning"}`))

	select {
	case data := <-got:
		if string(data) != `{"automation":"morning"}` {
			t.Errorf("handler received %s", data)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event dispatch")
	}
}

func TestClient_StateChangesCoalesced(t *testing.T) {
	hub := newMockHub(t)
	c := connectedClient(t, hub)

	snaps := make(chan batch.Snapshot, 4)
	c.SubscribeStates(func(s batch.Snapshot) {
		snaps <- s
	})

	// Three rapid updates for one entity inside the flush window.
	for _, state := range []string{`"s1"`, `"s2"`, `"s3"`} {
		data, _ := json.Marshal(connection.StateChange{
			EntityID: "light.kitchen",
			NewState: json.RawMessage(`{"state":` + state + `}`),
		})
		hub.push("state_changed", data)
	}

	select {
	case snap := <-snaps:
		if string(snap["light.kitchen"]) != `{"state":"s3"}` {
			t.Errorf("snapshot carried %s, want the last state", snap["light.kitchen"])
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for coalesced snapshot")
	}
}

func TestClient_StateChangeAlsoDispatchedToHandlers(t *testing.T) {
	hub := newMockHub(t)
	c := connectedClient(t, hub)

	got := make(chan json.RawMessage, 1)
	c.Subscribe("state_changed", func(data json.RawMessage) {
		got <- data
	})

	data, _ := json.Marshal(connection.StateChange{
		EntityID: "sensor.hall",
		NewState: json.RawMessage(`{"state":"21.5"}`),
	})
	hub.push("state_changed", data)

	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for state_changed handler")
	}
}

func TestClient_DisconnectDrainsPendingStates(t *testing.T) {
	hub := newMockHub(t)

	cfg := testClientConfig(hub.url())
	cfg.Batch.FlushWindow = 10 * time.Second // timer never fires in-test

	c := New(cfg, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	snaps := make(chan batch.Snapshot, 1)
	c.SubscribeStates(func(s batch.Snapshot) {
		snaps <- s
	})

	arrived := make(chan struct{}, 1)
	c.Subscribe("state_changed", func(json.RawMessage) {
		arrived <- struct{}{}
	})

	data, _ := json.Marshal(connection.StateChange{
		EntityID: "light.kitchen",
		NewState: json.RawMessage(`{"state":"on"}`),
	})
	hub.push("state_changed", data)

	select {
	case <-arrived:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for the state change to arrive")
	}

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	select {
	case snap := <-snaps:
		if string(snap["light.kitchen"]) != `{"state":"on"}` {
			t.Errorf("drained snapshot carried %s", snap["light.kitchen"])
		}
	default:
		t.Fatal("state accumulated before Disconnect was never delivered")
	}
}

func TestClient_CallTimeout(t *testing.T) {
	hub := newMockHub(t)

	cfg := testClientConfig(hub.url())
	cfg.Dispatch.MessageTimeout = 50 * time.Millisecond

	c := New(cfg, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Disconnect()

	_, err := c.SendMessage(context.Background(), connection.Message{Type: "mute"})
	if !errors.Is(err, dispatch.ErrMessageTimeout) {
		t.Errorf("SendMessage = %v, want ErrMessageTimeout", err)
	}

	snap := c.Metrics()
	if snap.Errors == 0 {
		t.Error("timeout not counted as an error")
	}
}

func TestClient_PayloadTooLarge(t *testing.T) {
	hub := newMockHub(t)

	cfg := testClientConfig(hub.url())
	cfg.Dispatch.MaxMessageBytes = 64

	c := New(cfg, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Disconnect()

	big := strings.Repeat("x", 200)
	_, err := c.CallService(context.Background(), "light", "turn_on", "light.kitchen",
		map[string]string{"data": big})
	if !errors.Is(err, dispatch.ErrPayloadTooLarge) {
		t.Errorf("CallService = %v, want ErrPayloadTooLarge", err)
	}
}

func TestClient_SendBeforeConnect(t *testing.T) {
	hub := newMockHub(t)
	c := New(testClientConfig(hub.url()), nil)

	_, err := c.SendMessage(context.Background(), connection.Message{Type: "ping"})
	if !errors.Is(err, pool.ErrNotConnected) {
		t.Errorf("SendMessage = %v, want ErrNotConnected", err)
	}
}

func TestClient_DisconnectIdempotent(t *testing.T) {
	hub := newMockHub(t)
	c := connectedClient(t, hub)

	if err := c.Disconnect(); err != nil {
		t.Errorf("first Disconnect failed: %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Errorf("second Disconnect failed: %v", err)
	}

	// A closed client stays closed.
	if err := c.Connect(context.Background()); !errors.Is(err, ErrClientClosed) {
		t.Errorf("Connect after Disconnect = %v, want ErrClientClosed", err)
	}
	if _, err := c.SendMessage(context.Background(), connection.Message{Type: "ping"}); !errors.Is(err, dispatch.ErrDispatcherDown) {
		t.Errorf("SendMessage after Disconnect = %v, want ErrDispatcherDown", err)
	}
}

func TestClient_ConnectIdempotentWhileConnected(t *testing.T) {
	hub := newMockHub(t)
	c := connectedClient(t, hub)

	if err := c.Connect(context.Background()); err != nil {
		t.Errorf("second Connect = %v, want nil", err)
	}
}
