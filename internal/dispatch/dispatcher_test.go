package dispatch

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

	"github.com/avehara/hub-sync/internal/connection"
	"github.com/avehara/hub-sync/internal/pool"
)

// fakeSelector hands out a fixed connection (or error) and counts calls.
type fakeSelector struct {
	mu    sync.Mutex
	conn  *connection.Conn
	err   error
	calls int
}

func (s *fakeSelector) Select() (*connection.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.conn, s.err
}

func (s *fakeSelector) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// sinkServer accepts WebSocket connections and discards all frames.
func sinkServer(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func openConn(t *testing.T, server *httptest.Server) *connection.Conn {
	t.Helper()
	cfg := connection.DefaultConfig()
	cfg.URL = "ws" + strings.TrimPrefix(server.URL, "http")
	cfg.BufferSize = 16

	c := connection.New(0, cfg, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("conn Connect failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func testDispatchConfig() Config {
	return Config{
		MessageTimeout:  2 * time.Second,
		MaxMessageBytes: 1 << 20,
	}
}

func waitPending(t *testing.T, d *Dispatcher, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if d.Pending() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Pending() = %d, want %d", d.Pending(), want)
}

func TestDispatcher_CallResolvedByReply(t *testing.T) {
	server := sinkServer(t)
	defer server.Close()
	conn := openConn(t, server)

	d := New(testDispatchConfig(), &fakeSelector{conn: conn}, nil, nil)

	type result struct {
		payload json.RawMessage
		err     error
	}
	resCh := make(chan result, 1)
	go func() {
		payload, err := d.Call(context.Background(), connection.Message{Type: "ping"})
		resCh <- result{payload, err}
	}()

	waitPending(t, d, 1)

	ok := d.HandleReply(connection.Message{
		Type:    "pong",
		ID:      1,
		Payload: json.RawMessage(`{"ok":true}`),
	})
	if !ok {
		t.Fatal("HandleReply returned false for pending id")
	}

	res := <-resCh
	if res.err != nil {
		t.Fatalf("Call failed: %v", res.err)
	}
	if string(res.payload) != `{"ok":true}` {
		t.Errorf("payload = %s, want {\"ok\":true}", res.payload)
	}
	if d.Pending() != 0 {
		t.Errorf("Pending() = %d after reply, want 0", d.Pending())
	}
	if conn.Load() != 0 {
		t.Errorf("conn load = %d after reply, want 0", conn.Load())
	}
}

func TestDispatcher_Timeout(t *testing.T) {
	server := sinkServer(t)
	defer server.Close()
	conn := openConn(t, server)

	cfg := testDispatchConfig()
	cfg.MessageTimeout = 30 * time.Millisecond

	d := New(cfg, &fakeSelector{conn: conn}, nil, nil)

	_, err := d.Call(context.Background(), connection.Message{Type: "ping"})
	if !errors.Is(err, ErrMessageTimeout) {
		t.Fatalf("Call = %v, want ErrMessageTimeout", err)
	}
	if d.Pending() != 0 {
		t.Errorf("Pending() = %d after timeout, want 0", d.Pending())
	}
	if conn.Load() != 0 {
		t.Errorf("conn load = %d after timeout, want 0", conn.Load())
	}
}

func TestDispatcher_PayloadTooLarge(t *testing.T) {
	sel := &fakeSelector{}
	cfg := testDispatchConfig()
	cfg.MaxMessageBytes = 32

	d := New(cfg, sel, nil, nil)

	big := strings.Repeat("x", 64)
	payload, _ := json.Marshal(map[string]string{"data": big})
	_, err := d.Call(context.Background(), connection.Message{
		Type:    "call_service",
		Payload: payload,
	})

	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("Call = %v, want ErrPayloadTooLarge", err)
	}
	if sel.callCount() != 0 {
		t.Errorf("selector consulted %d times for oversized payload, want 0", sel.callCount())
	}
}

func TestDispatcher_SelectorErrorPropagates(t *testing.T) {
	d := New(testDispatchConfig(), &fakeSelector{err: pool.ErrNotConnected}, nil, nil)

	_, err := d.Call(context.Background(), connection.Message{Type: "ping"})
	if !errors.Is(err, pool.ErrNotConnected) {
		t.Errorf("Call = %v, want ErrNotConnected", err)
	}
}

func TestDispatcher_CorrelationMatching(t *testing.T) {
	server := sinkServer(t)
	defer server.Close()
	conn := openConn(t, server)

	d := New(testDispatchConfig(), &fakeSelector{conn: conn}, nil, nil)

	first := make(chan error, 1)
	second := make(chan json.RawMessage, 1)

	go func() {
		_, err := d.Call(context.Background(), connection.Message{Type: "ping"})
		first <- err
	}()
	waitPending(t, d, 1)

	go func() {
		payload, _ := d.Call(context.Background(), connection.Message{Type: "ping"})
		second <- payload
	}()
	waitPending(t, d, 2)

	// Resolve id 2 only; call 1 must stay pending.
	d.HandleReply(connection.Message{Type: "pong", ID: 2, Payload: json.RawMessage(`"two"`)})

	select {
	case payload := <-second:
		if string(payload) != `"two"` {
			t.Errorf("second call payload = %s, want \"two\"", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("second call not resolved")
	}

	select {
	case err := <-first:
		t.Fatalf("first call resolved early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if d.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", d.Pending())
	}

	d.HandleReply(connection.Message{Type: "pong", ID: 1})
	if err := <-first; err != nil {
		t.Errorf("first call failed: %v", err)
	}
}

func TestDispatcher_ExactlyOnceResolution(t *testing.T) {
	server := sinkServer(t)
	defer server.Close()
	conn := openConn(t, server)

	d := New(testDispatchConfig(), &fakeSelector{conn: conn}, nil, nil)

	done := make(chan struct{})
	go func() {
		d.Call(context.Background(), connection.Message{Type: "ping"})
		close(done)
	}()
	waitPending(t, d, 1)

	if !d.HandleReply(connection.Message{Type: "pong", ID: 1}) {
		t.Fatal("first HandleReply returned false")
	}
	if d.HandleReply(connection.Message{Type: "pong", ID: 1}) {
		t.Error("second HandleReply for same id returned true")
	}
	<-done
}

func TestDispatcher_UnknownReplyIgnored(t *testing.T) {
	d := New(testDispatchConfig(), &fakeSelector{}, nil, nil)

	if d.HandleReply(connection.Message{Type: "result", ID: 99}) {
		t.Error("HandleReply returned true for unknown id")
	}
	if d.HandleReply(connection.Message{Type: "event"}) {
		t.Error("HandleReply returned true for id-less frame")
	}
}

func TestDispatcher_FailAll(t *testing.T) {
	server := sinkServer(t)
	defer server.Close()
	conn := openConn(t, server)

	d := New(testDispatchConfig(), &fakeSelector{conn: conn}, nil, nil)

	errCh := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := d.Call(context.Background(), connection.Message{Type: "ping"})
			errCh <- err
		}()
	}
	waitPending(t, d, 2)

	d.FailAll(pool.ErrConnectionLost)

	for i := 0; i < 2; i++ {
		select {
		case err := <-errCh:
			if !errors.Is(err, pool.ErrConnectionLost) {
				t.Errorf("call error = %v, want ErrConnectionLost", err)
			}
		case <-time.After(time.Second):
			t.Fatal("call not rejected by FailAll")
		}
	}
	if conn.Load() != 0 {
		t.Errorf("conn load = %d after FailAll, want 0", conn.Load())
	}
}

func TestDispatcher_ContextCancel(t *testing.T) {
	server := sinkServer(t)
	defer server.Close()
	conn := openConn(t, server)

	d := New(testDispatchConfig(), &fakeSelector{conn: conn}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := d.Call(ctx, connection.Message{Type: "ping"})
		errCh <- err
	}()
	waitPending(t, d, 1)

	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("Call = %v, want context.Canceled", err)
	}
	waitPending(t, d, 0)
	if conn.Load() != 0 {
		t.Errorf("conn load = %d after cancel, want 0", conn.Load())
	}
}

func TestDispatcher_CloseRefusesNewCalls(t *testing.T) {
	server := sinkServer(t)
	defer server.Close()
	conn := openConn(t, server)

	d := New(testDispatchConfig(), &fakeSelector{conn: conn}, nil, nil)
	d.Close()

	if _, err := d.Call(context.Background(), connection.Message{Type: "ping"}); !errors.Is(err, ErrDispatcherDown) {
		t.Errorf("Call = %v after Close, want ErrDispatcherDown", err)
	}
}
