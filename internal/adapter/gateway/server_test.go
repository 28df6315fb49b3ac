package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"synapsis/internal/domain"
)

// --- test doubles ---

type testBus struct {
	mu       sync.Mutex
	handlers []domain.EventHandler
}

func (b *testBus) Publish(ctx context.Context, event domain.Event) {
	b.mu.Lock()
	hs := make([]domain.EventHandler, len(b.handlers))
	copy(hs, b.handlers)
	b.mu.Unlock()
	for _, h := range hs {
		h(ctx, event)
	}
}

func (b *testBus) Subscribe(_ domain.EventType, _ domain.EventHandler) func() { return func() {} }

// SubscribeAll keeps every handler; unsubscribing clears them all.
func (b *testBus) SubscribeAll(handler domain.EventHandler) func() {
	b.mu.Lock()
	b.handlers = append(b.handlers, handler)
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		b.handlers = nil
		b.mu.Unlock()
	}
}

func (b *testBus) Close() {}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAuth() Authenticator {
	return NewStaticTokenAuth([]TokenEntry{{Token: "test-token", Name: "tester"}})
}

func startTestServer(t *testing.T, bus domain.EventBus, setup ...func(*Server)) *Server {
	t.Helper()
	srv := NewServer(bus, newTestAuth(), "127.0.0.1:0", discardLogger())
	for _, fn := range setup {
		fn(srv)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() { _ = srv.Start(ctx) }()

	select {
	case <-srv.Ready():
	case <-time.After(3 * time.Second):
		t.Fatal("server did not start in time")
	}

	t.Cleanup(func() {
		srv.Stop(context.Background())
	})
	return srv
}

func dialWS(t *testing.T, addr, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, "ws://"+addr+"/ws?"+query, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

// waitClients blocks until n clients are registered.
func waitClients(t *testing.T, srv *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		count := 0
		srv.clients.Range(func(_, _ any) bool { count++; return true })
		if count >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d connected clients", n)
}

// --- tests ---

func TestServerLifecycle(t *testing.T) {
	srv := startTestServer(t, &testBus{})

	if srv.BoundAddr() == "" {
		t.Fatal("BoundAddr is empty")
	}
	if err := srv.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := srv.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestServerAuthReject(t *testing.T) {
	srv := startTestServer(t, &testBus{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, "ws://"+srv.BoundAddr()+"/ws?token=bad-token", nil)
	if err == nil {
		t.Fatal("expected auth rejection")
	}
	if resp != nil && resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestServerBearerHeader(t *testing.T) {
	srv := startTestServer(t, &testBus{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, "ws://"+srv.BoundAddr()+"/ws", &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer test-token"}},
	})
	if err != nil {
		t.Fatalf("dial with bearer header: %v", err)
	}
	ws.Close(websocket.StatusNormalClosure, "")
}

func TestServerRPCRoundtrip(t *testing.T) {
	srv := startTestServer(t, &testBus{}, func(s *Server) {
		s.RegisterHandler("echo", func(_ context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
			return payload, nil
		})
	})

	ws := dialWS(t, srv.BoundAddr(), "token=test-token")
	ctx := context.Background()

	req := Frame{
		Type:    FrameTypeRequest,
		ID:      1,
		Method:  "echo",
		Payload: json.RawMessage(`{"msg":"hello"}`),
	}
	if err := wsjson.Write(ctx, ws, req); err != nil {
		t.Fatalf("write: %v", err)
	}

	var resp Frame
	if err := wsjson.Read(ctx, ws, &resp); err != nil {
		t.Fatalf("read: %v", err)
	}

	if resp.Type != FrameTypeResponse {
		t.Errorf("type = %q", resp.Type)
	}
	if resp.ID != 1 {
		t.Errorf("ID = %d", resp.ID)
	}
	if resp.Error != "" {
		t.Errorf("error = %q", resp.Error)
	}
	if string(resp.Payload) != `{"msg":"hello"}` {
		t.Errorf("payload = %s", resp.Payload)
	}
}

func TestServerUnknownMethod(t *testing.T) {
	srv := startTestServer(t, &testBus{})

	ws := dialWS(t, srv.BoundAddr(), "token=test-token")
	ctx := context.Background()

	if err := wsjson.Write(ctx, ws, Frame{Type: FrameTypeRequest, ID: 2, Method: "nonexistent"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var resp Frame
	if err := wsjson.Read(ctx, ws, &resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.Error == "" {
		t.Error("expected error for unknown method")
	}
	if resp.Code != domain.CodeRPCMethodNotFound {
		t.Errorf("code = %q", resp.Code)
	}
}

func TestServerEventForwarding(t *testing.T) {
	bus := &testBus{}
	srv := startTestServer(t, bus)

	ws := dialWS(t, srv.BoundAddr(), "token=test-token")
	waitClients(t, srv, 1)

	bus.Publish(context.Background(), domain.NewEvent(domain.EventTurnCompleted, "test-sess", nil))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var frame Frame
	if err := wsjson.Read(ctx, ws, &frame); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if frame.Type != FrameTypeEvent {
		t.Errorf("type = %q, want event", frame.Type)
	}
	if frame.Method != string(domain.EventTurnCompleted) {
		t.Errorf("method = %q", frame.Method)
	}
	var ev domain.Event
	if err := json.Unmarshal(frame.Payload, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.SessionID != "test-sess" {
		t.Errorf("session = %q", ev.SessionID)
	}
}

func TestServerEventFilterBySession(t *testing.T) {
	bus := &testBus{}
	srv := startTestServer(t, bus)

	ws := dialWS(t, srv.BoundAddr(), "token=test-token&session_id=mine")
	waitClients(t, srv, 1)

	bus.Publish(context.Background(), domain.NewEvent(domain.EventStateChanged, "other", nil))
	bus.Publish(context.Background(), domain.NewEvent(domain.EventStateChanged, "mine", nil))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var frame Frame
	if err := wsjson.Read(ctx, ws, &frame); err != nil {
		t.Fatalf("read event: %v", err)
	}
	var ev domain.Event
	if err := json.Unmarshal(frame.Payload, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.SessionID != "mine" {
		t.Errorf("forwarded event for %q, want only mine", ev.SessionID)
	}
}

func TestServerSlowClient(t *testing.T) {
	bus := &testBus{}
	srv := startTestServer(t, bus)

	_ = dialWS(t, srv.BoundAddr(), "token=test-token") // connected but not reading
	waitClients(t, srv, 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			bus.Publish(context.Background(), domain.NewEvent(domain.EventStateChanged, "s", nil))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publishing blocked on a slow client")
	}
}

func TestServerConcurrentClients(t *testing.T) {
	srv := startTestServer(t, &testBus{}, func(s *Server) {
		s.RegisterHandler("ping", func(_ context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`"pong"`), nil
		})
	})

	var wg sync.WaitGroup
	errs := make(chan string, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			ws, _, err := websocket.Dial(ctx, "ws://"+srv.BoundAddr()+"/ws?token=test-token", nil)
			if err != nil {
				errs <- err.Error()
				return
			}
			defer ws.Close(websocket.StatusNormalClosure, "")

			if err := wsjson.Write(ctx, ws, Frame{Type: FrameTypeRequest, ID: uint64(id), Method: "ping"}); err != nil {
				errs <- err.Error()
				return
			}
			var resp Frame
			if err := wsjson.Read(ctx, ws, &resp); err != nil {
				errs <- err.Error()
				return
			}
			if string(resp.Payload) != `"pong"` {
				errs <- "unexpected payload " + string(resp.Payload)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Error(e)
	}
}

func TestServerDisconnect(t *testing.T) {
	bus := &testBus{}
	srv := startTestServer(t, bus)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, "ws://"+srv.BoundAddr()+"/ws?token=test-token", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitClients(t, srv, 1)
	ws.Close(websocket.StatusNormalClosure, "bye")

	deadline := time.Now().Add(2 * time.Second)
	for {
		count := 0
		srv.clients.Range(func(_, _ any) bool { count++; return true })
		if count == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("client not removed after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Publishing with no clients must not panic.
	bus.Publish(context.Background(), domain.NewEvent(domain.EventStateChanged, "", nil))
}

func TestServerHandlerError(t *testing.T) {
	srv := startTestServer(t, &testBus{}, func(s *Server) {
		s.RegisterHandler("fail", func(_ context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
			return nil, domain.ErrRPCInvalidPayload
		})
	})

	ws := dialWS(t, srv.BoundAddr(), "token=test-token")
	ctx := context.Background()

	if err := wsjson.Write(ctx, ws, Frame{Type: FrameTypeRequest, ID: 1, Method: "fail"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var resp Frame
	if err := wsjson.Read(ctx, ws, &resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.Error == "" {
		t.Error("expected error in response")
	}
	if resp.Code != domain.CodeRPCInvalidPayload {
		t.Errorf("code = %q", resp.Code)
	}
}

func TestServerMiddlewareOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	mark := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				next.ServeHTTP(w, r)
			})
		}
	}
	srv := startTestServer(t, &testBus{}, func(s *Server) {
		s.Use(mark("outer"), mark("inner"))
		s.RegisterHTTPRoute("/ping", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
	})

	resp, err := http.Get("http://" + srv.BoundAddr() + "/ping")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Errorf("middleware order = %v", order)
	}
}
