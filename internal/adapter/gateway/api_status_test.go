package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"synapsis/internal/domain"
	"synapsis/internal/usecase/eventbus"
)

func TestStatusHandler_Success(t *testing.T) {
	deps, factory := newHandlerDeps(t, nil, "s1", "s2")
	factory.channel("s2").emit(t, domain.InboundError, domain.ErrorPayload{Message: "quota"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		s, _ := deps.Sessions.Get("s2")
		if s.Snapshot().LastError != "" || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	handler := statusHandler(deps, time.Now().Add(-60*time.Second))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	w := httptest.NewRecorder()
	handler(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp StatusResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Service.Name != "synapsis" {
		t.Errorf("Service.Name = %q", resp.Service.Name)
	}
	if resp.Service.Version != "test" {
		t.Errorf("Service.Version = %q", resp.Service.Version)
	}
	if resp.Service.UptimeSeconds < 59 {
		t.Errorf("UptimeSeconds = %d, want >= 59", resp.Service.UptimeSeconds)
	}
	if len(resp.Sessions) != 2 {
		t.Fatalf("Sessions = %v, want 2 entries", resp.Sessions)
	}
	if resp.Sessions[1].ID != "s2" || resp.Sessions[1].LastError != "quota" {
		t.Errorf("Sessions[1] = %+v", resp.Sessions[1])
	}
	if resp.Sessions[0].TurnStatus != domain.TurnIdle {
		t.Errorf("Sessions[0].TurnStatus = %q", resp.Sessions[0].TurnStatus)
	}
}

func TestStatusHandler_MethodNotAllowed(t *testing.T) {
	deps, _ := newHandlerDeps(t, nil)
	handler := statusHandler(deps, time.Now())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/status", nil)
	w := httptest.NewRecorder()
	handler(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}

func TestMetricsCountBusEvents(t *testing.T) {
	bus := eventbus.New(discardLogger())
	metrics := NewMetrics(bus)

	ctx := context.Background()
	bus.Publish(ctx, domain.NewEvent(domain.EventCommandSent, "s", nil))
	bus.Publish(ctx, domain.NewEvent(domain.EventCommandSent, "s", nil))
	bus.Publish(ctx, domain.NewEvent(domain.EventInboundDropped, "s", nil))
	bus.Publish(ctx, domain.NewEvent(domain.EventStateChanged, "s", nil))
	bus.Close() // drain

	if got := metrics.CommandsSent.Load(); got != 2 {
		t.Errorf("CommandsSent = %d, want 2", got)
	}
	if got := metrics.InboundDropped.Load(); got != 1 {
		t.Errorf("InboundDropped = %d, want 1", got)
	}
	metrics.Close()
}

func TestMetricsHandler_PrometheusFormat(t *testing.T) {
	deps, _ := newHandlerDeps(t, nil, "s1", "s2")
	metrics := NewMetrics(nil)
	metrics.CommandsSent.Store(10)
	metrics.TurnsCompleted.Store(5)
	metrics.InboundUnknown.Store(2)

	handler := metricsHandler(deps, time.Now().Add(-120*time.Second), metrics)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	handler(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain; version=0.0.4") {
		t.Errorf("Content-Type = %q", ct)
	}

	body := w.Body.String()
	for _, metric := range []string{
		"synapsis_sessions_active 2",
		"synapsis_sessions_streaming 0",
		"synapsis_commands_sent_total 10",
		"synapsis_turns_completed_total 5",
		"synapsis_inbound_unknown_total 2",
		"# TYPE synapsis_commands_sent_total counter",
		"go_goroutines",
		"go_memstats_alloc_bytes",
	} {
		if !strings.Contains(body, metric) {
			t.Errorf("metrics output missing %q", metric)
		}
	}
}

func TestMetricsHandler_MethodNotAllowed(t *testing.T) {
	deps, _ := newHandlerDeps(t, nil)
	handler := metricsHandler(deps, time.Now(), NewMetrics(nil))

	req := httptest.NewRequest(http.MethodPost, "/metrics", nil)
	w := httptest.NewRecorder()
	handler(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}

func TestRESTAuthMiddleware(t *testing.T) {
	deps, _ := newHandlerDeps(t, nil, "s1")

	srv := NewServer(nil, newTestAuth(), ":0", discardLogger())
	RegisterRESTHandlers(srv, deps)

	if len(srv.httpRoutes) != 2 {
		t.Fatalf("expected 2 HTTP routes, got %d", len(srv.httpRoutes))
	}

	for _, route := range srv.httpRoutes {
		req := httptest.NewRequest(http.MethodGet, route.pattern, nil)
		w := httptest.NewRecorder()
		route.handler(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("route %s without token: status = %d, want 401", route.pattern, w.Code)
		}
	}

	for _, route := range srv.httpRoutes {
		req := httptest.NewRequest(http.MethodGet, route.pattern, nil)
		req.Header.Set("Authorization", "Bearer test-token")
		w := httptest.NewRecorder()
		route.handler(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("route %s with valid token: status = %d, want 200", route.pattern, w.Code)
		}
	}

	for _, route := range srv.httpRoutes {
		req := httptest.NewRequest(http.MethodGet, route.pattern+"?token=test-token", nil)
		w := httptest.NewRecorder()
		route.handler(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("route %s with query token: status = %d, want 200", route.pattern, w.Code)
		}
	}
}
