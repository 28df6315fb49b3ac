package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"synapsis/internal/domain"
	"synapsis/internal/usecase/chat"
)

// SessionRegistry is the part of chat.Manager the gateway needs.
type SessionRegistry interface {
	Open(ctx context.Context, id string) (*chat.Session, error)
	Get(id string) (*chat.Session, error)
	List() []string
	Close(ctx context.Context, id string) error
}

// HandlerDeps holds dependencies needed by RPC handlers.
type HandlerDeps struct {
	Sessions SessionRegistry
	Bus      domain.EventBus // can be nil
	Logger   *slog.Logger
	Version  string
}

// RegisterRESTHandlers registers the HTTP endpoints on the gateway server.
func RegisterRESTHandlers(s *Server, deps HandlerDeps) *Metrics {
	startTime := time.Now()
	metrics := NewMetrics(deps.Bus)

	authMiddleware := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if _, err := s.auth.Authenticate(requestToken(r)); err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}

	s.RegisterHTTPRoute("/api/v1/status", authMiddleware(statusHandler(deps, startTime)))
	s.RegisterHTTPRoute("/metrics", authMiddleware(metricsHandler(deps, startTime, metrics)))
	return metrics
}

// RegisterDefaultHandlers registers all built-in RPC handlers on the server.
func RegisterDefaultHandlers(s *Server, deps HandlerDeps) {
	s.RegisterHandler("session.list", sessionListHandler(deps))
	s.RegisterHandler("session.open", sessionOpenHandler(deps))
	s.RegisterHandler("session.close", sessionCloseHandler(deps))
	s.RegisterHandler("session.snapshot", sessionSnapshotHandler(deps))
	s.RegisterHandler("session.permissions", sessionPermissionsHandler(deps))
	s.RegisterHandler("chat.send", chatSendHandler(deps))
	s.RegisterHandler("chat.cancel", chatCancelHandler(deps))
	s.RegisterHandler("tool.approve", toolDecisionHandler(deps, (*chat.Session).Approve))
	s.RegisterHandler("tool.deny", toolDecisionHandler(deps, (*chat.Session).Deny))
	s.RegisterHandler("message.put", messagePutHandler(deps))
	s.RegisterHandler("ui.update", uiUpdateHandler(deps))
}

// decodeRequest unmarshals payload into T. A missing payload decodes to the
// zero value so required-field checks report the problem.
func decodeRequest[T any](payload json.RawMessage) (T, error) {
	var req T
	if len(payload) == 0 {
		return req, nil
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return req, fmt.Errorf("%w: %v", domain.ErrRPCInvalidPayload, err)
	}
	return req, nil
}

func invalid(field string) error {
	return fmt.Errorf("%w: %s is required", domain.ErrRPCInvalidPayload, field)
}

type sessionRequest struct {
	SessionID string `json:"session_id"`
}

// session resolves the target session, defaulting to the one the client
// connected for.
func session(deps HandlerDeps, client *ClientInfo, id string) (*chat.Session, error) {
	if id == "" && client != nil {
		id = client.SessionID
	}
	if id == "" {
		return nil, invalid("session_id")
	}
	return deps.Sessions.Get(id)
}

func ack() (json.RawMessage, error) {
	return json.Marshal(map[string]bool{"ok": true})
}

// --- sessions ---

// SessionSummary is the per-session line of session.list and the status API.
type SessionSummary struct {
	ID                 string            `json:"id"`
	TurnStatus         domain.TurnStatus `json:"turn_status"`
	Messages           int               `json:"messages"`
	PendingToolCalls   int               `json:"pending_tool_calls"`
	PermissionRequests int               `json:"permission_requests"`
	LastError          string            `json:"last_error,omitempty"`
	AgentMode          string            `json:"agent_mode,omitempty"`
}

func summarize(deps HandlerDeps) []SessionSummary {
	ids := deps.Sessions.List()
	out := make([]SessionSummary, 0, len(ids))
	for _, id := range ids {
		s, err := deps.Sessions.Get(id)
		if err != nil {
			continue // closed since List
		}
		st := s.Snapshot()
		out = append(out, SessionSummary{
			ID:                 id,
			TurnStatus:         st.TurnStatus,
			Messages:           len(st.Messages),
			PendingToolCalls:   len(st.PendingToolCalls),
			PermissionRequests: len(st.PermissionRequests),
			LastError:          st.LastError,
			AgentMode:          st.AgentMode,
		})
	}
	return out
}

func sessionListHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(map[string]any{"sessions": summarize(deps)})
	}
}

func sessionOpenHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		req, err := decodeRequest[sessionRequest](payload)
		if err != nil {
			return nil, err
		}
		if req.SessionID == "" {
			return nil, invalid("session_id")
		}
		s, err := deps.Sessions.Open(ctx, req.SessionID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(s.Snapshot())
	}
}

func sessionCloseHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		req, err := decodeRequest[sessionRequest](payload)
		if err != nil {
			return nil, err
		}
		if req.SessionID == "" {
			return nil, invalid("session_id")
		}
		if err := deps.Sessions.Close(ctx, req.SessionID); err != nil {
			return nil, err
		}
		return ack()
	}
}

func sessionSnapshotHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		req, err := decodeRequest[sessionRequest](payload)
		if err != nil {
			return nil, err
		}
		s, err := session(deps, client, req.SessionID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(s.Snapshot())
	}
}

func sessionPermissionsHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		req, err := decodeRequest[sessionRequest](payload)
		if err != nil {
			return nil, err
		}
		s, err := session(deps, client, req.SessionID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"permissions": s.Permissions()})
	}
}

// --- chat ---

type chatSendRequest struct {
	SessionID string         `json:"session_id"`
	Content   string         `json:"content"`
	Images    []domain.Image `json:"images,omitempty"`
}

func chatSendHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		req, err := decodeRequest[chatSendRequest](payload)
		if err != nil {
			return nil, err
		}
		s, err := session(deps, client, req.SessionID)
		if err != nil {
			return nil, err
		}
		if err := s.SendMessage(ctx, req.Content, req.Images); err != nil {
			return nil, err
		}
		return ack()
	}
}

func chatCancelHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		req, err := decodeRequest[sessionRequest](payload)
		if err != nil {
			return nil, err
		}
		s, err := session(deps, client, req.SessionID)
		if err != nil {
			return nil, err
		}
		if err := s.Cancel(ctx); err != nil {
			return nil, err
		}
		return ack()
	}
}

// --- tools ---

type toolDecisionRequest struct {
	SessionID string `json:"session_id"`
	ToolUseID string `json:"tool_use_id"`
}

func toolDecisionHandler(deps HandlerDeps, decide func(*chat.Session, context.Context, string) error) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		req, err := decodeRequest[toolDecisionRequest](payload)
		if err != nil {
			return nil, err
		}
		if req.ToolUseID == "" {
			return nil, invalid("tool_use_id")
		}
		s, err := session(deps, client, req.SessionID)
		if err != nil {
			return nil, err
		}
		if err := decide(s, ctx, req.ToolUseID); err != nil {
			return nil, err
		}
		return ack()
	}
}

// --- transcript and preferences ---

type messagePutRequest struct {
	SessionID string         `json:"session_id"`
	Message   domain.Message `json:"message"`
}

func messagePutHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		req, err := decodeRequest[messagePutRequest](payload)
		if err != nil {
			return nil, err
		}
		s, err := session(deps, client, req.SessionID)
		if err != nil {
			return nil, err
		}
		if err := s.UpsertMessage(ctx, req.Message); err != nil {
			return nil, err
		}
		return ack()
	}
}

type uiUpdateRequest struct {
	SessionID   string         `json:"session_id"`
	Preferences map[string]any `json:"preferences"`
}

func uiUpdateHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		req, err := decodeRequest[uiUpdateRequest](payload)
		if err != nil {
			return nil, err
		}
		s, err := session(deps, client, req.SessionID)
		if err != nil {
			return nil, err
		}
		if err := s.PushUIState(ctx, req.Preferences); err != nil {
			return nil, err
		}
		return ack()
	}
}
