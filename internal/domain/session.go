package domain

import "fmt"

// TurnStatus is the coarse state of the current conversation turn.
type TurnStatus string

const (
	TurnIdle      TurnStatus = "idle"
	TurnStreaming TurnStatus = "streaming"
	TurnToolWait  TurnStatus = "tool_wait"
)

// Valid reports whether s is a known turn status.
func (s TurnStatus) Valid() bool {
	switch s {
	case TurnIdle, TurnStreaming, TurnToolWait:
		return true
	}
	return false
}

// StreamKind identifies what the streaming buffer currently holds.
type StreamKind string

const (
	StreamNone     StreamKind = ""
	StreamText     StreamKind = "text"
	StreamThinking StreamKind = "thinking"
)

// PartType returns the transcript part a flushed buffer of this kind becomes.
func (k StreamKind) PartType() PartType {
	if k == StreamThinking {
		return PartReasoning
	}
	return PartText
}

// Agent modes reported by agent_switched.
const (
	AgentModeBuild = "build"
	AgentModePlan  = "plan"
)

// SessionState is the in-memory projection of one conversation. It is owned
// by a single session loop and mutated only through the chat transitions.
type SessionState struct {
	Messages           []Message           `json:"messages"`
	StreamingText      string              `json:"streaming_text"`
	StreamingKind      StreamKind          `json:"streaming_kind,omitempty"`
	PendingToolCalls   []ToolCall          `json:"pending_tool_calls"`
	PermissionRequests []PermissionRequest `json:"permission_requests"`
	TurnStatus         TurnStatus          `json:"turn_status"`
	LastError          string              `json:"last_error,omitempty"`

	// TurnMessageID is the assistant message opened during the current turn.
	// Flushes append to it; it is cleared whenever a turn boundary is crossed.
	TurnMessageID string `json:"turn_message_id,omitempty"`
	AgentMode     string `json:"agent_mode,omitempty"`

	// Decisions holds approve/deny outcomes for tool calls whose tool_use has
	// not arrived yet. Cleared at turn boundaries.
	Decisions map[string]ToolStatus `json:"decisions,omitempty"`
}

// NewSessionState returns a state at idle defaults.
func NewSessionState() *SessionState {
	return &SessionState{
		Messages:           []Message{},
		PendingToolCalls:   []ToolCall{},
		PermissionRequests: []PermissionRequest{},
		TurnStatus:         TurnIdle,
		AgentMode:          AgentModeBuild,
	}
}

// Clone returns a deep copy suitable for handing to readers.
func (s *SessionState) Clone() *SessionState {
	out := *s
	out.Messages = make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		out.Messages[i] = m.Clone()
	}
	out.PendingToolCalls = make([]ToolCall, len(s.PendingToolCalls))
	for i, c := range s.PendingToolCalls {
		out.PendingToolCalls[i] = c.Clone()
	}
	out.PermissionRequests = make([]PermissionRequest, len(s.PermissionRequests))
	for i, r := range s.PermissionRequests {
		out.PermissionRequests[i] = r.Clone()
	}
	if s.Decisions != nil {
		out.Decisions = make(map[string]ToolStatus, len(s.Decisions))
		for id, status := range s.Decisions {
			out.Decisions[id] = status
		}
	}
	return &out
}

// FindToolCall returns the index of the tool call with the given id, or -1.
func (s *SessionState) FindToolCall(toolUseID string) int {
	for i := range s.PendingToolCalls {
		if s.PendingToolCalls[i].ToolUseID == toolUseID {
			return i
		}
	}
	return -1
}

// FindPermission returns the index of the permission request with the given id, or -1.
func (s *SessionState) FindPermission(toolUseID string) int {
	for i := range s.PermissionRequests {
		if s.PermissionRequests[i].ToolUseID == toolUseID {
			return i
		}
	}
	return -1
}

// HasOpenToolCall reports whether any tracked call still awaits its result.
func (s *SessionState) HasOpenToolCall() bool {
	for _, c := range s.PendingToolCalls {
		if !c.Status.Terminal() {
			return true
		}
	}
	return false
}

// CheckInvariants reports the first violated structural invariant, or nil.
// A tool_wait turn may be held open by an uncorrelated permission request or
// by a decided call still awaiting its result.
func (s *SessionState) CheckInvariants() error {
	switch s.TurnStatus {
	case TurnIdle:
		if s.StreamingText != "" {
			return fmt.Errorf("idle with %d bytes of streaming text", len(s.StreamingText))
		}
		if len(s.PendingToolCalls) > 0 {
			return fmt.Errorf("idle with %d pending tool calls", len(s.PendingToolCalls))
		}
		if len(s.PermissionRequests) > 0 {
			return fmt.Errorf("idle with %d permission requests", len(s.PermissionRequests))
		}
	case TurnStreaming:
		for _, c := range s.PendingToolCalls {
			if !c.Status.Terminal() {
				return fmt.Errorf("streaming with unresolved tool call %s (%s)", c.ToolUseID, c.Status)
			}
		}
	case TurnToolWait:
		if !s.HasOpenToolCall() && len(s.PermissionRequests) == 0 {
			return fmt.Errorf("tool_wait without an open tool call")
		}
	default:
		return fmt.Errorf("unknown turn status %q", s.TurnStatus)
	}

	seen := make(map[string]bool)
	for _, m := range s.Messages {
		for _, p := range m.Parts {
			switch p.Type {
			case PartToolUse:
				seen[p.ToolUseID] = true
			case PartToolResult:
				if !seen[p.ToolUseID] {
					return fmt.Errorf("tool_result %s precedes its tool_use", p.ToolUseID)
				}
			}
		}
	}
	return nil
}
