package domain

import "encoding/json"

// InboundKind names an event pushed by the remote agent on the session channel.
type InboundKind = string

const (
	InboundTextDelta         InboundKind = "text_delta"
	InboundReasoning         InboundKind = "reasoning"
	InboundToolUse           InboundKind = "tool_use"
	InboundToolResult        InboundKind = "tool_result"
	InboundPermissionRequest InboundKind = "permission_request"
	InboundSessionStatus     InboundKind = "session_status"
	InboundError             InboundKind = "error"
	InboundDone              InboundKind = "done"

	// Orchestrator and agent lifecycle events.
	InboundOrchestratorPause     InboundKind = "orchestrator_pause"
	InboundOrchestratorEscalate  InboundKind = "orchestrator_escalate"
	InboundOrchestratorTerminate InboundKind = "orchestrator_terminate"
	InboundAgentSwitched         InboundKind = "agent_switched"
)

// InboundKinds lists every event kind a session subscribes to on its channel.
var InboundKinds = []InboundKind{
	InboundTextDelta,
	InboundReasoning,
	InboundToolUse,
	InboundToolResult,
	InboundPermissionRequest,
	InboundSessionStatus,
	InboundError,
	InboundDone,
	InboundOrchestratorPause,
	InboundOrchestratorEscalate,
	InboundOrchestratorTerminate,
	InboundAgentSwitched,
}

// InboundEvent is one event received from the channel. Payload is decoded
// lazily by the ingestion adapter according to Kind.
type InboundEvent struct {
	Kind    InboundKind     `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewInboundEvent marshals payload into an InboundEvent. It is mostly useful
// for tests and replay tooling.
func NewInboundEvent(kind InboundKind, payload any) (InboundEvent, error) {
	if payload == nil {
		return InboundEvent{Kind: kind}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return InboundEvent{}, err
	}
	return InboundEvent{Kind: kind, Payload: raw}, nil
}

// TextDeltaPayload is the payload of text_delta and reasoning events. Some
// backends send the fragment as content instead of text.
type TextDeltaPayload struct {
	Text    string `json:"text"`
	Content string `json:"content,omitempty"`
}

// Fragment returns the streamed text, preferring Text over Content.
func (p TextDeltaPayload) Fragment() string {
	if p.Text != "" {
		return p.Text
	}
	return p.Content
}

// ToolUsePayload is the payload of a tool_use event.
type ToolUsePayload struct {
	Tool      string         `json:"tool"`
	ToolUseID string         `json:"tool_use_id"`
	Input     map[string]any `json:"input,omitempty"`
}

// ToolResultPayload is the payload of a tool_result event.
type ToolResultPayload struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error"`
}

// PermissionRequestPayload is the payload of a permission_request event.
type PermissionRequestPayload struct {
	Tool      string         `json:"tool"`
	ToolUseID string         `json:"tool_use_id"`
	Input     map[string]any `json:"input"`
}

// SessionStatusPayload is the payload of a session_status event.
type SessionStatusPayload struct {
	Status string `json:"status"`
}

// ErrorPayload is the payload of an error event.
type ErrorPayload struct {
	Message string `json:"message"`
}

// ReasonPayload is the payload of orchestrator_pause and orchestrator_terminate.
type ReasonPayload struct {
	Reason string `json:"reason"`
}

// AgentSwitchedPayload is the payload of agent_switched.
type AgentSwitchedPayload struct {
	Agent string `json:"agent"`
}

// CommandKind names an outbound command.
type CommandKind string

const (
	CommandSendMessage CommandKind = "send_message"
	CommandToolApprove CommandKind = "tool_approve"
	CommandToolDeny    CommandKind = "tool_deny"
	CommandCancel      CommandKind = "cancel"

	// CommandUIState mirrors presentation preferences to the server.
	CommandUIState CommandKind = "ui_state"
)

// channelEvents maps command kinds to the event names pushed on the channel.
var channelEvents = map[CommandKind]string{
	CommandSendMessage: "session:message",
	CommandToolApprove: "session:tool_approve",
	CommandToolDeny:    "session:tool_deny",
	CommandCancel:      "session:cancel",
	CommandUIState:     "ui_state",
}

// Command is one outbound message produced by a local intent.
type Command struct {
	Kind    CommandKind `json:"kind"`
	Payload any         `json:"payload"`
}

// ChannelEvent returns the channel event name the command is pushed as.
func (c Command) ChannelEvent() string {
	if ev, ok := channelEvents[c.Kind]; ok {
		return ev
	}
	return string(c.Kind)
}

// SendMessagePayload is the payload of send_message.
type SendMessagePayload struct {
	Content string  `json:"content"`
	Images  []Image `json:"images,omitempty"`
}

// ToolDecisionPayload is the payload of tool_approve and tool_deny.
type ToolDecisionPayload struct {
	ToolUseID string `json:"tool_use_id"`
}

// CancelPayload is the empty payload of cancel.
type CancelPayload struct{}
