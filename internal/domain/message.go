package domain

import "time"

// Role constants for message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// PartType identifies the variant carried by a MessagePart.
type PartType string

const (
	PartText       PartType = "text"
	PartReasoning  PartType = "reasoning"
	PartToolUse    PartType = "tool_use"
	PartToolResult PartType = "tool_result"
	PartFile       PartType = "file"
	PartAgent      PartType = "agent"
)

// Valid reports whether t is one of the known part types.
func (t PartType) Valid() bool {
	switch t {
	case PartText, PartReasoning, PartToolUse, PartToolResult, PartFile, PartAgent:
		return true
	}
	return false
}

// MessagePart is one element of a message body. Which fields are populated
// depends on Type: text/reasoning/file/agent use Content; tool_use uses Tool,
// ToolUseID, Input and Status; tool_result uses ToolUseID, Content and IsError.
type MessagePart struct {
	Type      PartType       `json:"type"`
	Content   string         `json:"content,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
	Status    ToolStatus     `json:"status,omitempty"`
}

// TextPart builds a text part.
func TextPart(content string) MessagePart {
	return MessagePart{Type: PartText, Content: content}
}

// Message represents a single transcript entry.
type Message struct {
	ID        string        `json:"id"`
	Role      string        `json:"role"`
	Parts     []MessagePart `json:"parts"`
	Timestamp time.Time     `json:"timestamp,omitzero"`
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	if m.Parts != nil {
		out.Parts = make([]MessagePart, len(m.Parts))
		for i, p := range m.Parts {
			p.Input = cloneInput(p.Input)
			out.Parts[i] = p
		}
	}
	return out
}

// Image is an attachment carried by an outbound send_message command.
type Image struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

func cloneInput(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

// cloneValue copies the containers produced by encoding/json so snapshots
// never share nested maps or slices with live state.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneInput(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
