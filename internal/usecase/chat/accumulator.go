package chat

import (
	"fmt"

	"synapsis/internal/domain"
)

// ApplyDelta appends a streamed fragment to the in-flight buffer. A fragment
// of a different kind than the buffered text flushes the buffer first so text
// and reasoning never share a part.
func (r *Reducer) ApplyDelta(st *domain.SessionState, kind domain.StreamKind, text string) {
	if st.StreamingText != "" && st.StreamingKind != kind {
		r.flush(st)
	}
	st.StreamingText += text
	st.StreamingKind = kind
	st.TurnStatus = domain.TurnStreaming
}

// OpenToolCall flushes any buffered text and starts tracking a tool call. The
// call opens pending unless the user already decided it from an earlier
// permission request. It returns false when toolUseID is already tracked.
func (r *Reducer) OpenToolCall(st *domain.SessionState, tool, toolUseID string, input map[string]any) bool {
	if st.FindToolCall(toolUseID) >= 0 {
		r.logger().Debug("duplicate tool_use ignored", "tool_use_id", toolUseID)
		return false
	}

	r.flush(st)

	call := domain.ToolCall{
		ID:        r.newID(),
		Tool:      tool,
		ToolUseID: toolUseID,
		Input:     input,
		Status:    domain.ToolPending,
	}
	if status, ok := st.Decisions[toolUseID]; ok {
		call.Status = status
		delete(st.Decisions, toolUseID)
	}
	// A permission request may arrive first and already carry the input.
	if i := st.FindPermission(toolUseID); i >= 0 {
		req := &st.PermissionRequests[i]
		if call.Input == nil {
			call.Input = req.Clone().Input
		}
		if req.Input == nil {
			req.Input = call.Clone().Input
		}
	}
	st.PendingToolCalls = append(st.PendingToolCalls, call)
	st.TurnStatus = domain.TurnToolWait
	return true
}

// ResolveToolResult records the result of a tracked tool call. Unknown ids
// and calls that already hold a result are left untouched.
func (r *Reducer) ResolveToolResult(st *domain.SessionState, toolUseID, content string, isError bool) error {
	i := st.FindToolCall(toolUseID)
	if i < 0 {
		return fmt.Errorf("tool_result %s: %w", toolUseID, domain.ErrUnknownToolUse)
	}

	call := &st.PendingToolCalls[i]
	next := domain.ToolCompleted
	if isError {
		next = domain.ToolError
	}
	if !domain.CanTransition(call.Status, next) {
		return fmt.Errorf("tool_result %s: %s -> %s: %w", toolUseID, call.Status, next, domain.ErrInvalidTransition)
	}

	call.Status = next
	call.Result = &content

	// A result settles any request the user never answered.
	if j := st.FindPermission(toolUseID); j >= 0 {
		st.PermissionRequests = append(st.PermissionRequests[:j], st.PermissionRequests[j+1:]...)
	}
	settle(st)
	return nil
}

// settle resumes streaming once nothing holds the turn in tool_wait.
func settle(st *domain.SessionState) {
	if st.TurnStatus == domain.TurnToolWait && !st.HasOpenToolCall() && len(st.PermissionRequests) == 0 {
		st.TurnStatus = domain.TurnStreaming
	}
}

// CompleteTurn moves all transient turn state into the transcript and returns
// the session to idle. It reports whether anything changed; a second call in
// a row is a no-op.
func (r *Reducer) CompleteTurn(st *domain.SessionState) bool {
	changed := st.TurnStatus != domain.TurnIdle ||
		st.StreamingText != "" ||
		st.StreamingKind != domain.StreamNone ||
		len(st.PendingToolCalls) > 0 ||
		len(st.PermissionRequests) > 0 ||
		len(st.Decisions) > 0 ||
		st.TurnMessageID != ""
	if !changed {
		return false
	}

	r.flush(st)

	for _, call := range st.PendingToolCalls {
		msg := r.turnMessage(st)
		msg.Parts = append(msg.Parts, domain.MessagePart{
			Type:      domain.PartToolUse,
			Tool:      call.Tool,
			ToolUseID: call.ToolUseID,
			Input:     call.Input,
			Status:    call.Status,
		})
		if call.Result != nil {
			msg.Parts = append(msg.Parts, domain.MessagePart{
				Type:      domain.PartToolResult,
				ToolUseID: call.ToolUseID,
				Content:   *call.Result,
				IsError:   call.Status == domain.ToolError,
			})
		}
	}

	st.PendingToolCalls = []domain.ToolCall{}
	st.PermissionRequests = []domain.PermissionRequest{}
	st.Decisions = nil
	st.TurnStatus = domain.TurnIdle
	st.TurnMessageID = ""
	return true
}

// flush appends the buffered text to the turn's assistant message.
func (r *Reducer) flush(st *domain.SessionState) {
	if st.StreamingText != "" {
		msg := r.turnMessage(st)
		msg.Parts = append(msg.Parts, domain.MessagePart{
			Type:    st.StreamingKind.PartType(),
			Content: st.StreamingText,
		})
	}
	st.StreamingText = ""
	st.StreamingKind = domain.StreamNone
}

// turnMessage returns the assistant message opened during the current turn,
// opening a new one when the trailing message is not it.
func (r *Reducer) turnMessage(st *domain.SessionState) *domain.Message {
	if n := len(st.Messages); n > 0 && st.TurnMessageID != "" {
		last := &st.Messages[n-1]
		if last.Role == domain.RoleAssistant && last.ID == st.TurnMessageID {
			return last
		}
	}
	st.Messages = append(st.Messages, domain.Message{
		ID:        r.newID(),
		Role:      domain.RoleAssistant,
		Parts:     []domain.MessagePart{},
		Timestamp: r.now(),
	})
	last := &st.Messages[len(st.Messages)-1]
	st.TurnMessageID = last.ID
	return last
}

// failTurn ends the turn on a remote-reported error. Buffered text and
// unresolved tool calls are discarded; the transcript is kept.
func (r *Reducer) failTurn(st *domain.SessionState, message string) {
	st.LastError = message
	st.StreamingText = ""
	st.StreamingKind = domain.StreamNone
	st.PendingToolCalls = []domain.ToolCall{}
	st.PermissionRequests = []domain.PermissionRequest{}
	st.Decisions = nil
	st.TurnStatus = domain.TurnIdle
	st.TurnMessageID = ""
}
