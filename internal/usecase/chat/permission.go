package chat

import (
	"fmt"

	"synapsis/internal/domain"
)

// AddPermissionRequest queues a request for a user decision. It returns false
// when the request is a duplicate or its tool call was already decided.
func (r *Reducer) AddPermissionRequest(st *domain.SessionState, req domain.PermissionRequest) bool {
	if st.FindPermission(req.ToolUseID) >= 0 {
		r.logger().Debug("duplicate permission_request ignored", "tool_use_id", req.ToolUseID)
		return false
	}
	if _, ok := st.Decisions[req.ToolUseID]; ok {
		r.logger().Debug("permission_request for decided tool call ignored", "tool_use_id", req.ToolUseID)
		return false
	}
	if i := st.FindToolCall(req.ToolUseID); i >= 0 {
		call := &st.PendingToolCalls[i]
		if call.Status != domain.ToolPending {
			r.logger().Debug("permission_request for decided tool call ignored",
				"tool_use_id", req.ToolUseID,
				"status", string(call.Status),
			)
			return false
		}
		if call.Input == nil {
			call.Input = req.Clone().Input
		}
		if req.Input == nil {
			req.Input = call.Clone().Input
		}
	}

	st.PermissionRequests = append(st.PermissionRequests, req)
	st.TurnStatus = domain.TurnToolWait
	return true
}

// ActivePermissions returns the requests still awaiting a decision, oldest
// first. A request is active while its tool call is absent or pending.
func (r *Reducer) ActivePermissions(st *domain.SessionState) []domain.PermissionRequest {
	out := make([]domain.PermissionRequest, 0, len(st.PermissionRequests))
	for _, req := range st.PermissionRequests {
		if i := st.FindToolCall(req.ToolUseID); i >= 0 && st.PendingToolCalls[i].Status != domain.ToolPending {
			continue
		}
		out = append(out, req.Clone())
	}
	return out
}

// NextPermission returns the oldest active request.
func (r *Reducer) NextPermission(st *domain.SessionState) (domain.PermissionRequest, bool) {
	active := r.ActivePermissions(st)
	if len(active) == 0 {
		return domain.PermissionRequest{}, false
	}
	return active[0], true
}

// Approve resolves a tool call in favour of running it.
func (r *Reducer) Approve(st *domain.SessionState, toolUseID string) (domain.Command, error) {
	return r.decide(st, toolUseID, domain.ToolApproved, domain.CommandToolApprove)
}

// Deny resolves a tool call against running it.
func (r *Reducer) Deny(st *domain.SessionState, toolUseID string) (domain.Command, error) {
	return r.decide(st, toolUseID, domain.ToolDenied, domain.CommandToolDeny)
}

// decide removes the matching request and optimistically moves a pending
// call to status. A request with no tool call yet keeps the decision until
// its tool_use arrives. The server confirms through tool_result or turn
// completion. Nothing is emitted when there is nothing left to decide.
func (r *Reducer) decide(st *domain.SessionState, toolUseID string, status domain.ToolStatus, kind domain.CommandKind) (domain.Command, error) {
	pi := st.FindPermission(toolUseID)
	ci := st.FindToolCall(toolUseID)
	pending := ci >= 0 && st.PendingToolCalls[ci].Status == domain.ToolPending
	if pi < 0 && !pending {
		return domain.Command{}, fmt.Errorf("%s %s: %w", kind, toolUseID, domain.ErrUnknownToolUse)
	}

	if pi >= 0 {
		st.PermissionRequests = append(st.PermissionRequests[:pi], st.PermissionRequests[pi+1:]...)
	}
	switch {
	case pending:
		st.PendingToolCalls[ci].Status = status
	case ci < 0:
		if st.Decisions == nil {
			st.Decisions = make(map[string]domain.ToolStatus)
		}
		st.Decisions[toolUseID] = status
	}
	settle(st)
	return domain.Command{
		Kind:    kind,
		Payload: domain.ToolDecisionPayload{ToolUseID: toolUseID},
	}, nil
}
