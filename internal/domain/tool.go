package domain

// ToolStatus is the lifecycle state of a tracked tool call.
type ToolStatus string

const (
	ToolPending   ToolStatus = "pending"
	ToolApproved  ToolStatus = "approved"
	ToolDenied    ToolStatus = "denied"
	ToolCompleted ToolStatus = "completed"
	ToolError     ToolStatus = "error"
)

// Terminal reports whether no further transition is possible from s.
func (s ToolStatus) Terminal() bool {
	return s == ToolCompleted || s == ToolError
}

// toolTransitions lists every allowed status change. Approved and denied are
// optimistic local states; the server reconciles them with a tool_result.
var toolTransitions = map[ToolStatus][]ToolStatus{
	ToolPending:  {ToolApproved, ToolDenied, ToolCompleted, ToolError},
	ToolApproved: {ToolCompleted, ToolError},
	ToolDenied:   {ToolCompleted, ToolError},
}

// CanTransition reports whether a tool call may move from one status to another.
func CanTransition(from, to ToolStatus) bool {
	for _, s := range toolTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ToolCall tracks one tool invocation within the in-progress turn.
type ToolCall struct {
	ID        string         `json:"id"`
	Tool      string         `json:"tool"`
	ToolUseID string         `json:"tool_use_id"`
	Input     map[string]any `json:"input"`
	Status    ToolStatus     `json:"status"`
	Result    *string        `json:"result,omitempty"`
}

// Clone returns a deep copy of the tool call.
func (c ToolCall) Clone() ToolCall {
	out := c
	out.Input = cloneInput(c.Input)
	if c.Result != nil {
		r := *c.Result
		out.Result = &r
	}
	return out
}

// PermissionRequest asks the user to approve a tool call. It is correlated to
// a ToolCall by ToolUseID.
type PermissionRequest struct {
	Tool      string         `json:"tool"`
	ToolUseID string         `json:"tool_use_id"`
	Input     map[string]any `json:"input"`
}

// Clone returns a deep copy of the request.
func (r PermissionRequest) Clone() PermissionRequest {
	out := r
	out.Input = cloneInput(r.Input)
	return out
}
