package chat

import (
	"bytes"
	"encoding/json"
	"fmt"

	"synapsis/internal/domain"
)

// Outcome summarises what one ingested event did to the state.
type Outcome struct {
	// Changed is set when the state differs from before the event.
	Changed bool
	// TurnCompleted is set when the event finalised the turn.
	TurnCompleted bool
	// Failed is set when the event ended the turn with a remote error.
	Failed bool
}

// Ingest applies one inbound event. It never panics on bad input: malformed
// payloads return ErrMalformedEvent, unknown kinds ErrUnknownEvent, and stale
// references a correlation miss, all without touching st. The same sequence
// of events from the same starting state produces the same state.
func (r *Reducer) Ingest(st *domain.SessionState, ev domain.InboundEvent) (Outcome, error) {
	switch ev.Kind {
	case domain.InboundTextDelta, domain.InboundReasoning:
		p, err := decode[domain.TextDeltaPayload](ev)
		if err != nil {
			return Outcome{}, err
		}
		kind := domain.StreamText
		if ev.Kind == domain.InboundReasoning {
			kind = domain.StreamThinking
		}
		r.ApplyDelta(st, kind, p.Fragment())
		return Outcome{Changed: true}, nil

	case domain.InboundToolUse:
		p, err := decode[domain.ToolUsePayload](ev)
		if err != nil {
			return Outcome{}, err
		}
		if p.ToolUseID == "" {
			return Outcome{}, malformed(ev, "missing tool_use_id")
		}
		return Outcome{Changed: r.OpenToolCall(st, p.Tool, p.ToolUseID, p.Input)}, nil

	case domain.InboundToolResult:
		p, err := decode[domain.ToolResultPayload](ev)
		if err != nil {
			return Outcome{}, err
		}
		if p.ToolUseID == "" {
			return Outcome{}, malformed(ev, "missing tool_use_id")
		}
		if err := r.ResolveToolResult(st, p.ToolUseID, p.Content, p.IsError); err != nil {
			return Outcome{}, err
		}
		return Outcome{Changed: true}, nil

	case domain.InboundPermissionRequest:
		p, err := decode[domain.PermissionRequestPayload](ev)
		if err != nil {
			return Outcome{}, err
		}
		if p.ToolUseID == "" {
			return Outcome{}, malformed(ev, "missing tool_use_id")
		}
		added := r.AddPermissionRequest(st, domain.PermissionRequest{
			Tool:      p.Tool,
			ToolUseID: p.ToolUseID,
			Input:     p.Input,
		})
		return Outcome{Changed: added}, nil

	case domain.InboundSessionStatus:
		p, err := decode[domain.SessionStatusPayload](ev)
		if err != nil {
			return Outcome{}, err
		}
		status := domain.TurnStatus(p.Status)
		if !status.Valid() {
			return Outcome{}, malformed(ev, fmt.Sprintf("unknown status %q", p.Status))
		}
		if status == domain.TurnIdle {
			done := r.CompleteTurn(st)
			return Outcome{Changed: done, TurnCompleted: done}, nil
		}
		changed := st.TurnStatus != status
		st.TurnStatus = status
		return Outcome{Changed: changed}, nil

	case domain.InboundError:
		p, err := decode[domain.ErrorPayload](ev)
		if err != nil {
			return Outcome{}, err
		}
		r.failTurn(st, p.Message)
		return Outcome{Changed: true, Failed: true}, nil

	case domain.InboundDone:
		done := r.CompleteTurn(st)
		return Outcome{Changed: done, TurnCompleted: done}, nil

	case domain.InboundOrchestratorPause, domain.InboundOrchestratorTerminate:
		p, err := decode[domain.ReasonPayload](ev)
		if err != nil {
			return Outcome{}, err
		}
		prefix := "Paused: "
		if ev.Kind == domain.InboundOrchestratorTerminate {
			prefix = "Terminated: "
		}
		r.failTurn(st, prefix+p.Reason)
		return Outcome{Changed: true, Failed: true}, nil

	case domain.InboundOrchestratorEscalate:
		changed := st.TurnStatus != domain.TurnStreaming
		st.TurnStatus = domain.TurnStreaming
		return Outcome{Changed: changed}, nil

	case domain.InboundAgentSwitched:
		p, err := decode[domain.AgentSwitchedPayload](ev)
		if err != nil {
			return Outcome{}, err
		}
		if p.Agent == "" {
			return Outcome{}, malformed(ev, "missing agent")
		}
		changed := st.AgentMode != p.Agent
		st.AgentMode = p.Agent
		return Outcome{Changed: changed}, nil
	}

	return Outcome{}, fmt.Errorf("%q: %w", ev.Kind, domain.ErrUnknownEvent)
}

// decode unmarshals the event payload. An absent or null payload decodes to
// the zero value.
func decode[T any](ev domain.InboundEvent) (T, error) {
	var v T
	raw := bytes.TrimSpace(ev.Payload)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, malformed(ev, err.Error())
	}
	return v, nil
}

func malformed(ev domain.InboundEvent, reason string) error {
	return domain.NewDomainError("chat.Ingest", domain.ErrMalformedEvent, ev.Kind+": "+reason)
}
