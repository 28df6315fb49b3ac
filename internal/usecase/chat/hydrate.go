package chat

import "synapsis/internal/domain"

// Hydrate replaces the transcript with history fetched out of band and resets
// every transient field to its idle default. The agent mode is kept.
func (r *Reducer) Hydrate(st *domain.SessionState, messages []domain.Message) {
	st.Messages = make([]domain.Message, len(messages))
	for i, m := range messages {
		st.Messages[i] = m.Clone()
	}
	st.StreamingText = ""
	st.StreamingKind = domain.StreamNone
	st.PendingToolCalls = []domain.ToolCall{}
	st.PermissionRequests = []domain.PermissionRequest{}
	st.Decisions = nil
	st.TurnStatus = domain.TurnIdle
	st.LastError = ""
	st.TurnMessageID = ""
}

// UpsertMessage replaces the message with the same id, or appends it when the
// id is new. Turn state is not affected.
func (r *Reducer) UpsertMessage(st *domain.SessionState, msg domain.Message) error {
	if msg.ID == "" {
		return domain.NewDomainError("chat.UpsertMessage", domain.ErrInvalidInput, "message id is required")
	}
	switch msg.Role {
	case domain.RoleUser, domain.RoleAssistant, domain.RoleSystem:
	default:
		return domain.NewDomainError("chat.UpsertMessage", domain.ErrInvalidInput, "unknown role "+msg.Role)
	}
	msg = msg.Clone()
	if msg.Parts == nil {
		msg.Parts = []domain.MessagePart{}
	}
	for i := range st.Messages {
		if st.Messages[i].ID == msg.ID {
			st.Messages[i] = msg
			return nil
		}
	}
	st.Messages = append(st.Messages, msg)
	return nil
}
