package chat

import (
	"strings"

	"synapsis/internal/domain"
)

// SendMessage echoes the user's message into the transcript and pushes it.
// Buffered text is flushed first so it lands before the new message. Tool
// calls and permission requests stay open until the server resolves them.
func (r *Reducer) SendMessage(st *domain.SessionState, content string, images []domain.Image) (domain.Command, error) {
	if strings.TrimSpace(content) == "" && len(images) == 0 {
		return domain.Command{}, domain.NewDomainError("chat.SendMessage", domain.ErrInvalidInput, "empty message")
	}

	r.flush(st)

	st.Messages = append(st.Messages, domain.Message{
		ID:        r.newID(),
		Role:      domain.RoleUser,
		Parts:     []domain.MessagePart{domain.TextPart(content)},
		Timestamp: r.now(),
	})
	st.TurnMessageID = ""
	if st.TurnStatus != domain.TurnToolWait {
		st.TurnStatus = domain.TurnStreaming
	}
	st.LastError = ""

	payload := domain.SendMessagePayload{Content: content}
	if len(images) > 0 {
		payload.Images = append([]domain.Image(nil), images...)
	}
	return domain.Command{Kind: domain.CommandSendMessage, Payload: payload}, nil
}

// Cancel asks the server to stop the current turn. State is left alone; the
// server reports the outcome through the normal event stream.
func (r *Reducer) Cancel(_ *domain.SessionState) domain.Command {
	return domain.Command{Kind: domain.CommandCancel, Payload: domain.CancelPayload{}}
}

// UIState builds the command that mirrors presentation preferences.
func (r *Reducer) UIState(prefs map[string]any) domain.Command {
	if prefs == nil {
		prefs = map[string]any{}
	}
	return domain.Command{Kind: domain.CommandUIState, Payload: prefs}
}
