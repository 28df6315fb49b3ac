package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of notification being published.
type EventType string

const (
	EventSessionOpened    EventType = "session.opened"
	EventSessionClosed    EventType = "session.closed"
	EventSessionHydrated  EventType = "session.hydrated"
	EventStateChanged     EventType = "session.state.changed"
	EventTurnCompleted    EventType = "session.turn.completed"
	EventCommandSent      EventType = "session.command.sent"
	EventCommandFailed    EventType = "session.command.failed"
	EventInboundUnknown   EventType = "session.inbound.unknown"
	EventInboundDropped   EventType = "session.inbound.dropped"
	EventRemoteError      EventType = "session.remote.error"
	EventChannelJoined    EventType = "channel.joined"
	EventChannelLeft      EventType = "channel.left"
	EventChannelJoinError EventType = "channel.join.error"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an event, marshalling payload when it is not nil.
// A payload that fails to marshal is dropped rather than failing the publish.
func NewEvent(t EventType, sessionID string, payload any) Event {
	ev := Event{Type: t, Timestamp: time.Now(), SessionID: sessionID}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			ev.Payload = raw
		}
	}
	return ev
}

// StateChangedPayload accompanies EventStateChanged.
type StateChangedPayload struct {
	Cause string        `json:"cause"`
	State *SessionState `json:"state"`
}

// UnknownInboundPayload is the opaque placeholder published for an event
// kind the session does not understand.
type UnknownInboundPayload struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DroppedInboundPayload describes an inbound event that could not be applied.
type DroppedInboundPayload struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// CommandFailedPayload describes an outbound command the transport refused.
type CommandFailedPayload struct {
	Command Command `json:"command"`
	Error   string  `json:"error"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for session notifications.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
