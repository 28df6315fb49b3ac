package domain

import (
	"context"
	"encoding/json"
)

// ChannelHandler receives the payload of one channel event.
type ChannelHandler func(payload json.RawMessage)

// Channel is the transport collaborator for one session topic. The transport
// delivers events for a topic in send order; handlers registered with On are
// invoked sequentially in that order.
type Channel interface {
	// Topic returns the channel topic, e.g. "session:<id>".
	Topic() string
	// On registers a handler for an inbound event name.
	On(event string, handler ChannelHandler)
	// Join subscribes to the topic and returns the server's join reply.
	Join(ctx context.Context) (json.RawMessage, error)
	// Push emits an event on the topic without waiting for a reply.
	Push(ctx context.Context, event string, payload any) error
	// Leave unsubscribes from the topic. Handlers are released.
	Leave(ctx context.Context) error
}

// ChannelFactory opens the channel for a session id.
type ChannelFactory interface {
	SessionChannel(sessionID string) Channel
}

// JoinReply is the server reply to a session channel join. It seeds the
// transcript through a hydrate.
type JoinReply struct {
	Messages []Message `json:"messages"`
}
