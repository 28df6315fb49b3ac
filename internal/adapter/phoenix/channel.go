package phoenix

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"synapsis/internal/domain"
)

type channelState int

const (
	stateClosed channelState = iota
	stateJoining
	stateJoined
	stateErrored
)

func (s channelState) String() string {
	switch s {
	case stateJoining:
		return "joining"
	case stateJoined:
		return "joined"
	case stateErrored:
		return "errored"
	default:
		return "closed"
	}
}

// Channel is one topic on a Socket.
type Channel struct {
	socket *Socket
	topic  string
	logger *slog.Logger

	mu        sync.Mutex
	params    any
	handlers  map[string][]domain.ChannelHandler
	unhandled func(event string, payload json.RawMessage)
	joinRef   string
	state     channelState
}

var _ domain.Channel = (*Channel)(nil)

func newChannel(s *Socket, topic string) *Channel {
	return &Channel{
		socket:   s,
		topic:    topic,
		logger:   s.logger.With("topic", topic),
		handlers: make(map[string][]domain.ChannelHandler),
	}
}

func (c *Channel) Topic() string { return c.topic }

// SetParams sets the phx_join payload. Nil sends an empty object.
func (c *Channel) SetParams(params any) {
	c.mu.Lock()
	c.params = params
	c.mu.Unlock()
}

func (c *Channel) On(event string, handler domain.ChannelHandler) {
	c.mu.Lock()
	c.handlers[event] = append(c.handlers[event], handler)
	c.mu.Unlock()
}

// OnUnhandled registers fn for application events with no handler.
func (c *Channel) OnUnhandled(fn func(event string, payload json.RawMessage)) {
	c.mu.Lock()
	c.unhandled = fn
	c.mu.Unlock()
}

// Join sends phx_join and waits for the reply. An error status is reported as
// domain.ErrJoinFailed with the server response attached.
func (c *Channel) Join(ctx context.Context) (json.RawMessage, error) {
	c.mu.Lock()
	if c.state == stateJoining || c.state == stateJoined {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s already %s", domain.ErrJoinFailed, c.topic, c.state)
	}
	ref := c.socket.nextRef()
	c.joinRef = ref
	c.state = stateJoining
	params := c.params
	c.mu.Unlock()

	payload := json.RawMessage("{}")
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			c.abandon()
			return nil, fmt.Errorf("%w: encode params: %w", domain.ErrJoinFailed, err)
		}
		payload = raw
	}

	msg, err := c.socket.request(ctx, Message{JoinRef: ref, Ref: ref, Topic: c.topic, Event: EventJoin, Payload: payload})
	if err != nil {
		c.abandon()
		return nil, fmt.Errorf("%w: %w", domain.ErrJoinFailed, err)
	}

	var reply Reply
	if err := json.Unmarshal(msg.Payload, &reply); err != nil {
		c.abandon()
		return nil, fmt.Errorf("%w: decode reply: %w", domain.ErrJoinFailed, err)
	}
	if !reply.OK() {
		c.abandon()
		return nil, fmt.Errorf("%w: status %q: %s", domain.ErrJoinFailed, reply.Status, string(reply.Response))
	}

	c.setState(stateJoined)
	c.logger.Info("channel joined")
	return reply.Response, nil
}

// Push queues event on the topic without waiting for the server reply.
func (c *Channel) Push(ctx context.Context, event string, payload any) error {
	c.mu.Lock()
	state, joinRef := c.state, c.joinRef
	c.mu.Unlock()
	if state != stateJoined {
		return fmt.Errorf("push %s on %s channel: %w", event, state, domain.ErrChannelClosed)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("push %s: %w", event, err)
	}
	return c.socket.send(ctx, Message{
		JoinRef: joinRef,
		Ref:     c.socket.nextRef(),
		Topic:   c.topic,
		Event:   event,
		Payload: raw,
	})
}

// Leave sends phx_leave and releases every handler. The channel is removed
// from its socket; a later Socket.Channel for the topic starts fresh.
func (c *Channel) Leave(ctx context.Context) error {
	c.mu.Lock()
	wasJoined := c.state == stateJoined
	joinRef := c.joinRef
	c.state = stateClosed
	c.handlers = make(map[string][]domain.ChannelHandler)
	c.unhandled = nil
	c.mu.Unlock()

	c.socket.forget(c.topic, c)
	if !wasJoined {
		return nil
	}
	err := c.socket.send(ctx, Message{JoinRef: joinRef, Ref: c.socket.nextRef(), Topic: c.topic, Event: EventLeave})
	if err != nil {
		return fmt.Errorf("leave %s: %w", c.topic, err)
	}
	c.logger.Info("channel left")
	return nil
}

// abandon resets a channel whose join failed so a retry starts from a fresh
// Channel with no handlers.
func (c *Channel) abandon() {
	c.mu.Lock()
	c.state = stateClosed
	c.handlers = make(map[string][]domain.ChannelHandler)
	c.unhandled = nil
	c.mu.Unlock()
	c.socket.forget(c.topic, c)
}

func (c *Channel) setState(st channelState) {
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
}

// dispatch runs on the socket reader goroutine.
func (c *Channel) dispatch(msg Message) {
	c.mu.Lock()
	if msg.JoinRef != "" && msg.JoinRef != c.joinRef {
		c.mu.Unlock()
		c.logger.Debug("stale frame dropped", "event", msg.Event, "join_ref", msg.JoinRef)
		return
	}
	switch msg.Event {
	case EventReply:
		c.mu.Unlock()
		return
	case EventError:
		c.state = stateErrored
		c.mu.Unlock()
		c.logger.Warn("channel error from server", "payload", string(msg.Payload))
		return
	case EventClose:
		c.state = stateClosed
		c.mu.Unlock()
		c.logger.Info("channel closed by server")
		return
	}
	handlers := append([]domain.ChannelHandler(nil), c.handlers[msg.Event]...)
	unhandled := c.unhandled
	c.mu.Unlock()

	if len(handlers) == 0 {
		if unhandled != nil {
			unhandled(msg.Event, msg.Payload)
		}
		return
	}
	for _, h := range handlers {
		h(msg.Payload)
	}
}
