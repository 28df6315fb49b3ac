package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"synapsis/internal/domain"
	"synapsis/internal/infra/tracer"
)

const defaultQueueSize = 256

// unhandledNotifier is implemented by channels that can report events no
// handler was registered for.
type unhandledNotifier interface {
	OnUnhandled(func(event string, payload json.RawMessage))
}

// SessionDeps holds the collaborators of a Session.
type SessionDeps struct {
	ID string
	// Channel is the session topic. Nil makes an offline session whose
	// commands are applied locally but never pushed.
	Channel domain.Channel
	Bus     domain.EventBus
	Reducer *Reducer
	Logger  *slog.Logger

	QueueSize   int
	PushTimeout time.Duration
}

// intentFunc applies a local intent. It returns the command to push, if any,
// and whether the state changed.
type intentFunc func(st *domain.SessionState) (cmd *domain.Command, changed bool, err error)

type workItem struct {
	ctx     context.Context
	name    string
	inbound *domain.InboundEvent
	apply   intentFunc
	notify  domain.EventType
	reply   chan error
}

// Session owns one conversation. A single goroutine (Run) applies inbound
// events and local intents one at a time in arrival order; readers observe
// immutable snapshots.
type Session struct {
	id          string
	ch          domain.Channel
	bus         domain.EventBus
	reducer     *Reducer
	logger      *slog.Logger
	pushTimeout time.Duration

	state *domain.SessionState // touched only by Run
	snap  atomic.Pointer[domain.SessionState]

	work      chan workItem
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	running   atomic.Bool

	bindOnce sync.Once
	gateMu   sync.Mutex
	gated    bool
	held     []domain.InboundEvent
}

// NewSession creates a session at idle defaults. Run must be started before
// any entry point can complete.
func NewSession(deps SessionDeps) *Session {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Reducer == nil {
		deps.Reducer = NewReducer(deps.Logger)
	}
	if deps.QueueSize <= 0 {
		deps.QueueSize = defaultQueueSize
	}
	s := &Session{
		id:          deps.ID,
		ch:          deps.Channel,
		bus:         deps.Bus,
		reducer:     deps.Reducer,
		logger:      deps.Logger.With("component", "session", "session_id", deps.ID),
		pushTimeout: deps.PushTimeout,
		state:       domain.NewSessionState(),
		work:        make(chan workItem, deps.QueueSize),
		closing:     make(chan struct{}),
		done:        make(chan struct{}),
	}
	s.snap.Store(s.state.Clone())
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Snapshot returns a copy of the latest committed state.
func (s *Session) Snapshot() *domain.SessionState {
	return s.snap.Load().Clone()
}

// Permissions returns the active permission requests, oldest first.
func (s *Session) Permissions() []domain.PermissionRequest {
	return s.reducer.ActivePermissions(s.snap.Load())
}

// Done is closed once Run has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run drains the work queue until ctx is cancelled or Close is called.
func (s *Session) Run(ctx context.Context) error {
	if s.running.Swap(true) {
		return fmt.Errorf("session %s: already running", s.id)
	}
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closing:
			return nil
		case w := <-s.work:
			if w.inbound != nil {
				s.ingest(ctx, *w.inbound)
			} else {
				s.runIntent(w)
			}
		}
	}
}

// Close stops Run. Queued work that has not started is abandoned.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.closing) })
}

// Deliver queues an inbound event. Events delivered while a join is in
// flight are held and applied after the join reply has hydrated the state.
func (s *Session) Deliver(ev domain.InboundEvent) {
	s.gateMu.Lock()
	defer s.gateMu.Unlock()
	if s.gated {
		s.held = append(s.held, ev)
		return
	}
	s.enqueue(ev)
}

func (s *Session) enqueue(ev domain.InboundEvent) {
	select {
	case s.work <- workItem{inbound: &ev}:
	case <-s.done:
		s.logger.Debug("inbound event after close dropped", "kind", ev.Kind)
	}
}

// Join binds the channel handlers, joins the topic and hydrates the
// transcript from the join reply.
func (s *Session) Join(ctx context.Context) error {
	if s.ch == nil {
		return nil
	}
	s.bindOnce.Do(s.bind)

	s.gateMu.Lock()
	s.gated = true
	s.gateMu.Unlock()
	defer s.ungate()

	raw, err := s.ch.Join(ctx)
	if err != nil {
		s.logger.Warn("channel join failed", "topic", s.ch.Topic(), "error", err)
		s.publish(ctx, domain.EventChannelJoinError, domain.ErrorPayload{Message: err.Error()})
		return domain.WrapOp("session.join", err)
	}

	var reply domain.JoinReply
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &reply); err != nil {
			s.logger.Warn("join reply not understood, transcript not hydrated", "error", err)
			s.publish(ctx, domain.EventChannelJoined, nil)
			return nil
		}
	}
	if err := s.Hydrate(ctx, reply.Messages); err != nil {
		return domain.WrapOp("session.join", err)
	}
	s.publish(ctx, domain.EventChannelJoined, nil)
	s.logger.Info("channel joined", "topic", s.ch.Topic(), "messages", len(reply.Messages))
	return nil
}

// bind registers one handler per inbound kind on the channel.
func (s *Session) bind() {
	for _, kind := range domain.InboundKinds {
		s.ch.On(kind, func(payload json.RawMessage) {
			s.Deliver(domain.InboundEvent{Kind: kind, Payload: payload})
		})
	}
	if n, ok := s.ch.(unhandledNotifier); ok {
		n.OnUnhandled(func(event string, payload json.RawMessage) {
			s.Deliver(domain.InboundEvent{Kind: event, Payload: payload})
		})
	}
}

func (s *Session) ungate() {
	s.gateMu.Lock()
	defer s.gateMu.Unlock()
	for _, ev := range s.held {
		s.enqueue(ev)
	}
	s.held = nil
	s.gated = false
}

// Leave unsubscribes from the channel. An in-flight turn is left as is so a
// later hydrate can resume it.
func (s *Session) Leave(ctx context.Context) error {
	if s.ch == nil {
		return nil
	}
	if err := s.ch.Leave(ctx); err != nil {
		return domain.WrapOp("session.leave", err)
	}
	s.publish(ctx, domain.EventChannelLeft, nil)
	return nil
}

// SendMessage appends the user's message and pushes send_message.
func (s *Session) SendMessage(ctx context.Context, content string, images []domain.Image) error {
	return s.submit(ctx, "send_message", "", func(st *domain.SessionState) (*domain.Command, bool, error) {
		cmd, err := s.reducer.SendMessage(st, content, images)
		if err != nil {
			return nil, false, err
		}
		return &cmd, true, nil
	})
}

// Approve approves a tool call and pushes tool_approve.
func (s *Session) Approve(ctx context.Context, toolUseID string) error {
	return s.submit(ctx, "tool_approve", "", func(st *domain.SessionState) (*domain.Command, bool, error) {
		cmd, err := s.reducer.Approve(st, toolUseID)
		if err != nil {
			return nil, false, err
		}
		return &cmd, true, nil
	})
}

// Deny denies a tool call and pushes tool_deny.
func (s *Session) Deny(ctx context.Context, toolUseID string) error {
	return s.submit(ctx, "tool_deny", "", func(st *domain.SessionState) (*domain.Command, bool, error) {
		cmd, err := s.reducer.Deny(st, toolUseID)
		if err != nil {
			return nil, false, err
		}
		return &cmd, true, nil
	})
}

// Cancel pushes cancel without touching state.
func (s *Session) Cancel(ctx context.Context) error {
	return s.submit(ctx, "cancel", "", func(st *domain.SessionState) (*domain.Command, bool, error) {
		cmd := s.reducer.Cancel(st)
		return &cmd, false, nil
	})
}

// PushUIState mirrors presentation preferences to the server.
func (s *Session) PushUIState(ctx context.Context, prefs map[string]any) error {
	return s.submit(ctx, "ui_state", "", func(*domain.SessionState) (*domain.Command, bool, error) {
		cmd := s.reducer.UIState(prefs)
		return &cmd, false, nil
	})
}

// Hydrate replaces the transcript and resets transient state.
func (s *Session) Hydrate(ctx context.Context, messages []domain.Message) error {
	return s.submit(ctx, "hydrate", domain.EventSessionHydrated, func(st *domain.SessionState) (*domain.Command, bool, error) {
		s.reducer.Hydrate(st, messages)
		return nil, true, nil
	})
}

// UpsertMessage replaces a message by id or appends it.
func (s *Session) UpsertMessage(ctx context.Context, msg domain.Message) error {
	return s.submit(ctx, "upsert_message", "", func(st *domain.SessionState) (*domain.Command, bool, error) {
		if err := s.reducer.UpsertMessage(st, msg); err != nil {
			return nil, false, err
		}
		return nil, true, nil
	})
}

// submit queues an intent and waits for the loop to apply it.
func (s *Session) submit(ctx context.Context, name string, notify domain.EventType, apply intentFunc) error {
	w := workItem{ctx: ctx, name: name, apply: apply, notify: notify, reply: make(chan error, 1)}
	select {
	case s.work <- w:
	case <-s.done:
		return domain.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-w.reply:
		return err
	case <-s.done:
		return domain.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) ingest(ctx context.Context, ev domain.InboundEvent) {
	ctx, span := tracer.StartSpan(ctx, "chat.ingest", trace.WithAttributes(
		tracer.StringAttr("session.id", s.id),
		tracer.StringAttr("event.kind", ev.Kind),
	))
	defer span.End()

	out, err := s.reducer.Ingest(s.state, ev)
	switch {
	case err == nil:
		tracer.SetOK(span)
	case errors.Is(err, domain.ErrUnknownEvent):
		s.logger.Debug("unknown inbound event", "kind", ev.Kind)
		s.publish(ctx, domain.EventInboundUnknown, domain.UnknownInboundPayload{Kind: ev.Kind, Payload: ev.Payload})
		return
	case domain.IsCorrelationMiss(err):
		s.logger.Debug("stale inbound event ignored", "kind", ev.Kind, "error", err)
		return
	default:
		s.logger.Warn("inbound event dropped", "kind", ev.Kind, "error", err)
		tracer.RecordError(span, err)
		s.publish(ctx, domain.EventInboundDropped, domain.DroppedInboundPayload{Kind: ev.Kind, Reason: err.Error()})
		return
	}

	if out.Changed {
		s.commit(ctx, ev.Kind)
	}
	if out.TurnCompleted {
		s.publish(ctx, domain.EventTurnCompleted, nil)
	}
	if out.Failed {
		s.publish(ctx, domain.EventRemoteError, domain.ErrorPayload{Message: s.state.LastError})
	}
}

func (s *Session) runIntent(w workItem) {
	ctx := w.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracer.StartSpan(ctx, "chat.intent", trace.WithAttributes(
		tracer.StringAttr("session.id", s.id),
		tracer.StringAttr("intent", w.name),
	))
	defer span.End()

	cmd, changed, err := w.apply(s.state)
	if err != nil {
		if domain.IsCorrelationMiss(err) {
			s.logger.Debug("stale decision ignored", "intent", w.name, "error", err)
			tracer.SetOK(span)
			w.reply <- nil
			return
		}
		tracer.RecordError(span, err)
		w.reply <- err
		return
	}

	if changed {
		s.commit(ctx, w.name)
	}
	if w.notify != "" {
		s.publish(ctx, w.notify, nil)
	}
	if cmd != nil {
		err = s.push(ctx, *cmd)
	}
	if err != nil {
		tracer.RecordError(span, err)
	} else {
		tracer.SetOK(span)
	}
	w.reply <- err
}

// commit publishes the state produced by the last transition.
func (s *Session) commit(ctx context.Context, cause string) {
	snap := s.state.Clone()
	s.snap.Store(snap)
	if err := snap.CheckInvariants(); err != nil {
		s.logger.Debug("session invariant not held", "cause", cause, "error", err)
	}
	s.publish(ctx, domain.EventStateChanged, domain.StateChangedPayload{Cause: cause, State: snap})
}

func (s *Session) push(ctx context.Context, cmd domain.Command) error {
	if s.ch == nil {
		s.logger.Debug("offline session, command not pushed", "command", string(cmd.Kind))
		return nil
	}
	pctx := ctx
	if s.pushTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, s.pushTimeout)
		defer cancel()
	}
	if err := s.ch.Push(pctx, cmd.ChannelEvent(), cmd.Payload); err != nil {
		s.logger.Warn("command push failed", "command", string(cmd.Kind), "error", err)
		s.publish(ctx, domain.EventCommandFailed, domain.CommandFailedPayload{Command: cmd, Error: err.Error()})
		return domain.WrapOp("session.push", err)
	}
	s.publish(ctx, domain.EventCommandSent, cmd)
	return nil
}

func (s *Session) publish(ctx context.Context, t domain.EventType, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, domain.NewEvent(t, s.id, payload))
}
