package chat

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"synapsis/internal/domain"
)

// ManagerDeps holds the collaborators shared by every managed session.
type ManagerDeps struct {
	// Channels opens the topic of each session. Nil makes every session offline.
	Channels domain.ChannelFactory
	Bus      domain.EventBus
	Reducer  *Reducer
	Logger   *slog.Logger

	QueueSize   int
	PushTimeout time.Duration
}

type managedSession struct {
	session *Session
	cancel  context.CancelFunc
}

// Manager keeps independent sessions keyed by id. Each session has its own
// state, loop and channel.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*managedSession
	deps     ManagerDeps
	logger   *slog.Logger
}

// NewManager creates an empty session manager.
func NewManager(deps ManagerDeps) *Manager {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Reducer == nil {
		deps.Reducer = NewReducer(deps.Logger)
	}
	return &Manager{
		sessions: make(map[string]*managedSession),
		deps:     deps,
		logger:   deps.Logger.With("component", "session_manager"),
	}
}

// Open starts a session and joins its channel. The session loop outlives ctx;
// ctx only bounds the join.
func (m *Manager) Open(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, domain.NewDomainError("Manager.Open", domain.ErrInvalidInput, "session id is required")
	}

	var ch domain.Channel
	if m.deps.Channels != nil {
		ch = m.deps.Channels.SessionChannel(id)
	}
	s := NewSession(SessionDeps{
		ID:          id,
		Channel:     ch,
		Bus:         m.deps.Bus,
		Reducer:     m.deps.Reducer,
		Logger:      m.deps.Logger,
		QueueSize:   m.deps.QueueSize,
		PushTimeout: m.deps.PushTimeout,
	})

	m.mu.Lock()
	if _, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return nil, domain.NewDomainError("Manager.Open", domain.ErrSessionExists, id)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	m.sessions[id] = &managedSession{session: s, cancel: cancel}
	m.mu.Unlock()

	go func() {
		if err := s.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("session loop stopped", "session_id", id, "error", err)
		}
	}()

	if err := s.Join(ctx); err != nil {
		m.remove(id)
		s.Close()
		cancel()
		return nil, err
	}

	if m.deps.Bus != nil {
		m.deps.Bus.Publish(ctx, domain.NewEvent(domain.EventSessionOpened, id, nil))
	}
	m.logger.Info("session opened", "session_id", id, "offline", ch == nil)
	return s, nil
}

// Get returns an open session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, ok := m.sessions[id]
	if !ok {
		return nil, domain.NewDomainError("Manager.Get", domain.ErrSessionNotFound, id)
	}
	return ms.session, nil
}

// List returns the ids of open sessions in lexical order.
func (m *Manager) List() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Close leaves the session's channel and stops its loop.
func (m *Manager) Close(ctx context.Context, id string) error {
	ms := m.remove(id)
	if ms == nil {
		return domain.NewDomainError("Manager.Close", domain.ErrSessionNotFound, id)
	}

	err := ms.session.Leave(ctx)
	if err != nil {
		m.logger.Warn("session leave failed", "session_id", id, "error", err)
	}
	ms.session.Close()
	ms.cancel()
	select {
	case <-ms.session.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	if m.deps.Bus != nil {
		m.deps.Bus.Publish(ctx, domain.NewEvent(domain.EventSessionClosed, id, nil))
	}
	m.logger.Info("session closed", "session_id", id)
	return err
}

// CloseAll closes every open session and joins their errors.
func (m *Manager) CloseAll(ctx context.Context) error {
	var errs []error
	for _, id := range m.List() {
		if err := m.Close(ctx, id); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) remove(id string) *managedSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[id]
	if !ok {
		return nil
	}
	delete(m.sessions, id)
	return ms
}
