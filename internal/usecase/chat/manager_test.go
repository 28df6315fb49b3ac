package chat

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"synapsis/internal/domain"
)

type fakeFactory struct {
	mu       sync.Mutex
	channels map[string]*fakeChannel
	joinErr  error
}

func (f *fakeFactory) SessionChannel(id string) domain.Channel {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.channels == nil {
		f.channels = make(map[string]*fakeChannel)
	}
	ch := newFakeChannel("session:" + id)
	ch.joinErr = f.joinErr
	f.channels[id] = ch
	return ch
}

func (f *fakeFactory) channel(id string) *fakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channels[id]
}

func newTestManager(factory domain.ChannelFactory, bus domain.EventBus) *Manager {
	return NewManager(ManagerDeps{
		Channels: factory,
		Bus:      bus,
		Reducer:  newTestReducer(),
		Logger:   discardLogger(),
	})
}

func TestManagerOpenGetList(t *testing.T) {
	factory := &fakeFactory{}
	bus := &recordingBus{}
	m := newTestManager(factory, bus)
	ctx := context.Background()
	t.Cleanup(func() { _ = m.CloseAll(ctx) })

	a, err := m.Open(ctx, "b-session")
	require.NoError(t, err)
	_, err = m.Open(ctx, "a-session")
	require.NoError(t, err)

	assert.Equal(t, []string{"a-session", "b-session"}, m.List())

	got, err := m.Get("b-session")
	require.NoError(t, err)
	assert.Same(t, a, got)
	assert.Equal(t, 2, bus.count(domain.EventSessionOpened))

	_, err = m.Open(ctx, "a-session")
	assert.ErrorIs(t, err, domain.ErrSessionExists)

	_, err = m.Get("missing")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	assert.Equal(t, domain.CodeSessionNotFound, domain.ErrorCodeOf(err))

	_, err = m.Open(ctx, "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestManagerSessionsAreIndependent(t *testing.T) {
	factory := &fakeFactory{}
	m := newTestManager(factory, nil)
	ctx := context.Background()
	t.Cleanup(func() { _ = m.CloseAll(ctx) })

	one, err := m.Open(ctx, "one")
	require.NoError(t, err)
	two, err := m.Open(ctx, "two")
	require.NoError(t, err)

	factory.channel("one").emit(t, domain.InboundTextDelta, domain.TextDeltaPayload{Text: "for one"})
	require.NoError(t, two.SendMessage(ctx, "for two", nil))

	eventually(t, func() bool { return one.Snapshot().StreamingText == "for one" }, "delta not routed")
	assert.Empty(t, one.Snapshot().Messages)
	assert.Empty(t, two.Snapshot().StreamingText)
	assert.Len(t, two.Snapshot().Messages, 1)
	assert.Len(t, factory.channel("two").pushed(), 1)
	assert.Empty(t, factory.channel("one").pushed())
}

func TestManagerOpenJoinFailure(t *testing.T) {
	m := newTestManager(&fakeFactory{joinErr: domain.ErrJoinFailed}, nil)

	_, err := m.Open(context.Background(), "s1")
	require.ErrorIs(t, err, domain.ErrJoinFailed)
	assert.Empty(t, m.List())
}

func TestManagerClose(t *testing.T) {
	factory := &fakeFactory{}
	bus := &recordingBus{}
	m := newTestManager(factory, bus)
	ctx := context.Background()

	s, err := m.Open(ctx, "s1")
	require.NoError(t, err)

	require.NoError(t, m.Close(ctx, "s1"))
	assert.True(t, factory.channel("s1").left)
	assert.Empty(t, m.List())
	assert.Equal(t, 1, bus.count(domain.EventSessionClosed))

	<-s.Done()
	assert.ErrorIs(t, s.SendMessage(ctx, "late", nil), domain.ErrSessionClosed)
	assert.ErrorIs(t, m.Close(ctx, "s1"), domain.ErrSessionNotFound)
}

func TestManagerCloseAll(t *testing.T) {
	m := newTestManager(&fakeFactory{}, nil)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := m.Open(ctx, id)
		require.NoError(t, err)
	}

	require.NoError(t, m.CloseAll(ctx))
	assert.Empty(t, m.List())
}

func TestManagerOffline(t *testing.T) {
	m := newTestManager(nil, nil)
	ctx := context.Background()
	t.Cleanup(func() { _ = m.CloseAll(ctx) })

	s, err := m.Open(ctx, "local")
	require.NoError(t, err)
	require.NoError(t, s.SendMessage(ctx, "hi", nil))
	assert.Len(t, s.Snapshot().Messages, 1)
}
