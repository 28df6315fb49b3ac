package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"synapsis/internal/domain"
)

// DefaultBufferSize is the per-subscriber queue length used by New.
const DefaultBufferSize = 1024

type delivery struct {
	ctx   context.Context
	event domain.Event
}

type subscription struct {
	id      uint64
	handler domain.EventHandler
	queue   chan delivery
	once    sync.Once
	dropped atomic.Uint64
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.queue) })
}

// Bus is an in-process, goroutine-safe event bus. Every subscriber owns a
// queue drained by its own goroutine, so each handler sees events in publish
// order. A subscriber that falls a full queue behind loses events rather than
// stalling the publisher.
type Bus struct {
	mu         sync.RWMutex
	typed      map[domain.EventType][]*subscription
	allSubs    []*subscription
	nextID     atomic.Uint64
	logger     *slog.Logger
	bufferSize int
	wg         sync.WaitGroup
	closed     atomic.Bool
	dropped    atomic.Uint64
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize sets the per-subscriber queue length.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// New creates an event bus.
func New(logger *slog.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		typed:      make(map[domain.EventType][]*subscription),
		logger:     logger.With("component", "eventbus"),
		bufferSize: DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish queues an event for matching typed subscribers, then all-event
// subscribers. It never blocks on a slow handler.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.typed[event.Type] {
		b.enqueue(ctx, event, sub)
	}
	for _, sub := range b.allSubs {
		b.enqueue(ctx, event, sub)
	}
}

// enqueue must run under at least a read lock so the queue cannot be closed
// concurrently.
func (b *Bus) enqueue(ctx context.Context, event domain.Event, sub *subscription) {
	select {
	case sub.queue <- delivery{ctx: ctx, event: event}:
	default:
		b.dropped.Add(1)
		if n := sub.dropped.Add(1); n == 1 || n%100 == 0 {
			b.logger.Warn("subscriber queue full, event dropped",
				"event", string(event.Type),
				"subscriber", sub.id,
				"dropped", n,
			)
		}
	}
}

// start must run under the write lock.
func (b *Bus) start(handler domain.EventHandler) *subscription {
	sub := &subscription{
		id:      b.nextID.Add(1),
		handler: handler,
		queue:   make(chan delivery, b.bufferSize),
	}
	b.wg.Add(1)
	go b.drain(sub)
	return sub
}

func (b *Bus) drain(sub *subscription) {
	defer b.wg.Done()
	for d := range sub.queue {
		b.invoke(sub, d)
	}
}

func (b *Bus) invoke(sub *subscription, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(d.event.Type),
				"subscriber", sub.id,
				"panic", r,
			)
		}
	}()
	sub.handler(d.ctx, d.event)
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		return func() {}
	}
	sub := b.start(handler)
	b.typed[eventType] = append(b.typed[eventType], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.typed[eventType]
		for i, s := range subs {
			if s.id == sub.id {
				b.typed[eventType] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		sub.stop()
	}
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		return func() {}
	}
	sub := b.start(handler)
	b.allSubs = append(b.allSubs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.allSubs {
			if s.id == sub.id {
				b.allSubs = append(b.allSubs[:i:i], b.allSubs[i+1:]...)
				break
			}
		}
		sub.stop()
	}
}

// Dropped returns how many deliveries were lost to full subscriber queues.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close prevents new publishes, lets every subscriber finish its queued
// events and waits for them. Close is idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}

	b.mu.Lock()
	for _, subs := range b.typed {
		for _, sub := range subs {
			sub.stop()
		}
	}
	for _, sub := range b.allSubs {
		sub.stop()
	}
	b.typed = make(map[domain.EventType][]*subscription)
	b.allSubs = nil
	b.mu.Unlock()

	b.wg.Wait()
}
