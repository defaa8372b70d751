// Package eventbus is an in-process publish/subscribe bus for exchange and
// session events.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"codechat/internal/domain"
)

var _ domain.EventBus = (*Bus)(nil)

type envelope struct {
	ctx   context.Context
	event domain.Event
}

// subscription owns a mailbox so that one subscriber sees events in publish
// order while different subscribers run independently.
type subscription struct {
	id      uint64
	handler domain.EventHandler

	mu      sync.Mutex
	queue   []envelope
	running bool
}

// Bus is an in-process, goroutine-safe event bus. Handlers never run on the
// publisher's goroutine.
type Bus struct {
	mu      sync.RWMutex
	typed   map[domain.EventType][]*subscription
	allSubs []*subscription
	nextID  atomic.Uint64
	logger  *slog.Logger
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		typed:  make(map[domain.EventType][]*subscription),
		logger: logger,
	}
}

// Publish queues event for matching typed subscribers and all-event
// subscribers. Panicking handlers are recovered.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.typed[event.Type])+len(b.allSubs))
	targets = append(targets, b.typed[event.Type]...)
	targets = append(targets, b.allSubs...)
	b.mu.RUnlock()

	for _, sub := range targets {
		b.enqueue(sub, envelope{ctx: ctx, event: event})
	}
}

func (b *Bus) enqueue(sub *subscription, env envelope) {
	sub.mu.Lock()
	sub.queue = append(sub.queue, env)
	if sub.running {
		sub.mu.Unlock()
		return
	}
	sub.running = true
	sub.mu.Unlock()

	b.wg.Add(1)
	go b.drain(sub)
}

// drain delivers queued events until the mailbox is empty.
func (b *Bus) drain(sub *subscription) {
	defer b.wg.Done()
	for {
		sub.mu.Lock()
		if len(sub.queue) == 0 {
			sub.running = false
			sub.mu.Unlock()
			return
		}
		env := sub.queue[0]
		sub.queue[0] = envelope{}
		sub.queue = sub.queue[1:]
		sub.mu.Unlock()

		b.deliver(sub, env)
	}
}

func (b *Bus) deliver(sub *subscription, env envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(env.event.Type),
				"panic", r,
			)
		}
	}()
	sub.handler(env.ctx, env.event)
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	sub := &subscription{id: b.nextID.Add(1), handler: handler}

	b.mu.Lock()
	b.typed[eventType] = append(b.typed[eventType], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.typed[eventType] = without(b.typed[eventType], sub.id)
	}
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	sub := &subscription{id: b.nextID.Add(1), handler: handler}

	b.mu.Lock()
	b.allSubs = append(b.allSubs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.allSubs = without(b.allSubs, sub.id)
	}
}

func without(subs []*subscription, id uint64) []*subscription {
	out := make([]*subscription, 0, len(subs))
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// Close prevents new publishes and waits for queued events to be delivered.
// Close is idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.wg.Wait()
}
