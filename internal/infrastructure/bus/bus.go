// Package bus delivers same-process notifications between review agents.
package bus

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/kirillkom/travel-expense-review/internal/core/domain"
)

type Handler func(ctx context.Context, msg domain.AgentMessage)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus fans a message out synchronously to every subscriber of its topic.
// Subscribing and unsubscribing never block concurrent publishes.
type Bus struct {
	mu     sync.Mutex
	topics atomic.Pointer[map[string][]subscription]
	nextID uint64
}

func New() *Bus {
	b := &Bus{}
	empty := map[string][]subscription{}
	b.topics.Store(&empty)
	return b
}

// Subscribe registers handler for topic and returns a func that removes it.
func (b *Bus) Subscribe(topic string, handler func(context.Context, domain.AgentMessage)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	next := b.cloneLocked()
	next[topic] = append(next[topic], subscription{id: id, handler: handler})
	b.topics.Store(&next)

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(topic, id) })
	}
}

func (b *Bus) unsubscribe(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := b.cloneLocked()
	subs := next[topic]
	kept := make([]subscription, 0, len(subs))
	for _, sub := range subs {
		if sub.id != id {
			kept = append(kept, sub)
		}
	}
	if len(kept) == 0 {
		delete(next, topic)
	} else {
		next[topic] = kept
	}
	b.topics.Store(&next)
}

func (b *Bus) cloneLocked() map[string][]subscription {
	current := *b.topics.Load()
	next := make(map[string][]subscription, len(current)+1)
	for topic, subs := range current {
		next[topic] = append([]subscription(nil), subs...)
	}
	return next
}

func (b *Bus) Publish(ctx context.Context, topic string, msg domain.AgentMessage) {
	subs := (*b.topics.Load())[topic]
	for _, sub := range subs {
		b.deliver(ctx, topic, sub, msg)
	}
}

func (b *Bus) deliver(ctx context.Context, topic string, sub subscription, msg domain.AgentMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("bus_handler_panic",
				"topic", topic,
				"report_id", msg.ReportID,
				"sender", msg.Sender,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
		}
	}()
	sub.handler(ctx, msg)
}
