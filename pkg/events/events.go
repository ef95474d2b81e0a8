package events

import (
	"context"
	"sync"
	"time"
)

// Event kinds emitted by the chat lifecycle.
const (
	KindMessageCompleted = "message.completed"
	KindMessageFailed    = "message.failed"
	KindConversationNew  = "conversation.created"
)

// ChatEvent describes one lifecycle transition for downstream consumers
// (notification fanout, analytics).
type ChatEvent struct {
	Kind           string    `json:"kind"`
	UserID         string    `json:"userId"`
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId,omitempty"`
	Error          string    `json:"error,omitempty"`
	OccurredAt     time.Time `json:"occurredAt"`
}

// Publisher delivers chat events. Delivery is best-effort: callers log
// failures but never fail the originating request.
type Publisher interface {
	Publish(ctx context.Context, event ChatEvent) error
	Close() error
}

// NopPublisher discards all events.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, ChatEvent) error { return nil }
func (NopPublisher) Close() error                             { return nil }

// Bus is an in-process publisher that fans events out to subscribers.
// Slow subscribers drop events rather than block the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan ChatEvent
	next int
}

// NewBus builds an empty in-process event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan ChatEvent)}
}

// Subscribe registers a consumer. The returned cancel func must be called
// on every consumer exit path.
func (b *Bus) Subscribe(buffer int) (<-chan ChatEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan ChatEvent, buffer)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()
	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers the event to all subscribers without blocking.
func (b *Bus) Publish(_ context.Context, event ChatEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

// Close drops all subscribers.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	return nil
}

// Fanout publishes to multiple publishers, returning the first error.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, event ChatEvent) error {
	var firstErr error
	for _, p := range f {
		if err := p.Publish(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f Fanout) Close() error {
	var firstErr error
	for _, p := range f {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
