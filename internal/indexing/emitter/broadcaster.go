package emitter

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/vietddude/blockstor/internal/core/domain"
)

const defaultSubscriberBuffer = 256

// Subscription is one subscriber's event stream. C is closed when the
// subscription is cancelled or the broadcaster closes.
type Subscription struct {
	ID uuid.UUID
	C  <-chan Message

	ch    chan Message
	kinds map[string]struct{}
}

func (s *Subscription) wants(kind string) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

// Broadcaster is an in-process Emitter that fans events out to subscribers.
// A subscriber whose buffer is full misses the event rather than blocking
// the sync engine.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[uuid.UUID]*Subscription
	closed bool
	log    *slog.Logger
}

var _ Emitter = (*Broadcaster)(nil)

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs: make(map[uuid.UUID]*Subscription),
		log:  slog.Default().With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for the given kinds, or every kind when
// none are given. buffer <= 0 uses the default size.
func (b *Broadcaster) Subscribe(buffer int, kinds ...string) *Subscription {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan Message, buffer)
	sub := &Subscription{
		ID:    uuid.New(),
		C:     ch,
		ch:    ch,
		kinds: make(map[string]struct{}, len(kinds)),
	}
	for _, k := range kinds {
		sub.kinds[k] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Subscribers returns the number of active subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Broadcaster) publish(kind string, payload any) {
	msg := Message{Kind: kind, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, sub := range b.subs {
		if !sub.wants(kind) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			b.log.Warn("subscriber lagging, event dropped", "subscriber", id, "kind", kind)
		}
	}
}

func (b *Broadcaster) EmitBlock(_ context.Context, event *domain.BlockEvent) error {
	b.publish(KindBlock, event)
	return nil
}

func (b *Broadcaster) EmitRollback(_ context.Context, event *domain.RollbackEvent) error {
	b.publish(KindRollback, event)
	return nil
}

func (b *Broadcaster) EmitMempool(_ context.Context, event *domain.MempoolEvent) error {
	b.publish(KindMempool, event)
	return nil
}

func (b *Broadcaster) EmitStatus(_ context.Context, event *domain.StatusEvent) error {
	b.publish(KindStatus, event)
	return nil
}

// Close closes every subscription.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	return nil
}
