// Package bus is the in-process event channel between the core components.
// Publishers hand off immutable events; subscribers receive them on buffered
// channels filtered by kind. Delivery is at-least-once for the process
// lifetime: a full subscriber channel blocks the publisher rather than drop.
package bus

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/mExOms/fxcore/pkg/types"
)

const defaultBuffer = 1024

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	id    uint64
	kinds map[types.EventKind]struct{}
	ch    chan types.Event
	bus   *Bus
	once  sync.Once
}

// Events returns the channel events arrive on. The channel closes when the
// subscription or the bus is closed.
func (s *Subscription) Events() <-chan types.Event {
	return s.ch
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s.id)
		close(s.ch)
	})
}

func (s *Subscription) wants(kind types.EventKind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

// Bus fans events out to subscribers.
type Bus struct {
	mu        sync.RWMutex
	subs      map[uint64]*Subscription
	nextID    atomic.Uint64
	buffer    int
	closed    bool
	published atomic.Uint64
	logger    *logrus.Entry
}

// New creates a bus. buffer <= 0 selects the default subscriber buffer.
func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Bus{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
		logger: logrus.WithField("component", "bus"),
	}
}

// Subscribe registers a subscriber for the given kinds. No kinds means every
// event.
func (b *Bus) Subscribe(kinds ...types.EventKind) *Subscription {
	sub := &Subscription{
		id:  b.nextID.Add(1),
		ch:  make(chan types.Event, b.buffer),
		bus: b,
	}
	if len(kinds) > 0 {
		sub.kinds = make(map[types.EventKind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers the event to every matching subscriber. A slow subscriber
// applies back-pressure instead of losing events. Sends happen under the read
// lock so Close cannot tear a channel down mid-delivery.
func (b *Bus) Publish(ev types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.published.Add(1)

	for _, sub := range b.subs {
		if !sub.wants(ev.Kind()) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.logger.WithField("kind", ev.Kind()).
				Warn("subscriber buffer full, publish blocking")
			sub.ch <- ev
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		sub.once.Do(func() { close(sub.ch) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Published returns the number of events accepted so far.
func (b *Bus) Published() uint64 {
	return b.published.Load()
}

// SubscriberCount returns the number of attached subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
