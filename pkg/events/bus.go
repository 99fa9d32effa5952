// Package events is the in-process notification bus between the watcher and
// whoever displays its results.
package events

import (
	"sync"

	"github.com/uhyunpark/limitwatch/pkg/order"
)

type Kind string

const (
	// RateChanged carries no payload. Subscribers re-read the rate themselves.
	RateChanged  Kind = "rate_changed"
	OrderUpdated Kind = "order_updated"
)

type Event struct {
	Kind  Kind
	Order *order.LimitOrder
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber whose
// buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a buffered channel of events and a func that detaches it.
// The channel is closed on unsubscribe or when the bus closes.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *Bus) PublishRateChanged() { b.Publish(Event{Kind: RateChanged}) }

func (b *Bus) PublishOrder(o order.LimitOrder) {
	b.Publish(Event{Kind: OrderUpdated, Order: &o})
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
