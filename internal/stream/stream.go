// Package stream fans audit entries out to in-process subscribers so
// the admin event feed and the anomaly detector see activity as it is
// recorded, without polling the store.
package stream

import (
	"context"
	"sync"

	"kassa.app/internal/audit"
)

const (
	subscriberBuffer = 16
	recentCapacity   = 64
)

// Broker fan-outs entries to all active subscribers and keeps a short
// replay ring so a subscriber connecting late still sees recent
// activity.
type Broker struct {
	mu     sync.RWMutex
	subs   map[int]chan audit.Entry
	next   int
	recent []audit.Entry
}

// New initialises an empty broker.
func New() *Broker {
	return &Broker{subs: make(map[int]chan audit.Entry)}
}

// Subscribe registers a subscriber and returns a channel which will
// receive entries published after the call. The channel is closed when
// the provided context ends.
func (b *Broker) Subscribe(ctx context.Context) <-chan audit.Entry {
	ch := make(chan audit.Entry, subscriberBuffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the entry to all subscribers and records it in the
// replay ring.
func (b *Broker) Publish(e audit.Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.recent = append(b.recent, e)
	if len(b.recent) > recentCapacity {
		b.recent = b.recent[len(b.recent)-recentCapacity:]
	}

	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Drop when subscriber is slow to avoid blocking the
			// audit path.
		}
	}
}

// Recent returns a copy of the replay ring, oldest first.
func (b *Broker) Recent() []audit.Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]audit.Entry, len(b.recent))
	copy(out, b.recent)
	return out
}
