// Package eventbus is an injected, in-memory fan-out of domain events.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Domain event types.
const (
	BroadcastCreated         = "broadcast.created"
	BroadcastFanoutCompleted = "broadcast.fanout_completed"
	BroadcastReplied         = "broadcast.replied"
)

// Event is a small domain signal. Publish never blocks; slow subscribers
// drop events.
type Event struct {
	Type string
	Time time.Time
	Data map[string]any
}

// Publisher is what producers depend on.
type Publisher interface {
	Publish(e Event)
}

// Bus adds subscription to Publisher.
type Bus interface {
	Publisher
	// Subscribe returns a channel receiving events of the given types, or
	// of every type when none are named.
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
	// Dropped counts deliveries skipped because a subscriber was full.
	Dropped() uint64
}

// New returns an in-memory bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[*subscription]struct{}{}}
}

type subscription struct {
	ch    chan Event
	types map[string]struct{}
}

func (s *subscription) wants(t string) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[*subscription]struct{}
	dropped atomic.Uint64
}

// Publish sends under the read lock. Unsubscribe closes under the write lock,
// so a channel is never closed mid-send.
func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if !sub.wants(e.Type) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	sub := &subscription{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		sub.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, sub)
			close(sub.ch)
		})
	}
}

func (b *memBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(Event) {}
