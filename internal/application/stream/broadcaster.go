// Package stream fans session events out to live subscribers (SSE
// clients and the event bus bridge) without ever blocking a publisher.
package stream

import (
	"sync"
	"time"

	"oneui/internal/shared/logger"
)

// Event is one item on the session stream.
type Event struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data,omitempty"`
}

// Interval clamps a requested streaming interval into the configured
// bounds; zero or negative requests take the default.
func Interval(requestedMs, defaultMs, minMs, maxMs int) time.Duration {
	if minMs <= 0 {
		minMs = 500
	}
	if maxMs < minMs {
		maxMs = 10000
	}
	if defaultMs < minMs || defaultMs > maxMs {
		defaultMs = minMs
	}
	ms := requestedMs
	switch {
	case ms <= 0:
		ms = defaultMs
	case ms < minMs:
		ms = minMs
	case ms > maxMs:
		ms = maxMs
	}
	return time.Duration(ms) * time.Millisecond
}

type subscriber struct {
	ch      chan Event
	dropped uint64
}

// Broadcaster delivers events to every subscriber over a bounded buffer.
// A slow subscriber loses its oldest events, never the publisher's time.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[uint64]*subscriber
	nextID uint64
	buffer int
	logger logger.Interface
}

func NewBroadcaster(buffer int, log logger.Interface) *Broadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broadcaster{
		subs:   make(map[uint64]*subscriber),
		buffer: buffer,
		logger: log.Named("stream"),
	}
}

// Subscribe registers a new subscriber. The cancel func is idempotent and
// closes the returned channel.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, b.buffer)}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
			if sub.dropped > 0 {
				b.logger.Debugw("subscriber closed with dropped events",
					"subscriber", id, "dropped", sub.dropped)
			}
		})
	}
	return sub.ch, cancel
}

// Publish enqueues the event for every subscriber, dropping each full
// subscriber's oldest event to make room. Never blocks.
func (b *Broadcaster) Publish(event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- event:
			continue
		default:
		}
		// Buffer full: evict the oldest entry, then retry once.
		select {
		case <-sub.ch:
			sub.dropped++
		default:
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
}

// Subscribers reports the current subscriber count.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
