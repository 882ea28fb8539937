// Package hub fans slot change events out to live-update subscribers.
//
// Delivery is best-effort: Publish never blocks. Each subscriber has a small
// buffered channel; a subscriber whose buffer is full is considered dead and
// is removed, and its channel is closed so the transport can hang up and let
// the client reconnect. There is no replay.
package hub

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"slotwall/internal/metrics"
	"slotwall/internal/slots"
)

// DefaultBuffer is the per-subscriber backlog when Options.Buffer is unset.
const DefaultBuffer = 16

type Options struct {
	// Buffer is the per-subscriber backlog. Default: DefaultBuffer.
	Buffer  int
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Subscription is one registered push channel. Only the hub sends on or
// closes it.
type Subscription struct {
	ID      string
	Created time.Time

	ch     chan slots.ChangeEvent
	closed bool // guarded by Hub.mu
}

// Events yields change events in publish order. It is closed when the
// subscription is removed by Unsubscribe, by overflow, or by Hub.Close.
func (s *Subscription) Events() <-chan slots.ChangeEvent { return s.ch }

type Hub struct {
	buffer  int
	log     *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	subs   map[string]*Subscription
	closed bool
}

// New returns an open hub with no subscribers.
func New(opts Options) *Hub {
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Hub{
		buffer:  opts.Buffer,
		log:     opts.Logger,
		metrics: opts.Metrics,
		subs:    make(map[string]*Subscription),
	}
}

// Subscribe registers a new subscriber. It receives only events published
// after this call returns. After Close the returned subscription is already
// closed.
func (h *Hub) Subscribe() *Subscription {
	sub := &Subscription{
		ID:      uuid.NewString(),
		Created: time.Now(),
		ch:      make(chan slots.ChangeEvent, h.buffer),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.closed = true
		close(sub.ch)
		return sub
	}
	h.subs[sub.ID] = sub
	h.metrics.SubscriberAdded()
	h.log.Debug("subscriber added", "subscriber_id", sub.ID, "subscribers", len(h.subs))
	return sub
}

// Publish delivers ev to every registered subscriber without blocking.
func (h *Hub) Publish(ev slots.ChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.metrics.EventPublished()
	for id, sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			h.removeLocked(sub)
			h.metrics.SubscriberDropped()
			h.log.Warn("subscriber backlog full, dropping",
				"subscriber_id", id,
				"slot", ev.Slot,
				"version", ev.Version,
			)
		}
	}
}

// Unsubscribe removes sub. Safe to call more than once, and after the hub
// already dropped it.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.closed {
		return
	}
	h.removeLocked(sub)
	h.log.Debug("subscriber removed", "subscriber_id", sub.ID, "subscribers", len(h.subs))
}

func (h *Hub) removeLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
	if _, ok := h.subs[sub.ID]; ok {
		delete(h.subs, sub.ID)
		h.metrics.SubscriberRemoved()
	}
}

// Len returns the number of registered subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close removes every subscriber and rejects new ones. Used on shutdown so
// long-lived streams return.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, sub := range h.subs {
		h.removeLocked(sub)
	}
}
