package hub

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slotwall/internal/metrics"
	"slotwall/internal/slots"
)

func newTestHub(buffer int) *Hub {
	return New(Options{
		Buffer:  buffer,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics: metrics.New(prometheus.NewRegistry()),
	})
}

func recv(t *testing.T, sub *Subscription) slots.ChangeEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return slots.ChangeEvent{}
	}
}

func assertEmpty(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if ok {
			t.Fatalf("unexpected event %+v", ev)
		}
	default:
	}
}

func TestHub_FanOutToAllSubscribers(t *testing.T) {
	h := newTestHub(4)
	a := h.Subscribe()
	b := h.Subscribe()
	require.Equal(t, 2, h.Len())

	h.Publish(slots.ChangeEvent{Slot: 3, Version: 1})

	assert.Equal(t, slots.ChangeEvent{Slot: 3, Version: 1}, recv(t, a))
	assert.Equal(t, slots.ChangeEvent{Slot: 3, Version: 1}, recv(t, b))

	// A late subscriber gets nothing until the next change.
	c := h.Subscribe()
	assertEmpty(t, c)

	h.Publish(slots.ChangeEvent{Slot: 3, Version: 2})
	assert.Equal(t, uint64(2), recv(t, c).Version)
}

func TestHub_NoReplay(t *testing.T) {
	h := newTestHub(4)
	h.Publish(slots.ChangeEvent{Slot: 1, Version: 1})

	sub := h.Subscribe()
	h.Publish(slots.ChangeEvent{Slot: 1, Version: 2})

	assert.Equal(t, slots.ChangeEvent{Slot: 1, Version: 2}, recv(t, sub))
	assertEmpty(t, sub)
}

func TestHub_PublishWithNoSubscribers(t *testing.T) {
	h := newTestHub(1)
	assert.NotPanics(t, func() {
		h.Publish(slots.ChangeEvent{Slot: 1, Version: 1})
	})
}

func TestHub_SlowSubscriberIsIsolated(t *testing.T) {
	h := newTestHub(2)
	slow := h.Subscribe()
	fast := h.Subscribe()

	for v := uint64(1); v <= 3; v++ {
		h.Publish(slots.ChangeEvent{Slot: 1, Version: v})
		assert.Equal(t, v, recv(t, fast).Version)
	}

	// slow never read: its buffer of 2 overflowed on the third event.
	assert.Equal(t, 1, h.Len())
	var got []uint64
	for ev := range slow.Events() {
		got = append(got, ev.Version)
	}
	assert.Equal(t, []uint64{1, 2}, got)

	h.Publish(slots.ChangeEvent{Slot: 1, Version: 4})
	assert.Equal(t, uint64(4), recv(t, fast).Version)
}

func TestHub_UnsubscribeIdempotent(t *testing.T) {
	h := newTestHub(1)
	sub := h.Subscribe()
	h.Unsubscribe(sub)
	h.Unsubscribe(sub)
	h.Unsubscribe(nil)
	assert.Equal(t, 0, h.Len())

	_, ok := <-sub.Events()
	assert.False(t, ok)

	// Dropped by overflow, then unsubscribed by its handler.
	dropped := h.Subscribe()
	h.Publish(slots.ChangeEvent{Slot: 1, Version: 1})
	h.Publish(slots.ChangeEvent{Slot: 1, Version: 2})
	assert.NotPanics(t, func() { h.Unsubscribe(dropped) })
	assert.Equal(t, 0, h.Len())
}

func TestHub_Close(t *testing.T) {
	h := newTestHub(1)
	sub := h.Subscribe()
	h.Close()
	h.Close()

	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.Equal(t, 0, h.Len())

	late := h.Subscribe()
	_, ok = <-late.Events()
	assert.False(t, ok)
	assert.NotPanics(t, func() {
		h.Publish(slots.ChangeEvent{Slot: 1, Version: 1})
		h.Unsubscribe(late)
	})
}

func TestHub_PerSubscriberOrder(t *testing.T) {
	const n = 100
	h := newTestHub(2 * n)
	sub := h.Subscribe()

	var wg sync.WaitGroup
	for slot := 1; slot <= 2; slot++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			for v := uint64(1); v <= n; v++ {
				h.Publish(slots.ChangeEvent{Slot: slot, Version: v})
			}
		}(slot)
	}
	wg.Wait()
	h.Unsubscribe(sub)

	last := map[int]uint64{}
	count := 0
	for ev := range sub.Events() {
		assert.Equal(t, last[ev.Slot]+1, ev.Version, "slot %d out of order", ev.Slot)
		last[ev.Slot] = ev.Version
		count++
	}
	assert.Equal(t, 2*n, count)
}
