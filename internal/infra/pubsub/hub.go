package pubsub

import (
	"context"
	"log/slog"
	"sync"

	domain "github.com/bryanwahyu/osintscan/internal/domain/scans"
)

// Hub fans scan events out to in-process subscribers, keyed by scan id.
// Slow subscribers lose events rather than stall the publisher.
type Hub struct {
	mu     sync.RWMutex
	subs   map[domain.ScanID]map[chan domain.Event]struct{}
	buffer int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{subs: map[domain.ScanID]map[chan domain.Event]struct{}{}, buffer: buffer}
}

// Publish never blocks and never fails.
func (h *Hub) Publish(ctx context.Context, evt domain.Event) error {
	h.deliver(ctx, evt)
	return nil
}

func (h *Hub) deliver(ctx context.Context, evt domain.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[evt.ScanID] {
		select {
		case ch <- evt:
		default:
			slog.WarnContext(ctx, "Dropping scan event for slow subscriber.", slog.String("scan_id", string(evt.ScanID)))
		}
	}
}

// Subscribe returns a channel of events for id and a func that unsubscribes
// and closes the channel. The func is safe to call more than once.
func (h *Hub) Subscribe(id domain.ScanID) (<-chan domain.Event, func()) {
	ch := make(chan domain.Event, h.buffer)

	h.mu.Lock()
	set, ok := h.subs[id]
	if !ok {
		set = map[chan domain.Event]struct{}{}
		h.subs[id] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[id], ch)
			if len(h.subs[id]) == 0 {
				delete(h.subs, id)
			}
			close(ch)
		})
	}
}

// Subscribers reports how many listeners id currently has.
func (h *Hub) Subscribers(id domain.ScanID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[id])
}
