// Package events is an in-memory pub/sub feed of queue and bridge activity,
// consumed by the operator SSE endpoint and the watch TUI. Delivery is
// best-effort; the ledger on disk remains the source of truth.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Well-known event types published by the service.
const (
	TypeJobQueued       = "job.queued"
	TypeJobClaimed      = "job.claimed"
	TypeJobCompleted    = "job.completed"
	TypeJobExpired      = "job.expired"
	TypeBridgeHeartbeat = "bridge.heartbeat"
)

// Event is one feed entry. Data is pre-encoded JSON.
type Event struct {
	ID   int64     `json:"id"`
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data []byte    `json:"data"`
}

// Hub fans events out to subscribers and keeps a small replay buffer so a
// reconnecting client can catch up via Last-Event-ID.
type Hub struct {
	nextID atomic.Int64

	mu     sync.Mutex
	buffer []Event
	start  int
	size   int

	subs      map[int]chan Event
	nextSubID int
}

// NewHub creates a Hub with the given replay capacity.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 64
	}
	return &Hub{
		buffer: make([]Event, capacity),
		subs:   make(map[int]chan Event),
	}
}

// Publish encodes data and delivers the event to all subscribers. Slow
// subscribers lose events rather than blocking the publisher.
func (h *Hub) Publish(eventType string, data any) {
	payload := []byte("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	ev := Event{
		ID:   h.nextID.Add(1),
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}

	h.mu.Lock()
	h.remember(ev)
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

// Subscribe returns a channel of future events and a cancel func that must
// be called when the subscriber goes away.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 32)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Since returns buffered events with ID > lastID, oldest first. lastID 0
// returns the whole buffer.
func (h *Hub) Since(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.buffer[(h.start+i)%len(h.buffer)]
		if lastID == 0 || ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

// remember appends to the ring, overwriting the oldest entry when full.
// Caller holds h.mu.
func (h *Hub) remember(ev Event) {
	capacity := len(h.buffer)
	if capacity == 0 {
		return
	}
	if h.size < capacity {
		h.buffer[(h.start+h.size)%capacity] = ev
		h.size++
		return
	}
	h.buffer[h.start] = ev
	h.start = (h.start + 1) % capacity
}
