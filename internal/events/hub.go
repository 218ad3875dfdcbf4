// Package events is the in-process pub/sub behind the live delivery stream.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published on the hub.
const (
	TypeDeliveryAccepted    = "delivery.accepted"
	TypeJobFailed           = "job.failed"
	TypeSubscriptionRenewed = "subscription.renewed"
)

type Event struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"`
	AccountID string    `json:"account_id,omitempty"`
	At        time.Time `json:"at"`
	Data      []byte    `json:"data"`
}

// Notification describes an accepted webhook delivery.
type Notification struct {
	AccountID   string   `json:"account_id"`
	EventGroup  string   `json:"event_group"`
	EventType   string   `json:"event_type"`
	EventID     string   `json:"event_id,omitempty"`
	ResourceIDs []string `json:"resource_ids"`
	Recorded    int      `json:"recorded"`
	JobID       string   `json:"job_id"`
}

// Hub is an in-memory pub/sub with a small ring buffer for late clients.
type Hub struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]chan Event
	nextSubID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

// Accepted publishes a delivery notification. It never fails, so it can sit
// behind the webhook observer hook.
func (h *Hub) Accepted(_ context.Context, n Notification) error {
	h.Publish(TypeDeliveryAccepted, n.AccountID, n)
	return nil
}

func (h *Hub) Publish(eventType, accountID string, data any) {
	id := h.nextID.Add(1)

	payload := []byte("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	ev := Event{
		ID:        id,
		Type:      eventType,
		AccountID: accountID,
		At:        time.Now().UTC(),
		Data:      payload,
	}

	h.mu.Lock()
	h.pushLocked(ev)
	for _, ch := range h.subs {
		// Slow clients drop events instead of blocking producers.
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 64)
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

// SnapshotSince returns buffered events with ID > lastID, oldest-first.
// If lastID is 0, the full ring buffer snapshot is returned.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if lastID == 0 || ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = ev
		h.size++
		return
	}
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
