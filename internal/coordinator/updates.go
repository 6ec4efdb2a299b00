package coordinator

import (
	"sync"
	"time"

	"parkwatch/internal/metrics"
	"parkwatch/internal/occupancy"
)

// Update is published after every processed frame and every command that
// changes the occupancy table.
type Update struct {
	Timestamp    time.Time          `json:"timestamp"`
	Total        int                `json:"total"`
	Free         int                `json:"free"`
	Occupied     int                `json:"occupied"`
	VehicleCount int                `json:"vehicle_count"`
	Records      []occupancy.Record `json:"records"`
}

// UpdateBus fans updates out to bounded subscriber channels.
// Slow subscribers lose updates instead of stalling the frame loop.
type UpdateBus struct {
	mu          sync.RWMutex
	subscribers map[*subscription]struct{}
	metrics     *metrics.ParkingMetrics
}

type subscription struct {
	ch chan *Update
}

// NewUpdateBus creates an empty bus. m may be nil.
func NewUpdateBus(m *metrics.ParkingMetrics) *UpdateBus {
	return &UpdateBus{
		subscribers: make(map[*subscription]struct{}),
		metrics:     m,
	}
}

// Subscribe returns a channel with the given buffer and an unsubscribe
// function that closes it.
func (b *UpdateBus) Subscribe(bufferSize int) (<-chan *Update, func()) {
	if bufferSize <= 0 {
		bufferSize = 16
	}

	sub := &subscription{ch: make(chan *Update, bufferSize)}

	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			close(sub.ch)
		}
		b.mu.Unlock()
	}
	return sub.ch, unsubscribe
}

// Publish delivers u to every subscriber without blocking.
func (b *UpdateBus) Publish(u *Update) {
	if u == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub.ch <- u:
		default:
			b.metrics.RecordDroppedUpdate()
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *UpdateBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes everyone and closes their channels.
func (b *UpdateBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, sub)
	}
}
