package aggregator

import (
	"sync"

	"github.com/pario-ai/tokmeter/pkg/models"
)

// DefaultRecentCapacity is the number of events the ring keeps when no
// capacity is configured.
const DefaultRecentCapacity = 500

// Ring is a bounded, concurrency-safe buffer of the most recent events.
type Ring struct {
	mu    sync.RWMutex
	buf   []models.PricedEvent
	next  int
	count int
}

// NewRing returns a ring holding at most capacity events.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultRecentCapacity
	}
	return &Ring{buf: make([]models.PricedEvent, capacity)}
}

// Push adds an event, evicting the oldest when full.
func (r *Ring) Push(e models.PricedEvent) {
	r.mu.Lock()
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
	r.mu.Unlock()
}

// Snapshot returns up to limit events, newest first. limit <= 0 returns all.
func (r *Ring) Snapshot(limit int) []models.PricedEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]models.PricedEvent, 0, n)
	for i := 1; i <= n; i++ {
		idx := (r.next - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}

// Len returns the number of buffered events.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Cap returns the ring capacity.
func (r *Ring) Cap() int {
	return len(r.buf)
}

// Reset replaces the contents with events given oldest first.
func (r *Ring) Reset(oldestFirst []models.PricedEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.buf)
	r.next, r.count = 0, 0
	if len(oldestFirst) > len(r.buf) {
		oldestFirst = oldestFirst[len(oldestFirst)-len(r.buf):]
	}
	for _, e := range oldestFirst {
		r.buf[r.next] = e
		r.next = (r.next + 1) % len(r.buf)
		r.count++
	}
}
