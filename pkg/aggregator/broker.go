package aggregator

import (
	"sync"
	"time"

	"github.com/pario-ai/tokmeter/pkg/models"
)

// ChangeKind describes what changed in the store.
type ChangeKind string

const (
	ChangeEvents  ChangeKind = "events"
	ChangeRebuild ChangeKind = "rebuild"
)

// Change is published after the store has durably changed. Subscribers should
// treat it as a signal to re-query; slow subscribers only see the latest one.
type Change struct {
	Kind   ChangeKind
	Events []models.PricedEvent
	At     time.Time
}

// Broker fans change notifications out to subscribers without ever blocking
// the publisher.
type Broker struct {
	mu   sync.Mutex
	subs map[chan Change]struct{}
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[chan Change]struct{})}
}

// Subscribe returns a channel of changes and a function that unsubscribes.
func (b *Broker) Subscribe() (<-chan Change, func()) {
	ch := make(chan Change, 1)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers c to every subscriber, replacing an undelivered older change.
func (b *Broker) Publish(c Change) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- c:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- c:
		default:
		}
	}
}
