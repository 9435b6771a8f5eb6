// Package events is the in-process status channel the sync manager,
// orchestrator and capture path use to report state transitions to observers.
package events

import (
	"sync"
	"time"
)

// Kind identifies the type of an Event.
type Kind string

const (
	SyncState             Kind = "sync.state"
	SyncProgress          Kind = "sync.progress"
	SyncComplete          Kind = "sync.complete"
	ItemFailed            Kind = "item.failed"
	ItemRetryScheduled    Kind = "item.retry_scheduled"
	ItemGivenUp           Kind = "item.given_up"
	ProviderAttemptFailed Kind = "provider.attempt_failed"
	ProviderFallback      Kind = "provider.fallback"
	NetworkChanged        Kind = "network.changed"
	CaptureQueued         Kind = "capture.queued"
	CaptureAnalyzed       Kind = "capture.analyzed"
)

// Event is a single state transition. Fields not relevant to Kind are zero.
type Event struct {
	Kind      Kind      `json:"kind"`
	State     string    `json:"state,omitempty"`
	Remaining int       `json:"remaining,omitempty"`
	Succeeded int       `json:"succeeded,omitempty"`
	Failed    int       `json:"failed,omitempty"`
	ItemID    string    `json:"item_id,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Retries   int       `json:"retries,omitempty"`
	Delay     string    `json:"delay,omitempty"`
	Online    *bool     `json:"online,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Message   string    `json:"message,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher is the write side of a Bus.
type Publisher interface {
	Publish(ev Event)
}

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	next   int
	closed bool
	now    func() time.Time
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event), now: time.Now}
}

// Subscribe registers a new observer with the given channel buffer and
// returns the channel plus a function that removes the subscription and
// closes the channel. The unsubscribe function is safe to call more than once.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers ev to every subscriber that has buffer room.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = b.now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribers returns the current number of subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later subscriptions receive an
// already-closed channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}
