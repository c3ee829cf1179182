// Package events fans engine activity out to interested components over
// bounded per-category buses. Delivery is FIFO per subscriber. The
// operations bus never drops (publishers block on a full subscriber);
// presence and lock buses drop the oldest queued event instead, since
// only the latest state matters there.
package events

import (
	"sync"
	"time"

	"github.com/adalundhe/liveshare/core/document"
)

// Policy controls what Publish does when a subscriber queue is full.
type Policy int

const (
	// Block waits for room. Used for operations, which must never drop.
	Block Policy = iota

	// DropOldest evicts the oldest queued event to admit the new one.
	DropOldest
)

// DefaultCapacity is the per-subscriber queue depth.
const DefaultCapacity = 256

// =============================================================================
// Event payloads
// =============================================================================

// OperationEvent is one applied edit.
type OperationEvent struct {
	FileName string
	Entry    document.LogEntry
}

// PresenceInfo is the engine-side view of one participant.
type PresenceInfo struct {
	ClientID       string
	DisplayName    string
	ColorTag       string
	ActiveDocument string
	LastSeenAt     time.Time
}

// PresenceEvent is a full participant-list refresh.
type PresenceEvent struct {
	Clients []PresenceInfo
}

// LockEvent is a line lock grant or release; an empty ClientID means
// the line is free.
type LockEvent struct {
	FileName  string
	Line      int
	ClientID  string
	Timestamp time.Time
}

// =============================================================================
// Bus
// =============================================================================

// subscriber pairs an event queue with a done signal so a blocked
// publisher can be released without racing the channel close.
type subscriber[T any] struct {
	ch   chan T
	done chan struct{}
	wg   sync.WaitGroup // in-flight sends; ch closes only once it drains
}

// Bus is a bounded fan-out channel for one event category.
type Bus[T any] struct {
	policy   Policy
	capacity int

	mu     sync.Mutex
	subs   map[string]*subscriber[T]
	closed bool
}

// NewBus creates a bus with the given back-pressure policy.
func NewBus[T any](policy Policy, capacity int) *Bus[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus[T]{
		policy:   policy,
		capacity: capacity,
		subs:     make(map[string]*subscriber[T]),
	}
}

// Subscribe registers a subscriber and returns its event channel. The
// channel is closed on Unsubscribe or bus Close.
func (b *Bus[T]) Subscribe(id string) <-chan T {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		ch := make(chan T)
		close(ch)
		return ch
	}
	old := b.subs[id]
	s := &subscriber[T]{
		ch:   make(chan T, b.capacity),
		done: make(chan struct{}),
	}
	b.subs[id] = s
	b.mu.Unlock()

	if old != nil {
		old.release()
	}
	return s.ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus[T]) Unsubscribe(id string) {
	b.mu.Lock()
	s, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if ok {
		s.release()
	}
}

// Publish delivers event to every subscriber, FIFO per subscriber,
// applying the bus policy when a queue is full. Sends happen outside
// the bus lock, so a subscriber that stops draining wedges only its
// own delivery and Unsubscribe or Close can still release it.
func (b *Bus[T]) Publish(event T) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	snapshot := make([]*subscriber[T], 0, len(b.subs))
	for _, s := range b.subs {
		s.wg.Add(1)
		snapshot = append(snapshot, s)
	}
	b.mu.Unlock()

	for _, s := range snapshot {
		switch b.policy {
		case Block:
			select {
			case s.ch <- event:
			case <-s.done:
			}
		case DropOldest:
			for {
				select {
				case s.ch <- event:
				case <-s.done:
				default:
					select {
					case <-s.ch:
					default:
					}
					continue
				}
				break
			}
		}
		s.wg.Done()
	}
}

// release unblocks in-flight sends, waits them out, and closes the
// event channel. Must be called after the subscriber left the map.
func (s *subscriber[T]) release() {
	close(s.done)
	s.wg.Wait()
	close(s.ch)
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscriber[T], 0, len(b.subs))
	for id, s := range b.subs {
		subs = append(subs, s)
		delete(b.subs, id)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.release()
	}
}

// =============================================================================
// Hub
// =============================================================================

// Hub bundles the three engine buses.
type Hub struct {
	Operations *Bus[OperationEvent]
	Presence   *Bus[PresenceEvent]
	Locks      *Bus[LockEvent]
}

// NewHub creates the standard bus set.
func NewHub() *Hub {
	return &Hub{
		Operations: NewBus[OperationEvent](Block, DefaultCapacity),
		Presence:   NewBus[PresenceEvent](DropOldest, DefaultCapacity),
		Locks:      NewBus[LockEvent](DropOldest, DefaultCapacity),
	}
}

// Close shuts down all buses.
func (h *Hub) Close() {
	h.Operations.Close()
	h.Presence.Close()
	h.Locks.Close()
}
