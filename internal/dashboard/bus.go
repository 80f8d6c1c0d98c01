// Package dashboard holds the interactive parts of the concept dashboard
// (list actions, creation form, assistant, stats) independent of how they
// are rendered.
package dashboard

import (
	"sync"
)

// Command is a typed request passed between dashboard components.
type Command interface {
	command()
}

// OpenForm asks the creation form to open.
type OpenForm struct{}

// Refresh asks the concept store to reconcile now.
type Refresh struct {
	Reason string
}

func (OpenForm) command() {}
func (Refresh) command()  {}

// Bus fans commands out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the command. Both commands are idempotent
// requests, so a dropped duplicate changes nothing.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Command
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Command)}
}

// Subscribe returns a channel of commands and a func that unsubscribes and
// closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Command, func()) {
	if buffer <= 0 {
		buffer = 8
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Command, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	b.nextID++
	id := b.nextID
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// Publish delivers cmd to every subscriber that has room.
func (b *Bus) Publish(cmd Command) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- cmd:
		default:
		}
	}
}

// Close closes every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
