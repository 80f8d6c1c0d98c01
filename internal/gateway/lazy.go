package gateway

import (
	"fmt"
	"sync"
)

// Lazy opens a Client on first use and hands the same instance to every
// caller until Close. It is created once per session and passed explicitly
// to the components that need the backend.
type Lazy struct {
	open func() (Client, error)

	mu     sync.Mutex
	client Client
	closed bool
}

// NewLazy returns a Lazy that calls open at most once successfully.
func NewLazy(open func() (Client, error)) *Lazy {
	return &Lazy{open: open}
}

// Get returns the session's client, opening it if needed. A failed open is
// not cached; the next Get tries again.
func (l *Lazy) Get() (Client, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, fmt.Errorf("gateway session closed")
	}
	if l.client != nil {
		return l.client, nil
	}

	client, err := l.open()
	if err != nil {
		return nil, fmt.Errorf("open gateway: %w", err)
	}
	l.client = client
	return client, nil
}

// Close ends the session. It is safe to call more than once.
func (l *Lazy) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	if l.client == nil {
		return nil
	}
	return l.client.Close()
}
