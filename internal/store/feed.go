package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pbaille/mct/internal/domain"
)

// subscriberBuffer bounds how far a slow subscriber may lag before events
// are dropped. Dropping is acceptable: consumers reconcile after every
// event they do see.
const subscriberBuffer = 64

// defaultPollInterval is how often a subscription rereads the owner's rows
// to pick up writes made by other processes sharing the database file.
const defaultPollInterval = time.Second

type broker struct {
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

func newBroker(logger *zap.Logger) *broker {
	return &broker{logger: logger, subs: make(map[*subscription]struct{})}
}

// subscribe registers a feed for owner. rows is the owner's current state;
// only changes relative to it are delivered.
func (b *broker) subscribe(ctx context.Context, owner string, rows []domain.Concept) *subscription {
	sub := &subscription{
		owner:  owner,
		events: make(chan domain.ChangeEvent, subscriberBuffer),
		done:   make(chan struct{}),
		seen:   make(map[string]time.Time, len(rows)),
		broker: b,
	}
	for _, c := range rows {
		sub.seen[c.ID] = c.UpdatedAt
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.once.Do(func() {
			close(sub.events)
			close(sub.done)
		})
		return sub
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()

	return sub
}

func (b *broker) publish(owner string, ev domain.ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		if sub.owner != owner {
			continue
		}
		b.deliverLocked(sub, ev)
	}
}

// sync diffs rows, the owner's rows as read from the database, against
// what sub has already been told and delivers the difference. It reports
// false once sub is closed.
func (b *broker) sync(sub *subscription, rows []domain.Concept) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; !ok {
		return false
	}

	present := make(map[string]struct{}, len(rows))
	// Oldest first, so inserts land in newest-first order downstream.
	for i := len(rows) - 1; i >= 0; i-- {
		c := rows[i]
		present[c.ID] = struct{}{}
		if _, ok := sub.seen[c.ID]; ok {
			b.deliverLocked(sub, domain.ChangeEvent{Type: domain.ChangeUpdate, Record: c})
		} else {
			b.deliverLocked(sub, domain.ChangeEvent{Type: domain.ChangeInsert, Record: c})
		}
	}
	for id := range sub.seen {
		if _, ok := present[id]; !ok {
			b.deliverLocked(sub, domain.ChangeEvent{Type: domain.ChangeDelete, OldID: id})
		}
	}
	return true
}

// deliverLocked sends ev unless sub already reflects it.
func (b *broker) deliverLocked(sub *subscription, ev domain.ChangeEvent) {
	switch ev.Type {
	case domain.ChangeInsert, domain.ChangeUpdate:
		if at, ok := sub.seen[ev.Record.ID]; ok && at.Equal(ev.Record.UpdatedAt) {
			return
		}
		sub.seen[ev.Record.ID] = ev.Record.UpdatedAt
	case domain.ChangeDelete:
		if _, ok := sub.seen[ev.OldID]; !ok {
			return
		}
		delete(sub.seen, ev.OldID)
	}

	select {
	case sub.events <- ev:
	default:
		b.logger.Warn("dropping change event for slow subscriber",
			zap.String("owner", sub.owner), zap.String("type", string(ev.Type)))
	}
}

func (b *broker) remove(sub *subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; !ok {
		return false
	}
	delete(b.subs, sub)
	close(sub.events)
	return true
}

func (b *broker) closeAll() {
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.closed = true
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

type subscription struct {
	owner  string
	events chan domain.ChangeEvent
	done   chan struct{}
	once   sync.Once
	broker *broker

	// seen maps the IDs this subscriber knows about to their updated_at.
	// Guarded by broker.mu.
	seen map[string]time.Time
}

func (s *subscription) Events() <-chan domain.ChangeEvent {
	return s.events
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.broker.remove(s)
		close(s.done)
	})
	return nil
}

// poll rereads the owner's rows every interval until sub closes.
func (s *Store) poll(ctx context.Context, sub *subscription, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-sub.done:
			return
		case <-ticker.C:
		}

		rows, err := s.listOwner(ctx, sub.owner)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Debug("poll concepts", zap.String("owner", sub.owner), zap.Error(err))
			}
			continue
		}
		if !s.broker.sync(sub, rows) {
			return
		}
	}
}
