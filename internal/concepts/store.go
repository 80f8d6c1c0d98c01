// Package concepts keeps the client-side copy of a user's concepts in sync
// with the backend: it applies change notifications as they arrive and
// reconciles against a full fetch shortly after every change.
package concepts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pbaille/mct/internal/config"
	"github.com/pbaille/mct/internal/domain"
	"github.com/pbaille/mct/internal/gateway"
	"github.com/pbaille/mct/internal/scheduler"
)

// Store holds one owner's concept list.
type Store struct {
	table  gateway.Table
	feed   gateway.Feed
	owner  string
	logger *zap.Logger
	timers scheduler.Timers
	cron   *scheduler.Scheduler
	sync   config.SyncConfig

	ctx    context.Context
	cancel context.CancelFunc

	requests chan string

	mu       sync.Mutex
	concepts []domain.Concept
	issued   uint64
	applied  uint64
	nextID   int
	pending  map[int]func() bool
	subs     map[int]chan []domain.Concept
	closed   bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithTimers replaces the timer source used for delayed reconciliation.
func WithTimers(t scheduler.Timers) Option {
	return func(s *Store) { s.timers = t }
}

// WithSync sets the reconciliation delays and the periodic refresh interval.
func WithSync(cfg config.SyncConfig) Option {
	return func(s *Store) { s.sync = cfg }
}

// WithScheduler registers periodic refreshes on sched while Run is active.
// Only used when the refresh interval is positive.
func WithScheduler(sched *scheduler.Scheduler) Option {
	return func(s *Store) { s.cron = sched }
}

// New creates a store for owner. feed may be nil, in which case the store
// only ever reconciles.
func New(table gateway.Table, feed gateway.Feed, owner string, opts ...Option) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		table:    table,
		feed:     feed,
		owner:    owner,
		logger:   zap.NewNop(),
		timers:   scheduler.RealTimers{},
		sync:     config.Default().Sync,
		ctx:      ctx,
		cancel:   cancel,
		requests: make(chan string, 1),
		pending:  make(map[int]func() bool),
		subs:     make(map[int]chan []domain.Concept),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("owner", owner))
	return s
}

// Owner returns the user whose concepts the store holds.
func (s *Store) Owner() string {
	return s.owner
}

// Seed replaces the list with an initial fetch.
func (s *Store) Seed(list []domain.Concept) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.concepts = clone(list)
	s.publishLocked()
}

// Snapshot returns a copy of the current list.
func (s *Store) Snapshot() []domain.Concept {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clone(s.concepts)
}

// Subscribe returns a channel that receives the list after every change.
// Only the latest list is kept if the reader falls behind. The channel is
// closed by the returned cancel func or by Close.
func (s *Store) Subscribe() (<-chan []domain.Concept, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan []domain.Concept, 1)
	if s.closed {
		close(ch)
		return ch, func() {}
	}

	s.nextID++
	id := s.nextID
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if sub, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(sub)
			}
		})
	}
}

// Apply folds a change notification into the list and schedules a
// reconciliation.
func (s *Store) Apply(ev domain.ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	switch ev.Type {
	case domain.ChangeInsert:
		if ev.Record.UserID != "" && ev.Record.UserID != s.owner {
			return
		}
		if i := s.indexLocked(ev.Record.ID); i >= 0 {
			s.concepts[i] = ev.Record
		} else {
			s.concepts = append([]domain.Concept{ev.Record}, s.concepts...)
		}
	case domain.ChangeUpdate:
		if i := s.indexLocked(ev.Record.ID); i >= 0 {
			s.concepts[i] = ev.Record
		}
	case domain.ChangeDelete:
		id := ev.OldID
		if id == "" {
			id = ev.Record.ID
		}
		if i := s.indexLocked(id); i >= 0 {
			s.concepts = append(s.concepts[:i:i], s.concepts[i+1:]...)
		}
	default:
		s.logger.Debug("ignoring change", zap.String("type", string(ev.Type)))
		return
	}

	s.publishLocked()
	s.scheduleLocked(s.sync.NotifyDelay)
}

// AfterMutation schedules a reconciliation following a local mutation.
func (s *Store) AfterMutation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduleLocked(s.sync.MutationDelay)
}

// RequestRefresh asks the running store to reconcile now. Requests made
// while one is already queued are coalesced.
func (s *Store) RequestRefresh(reason string) {
	select {
	case s.requests <- reason:
	default:
	}
}

// Reconcile replaces the list with a full fetch. Each call is numbered when
// issued; its result is dropped if a later call has already been applied.
// On failure the list is left as it was.
func (s *Store) Reconcile(ctx context.Context) error {
	s.mu.Lock()
	s.issued++
	seq := s.issued
	s.mu.Unlock()

	list, err := s.table.List(ctx, s.owner)
	if err != nil {
		s.logger.Warn("reconcile failed", zap.Uint64("seq", seq), zap.Error(err))
		return fmt.Errorf("reconcile: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	if seq <= s.applied {
		s.logger.Debug("dropping stale fetch", zap.Uint64("seq", seq), zap.Uint64("applied", s.applied))
		return nil
	}
	s.applied = seq
	s.concepts = clone(list)
	s.publishLocked()
	return nil
}

// Run consumes the change feed and refresh requests until ctx ends. If the
// feed cannot be opened the store keeps running on reconciliation alone.
func (s *Store) Run(ctx context.Context) error {
	var events <-chan domain.ChangeEvent
	if s.feed != nil {
		sub, err := s.feed.Subscribe(ctx, s.owner)
		if err != nil {
			s.logger.Warn("change feed unavailable, reconciling only", zap.Error(err))
		} else {
			defer sub.Close()
			events = sub.Events()
		}
	}

	if s.cron != nil && s.sync.RefreshInterval > 0 {
		id, err := s.cron.Every(s.sync.RefreshInterval, func() { s.RequestRefresh("interval") })
		if err != nil {
			return fmt.Errorf("schedule refresh: %w", err)
		}
		defer s.cron.Remove(id)
	}

	defer s.stopTimers()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				s.logger.Warn("change feed closed, reconciling only")
				events = nil
				continue
			}
			s.Apply(ev)
		case reason := <-s.requests:
			s.logger.Debug("refresh requested", zap.String("reason", reason))
			_ = s.Reconcile(ctx)
		}
	}
}

// Close stops pending reconciliations and closes every subscriber channel.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.cancel()
	s.stopTimersLocked()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}

// scheduleLocked arms a reconciliation after delay. Timers outlive the call
// that armed them and run against the store's own context.
func (s *Store) scheduleLocked(delay time.Duration) {
	if s.closed {
		return
	}

	s.nextID++
	id := s.nextID
	s.pending[id] = s.timers.AfterFunc(delay, func() {
		s.mu.Lock()
		_, live := s.pending[id]
		delete(s.pending, id)
		s.mu.Unlock()
		if !live {
			return
		}
		_ = s.Reconcile(s.ctx)
	})
}

func (s *Store) stopTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimersLocked()
}

func (s *Store) stopTimersLocked() {
	for id, stop := range s.pending {
		stop()
		delete(s.pending, id)
	}
}

func (s *Store) publishLocked() {
	for _, ch := range s.subs {
		snap := clone(s.concepts)
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

func (s *Store) indexLocked(id string) int {
	for i, c := range s.concepts {
		if c.ID == id {
			return i
		}
	}
	return -1
}

func clone(list []domain.Concept) []domain.Concept {
	out := make([]domain.Concept, len(list))
	copy(out, list)
	return out
}
