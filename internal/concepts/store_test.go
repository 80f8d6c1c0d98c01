package concepts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/pbaille/mct/internal/config"
	"github.com/pbaille/mct/internal/domain"
	"github.com/pbaille/mct/internal/gateway"
	"github.com/pbaille/mct/internal/scheduler"
)

const owner = "user-1"

var syncCfg = config.SyncConfig{NotifyDelay: time.Second, MutationDelay: 500 * time.Millisecond}

func concept(id, title string) domain.Concept {
	return domain.Concept{
		ID:       id,
		UserID:   owner,
		Title:    title,
		Category: domain.CategoryWork,
		Priority: domain.PriorityMedium,
		Status:   domain.StatusPending,
	}
}

func ids(list []domain.Concept) []string {
	out := make([]string, len(list))
	for i, c := range list {
		out[i] = c.ID
	}
	return out
}

type heldList struct {
	reply chan listResult
}

type listResult struct {
	rows []domain.Concept
	err  error
}

type fakeTable struct {
	mu    sync.Mutex
	rows  []domain.Concept
	err   error
	calls int
	// When hold is set, List parks each call on held until the test replies.
	hold bool
	held chan heldList
}

func newFakeTable(rows ...domain.Concept) *fakeTable {
	return &fakeTable{rows: rows, held: make(chan heldList)}
}

func (f *fakeTable) List(ctx context.Context, o string) ([]domain.Concept, error) {
	f.mu.Lock()
	f.calls++
	hold := f.hold
	rows, err := clone(f.rows), f.err
	f.mu.Unlock()

	if hold {
		h := heldList{reply: make(chan listResult, 1)}
		f.held <- h
		r := <-h.reply
		return r.rows, r.err
	}
	return rows, err
}

func (f *fakeTable) Insert(ctx context.Context, c domain.NewConcept) (*domain.Concept, error) {
	return nil, errors.New("not used")
}

func (f *fakeTable) UpdateStatus(ctx context.Context, id string, status domain.Status) error {
	return errors.New("not used")
}

func (f *fakeTable) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, c := range f.rows {
		if c.ID == id {
			f.rows = append(f.rows[:i:i], f.rows[i+1:]...)
			return nil
		}
	}
	return gateway.ErrNotFound
}

func (f *fakeTable) set(rows []domain.Concept, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows, f.err = rows, err
}

func (f *fakeTable) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeFeed struct {
	err    error
	events chan domain.ChangeEvent
	closed chan struct{}
	once   sync.Once
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{events: make(chan domain.ChangeEvent), closed: make(chan struct{})}
}

func (f *fakeFeed) Subscribe(ctx context.Context, o string) (gateway.Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f, nil
}

func (f *fakeFeed) Events() <-chan domain.ChangeEvent { return f.events }

func (f *fakeFeed) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func newStore(t *testing.T, table gateway.Table, feed gateway.Feed, timers scheduler.Timers) *Store {
	t.Helper()
	s := New(table, feed, owner,
		WithLogger(zaptest.NewLogger(t)),
		WithTimers(timers),
		WithSync(syncCfg),
	)
	t.Cleanup(s.Close)
	return s
}

func waitFor(t *testing.T, ch <-chan []domain.Concept, want []string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case list := <-ch:
			if cmp.Equal(want, ids(list)) {
				return
			}
		case <-deadline:
			t.Fatalf("list never became %v", want)
		}
	}
}

func TestApply(t *testing.T) {
	timers := scheduler.NewManualTimers()
	s := newStore(t, newFakeTable(), nil, timers)
	s.Seed([]domain.Concept{concept("b", "B"), concept("a", "A")})

	s.Apply(domain.ChangeEvent{Type: domain.ChangeInsert, Record: concept("c", "C")})
	assert.Equal(t, []string{"c", "b", "a"}, ids(s.Snapshot()))

	renamed := concept("c", "C2")
	s.Apply(domain.ChangeEvent{Type: domain.ChangeInsert, Record: renamed})
	assert.Equal(t, []string{"c", "b", "a"}, ids(s.Snapshot()), "duplicate insert replaces in place")
	assert.Equal(t, "C2", s.Snapshot()[0].Title)

	done := concept("b", "B")
	done.Status = domain.StatusCompleted
	s.Apply(domain.ChangeEvent{Type: domain.ChangeUpdate, Record: done})
	assert.Equal(t, domain.StatusCompleted, s.Snapshot()[1].Status)

	s.Apply(domain.ChangeEvent{Type: domain.ChangeUpdate, Record: concept("zzz", "ghost")})
	assert.Equal(t, []string{"c", "b", "a"}, ids(s.Snapshot()), "update of an unknown id is ignored")

	s.Apply(domain.ChangeEvent{Type: domain.ChangeDelete, OldID: "b"})
	assert.Equal(t, []string{"c", "a"}, ids(s.Snapshot()))

	s.Apply(domain.ChangeEvent{Type: domain.ChangeDelete, OldID: "b"})
	assert.Equal(t, []string{"c", "a"}, ids(s.Snapshot()), "deleting twice is a no-op")

	foreign := concept("x", "X")
	foreign.UserID = "someone-else"
	s.Apply(domain.ChangeEvent{Type: domain.ChangeInsert, Record: foreign})
	assert.Equal(t, []string{"c", "a"}, ids(s.Snapshot()))

	// Every notification for this owner schedules a reconciliation, even
	// one that changed nothing locally.
	pending := timers.Pending()
	assert.Len(t, pending, 6)
	for _, d := range pending {
		assert.Equal(t, time.Second, d)
	}
}

func TestApply_SnapshotIsACopy(t *testing.T) {
	s := newStore(t, newFakeTable(), nil, scheduler.NewManualTimers())
	s.Seed([]domain.Concept{concept("a", "A")})

	snap := s.Snapshot()
	snap[0].Title = "mutated"
	assert.Equal(t, "A", s.Snapshot()[0].Title)
}

func TestReconcileWinsOverNotifications(t *testing.T) {
	timers := scheduler.NewManualTimers()
	table := newFakeTable(concept("server", "Server"))
	s := newStore(t, table, nil, timers)
	s.Seed(nil)

	s.Apply(domain.ChangeEvent{Type: domain.ChangeInsert, Record: concept("local", "Local")})
	require.Equal(t, []time.Duration{time.Second}, timers.Pending())

	timers.Fire()
	assert.Equal(t, []string{"server"}, ids(s.Snapshot()))
}

func TestAfterMutation(t *testing.T) {
	timers := scheduler.NewManualTimers()
	table := newFakeTable(concept("a", "A"))
	s := newStore(t, table, nil, timers)

	s.AfterMutation()
	assert.Equal(t, []time.Duration{500 * time.Millisecond}, timers.Pending())
	assert.Zero(t, table.Calls())

	timers.Fire()
	assert.Equal(t, 1, table.Calls())
	assert.Equal(t, []string{"a"}, ids(s.Snapshot()))
}

func TestReconcile_FailureKeepsState(t *testing.T) {
	table := newFakeTable()
	s := newStore(t, table, nil, scheduler.NewManualTimers())
	s.Seed([]domain.Concept{concept("a", "A")})

	table.set(nil, errors.New("network down"))
	err := s.Reconcile(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"a"}, ids(s.Snapshot()))
}

func TestReconcile_OutOfOrderResponses(t *testing.T) {
	table := newFakeTable()
	table.hold = true
	s := newStore(t, table, nil, scheduler.NewManualTimers())

	errs := make(chan error, 2)
	go func() { errs <- s.Reconcile(context.Background()) }()
	first := <-table.held
	go func() { errs <- s.Reconcile(context.Background()) }()
	second := <-table.held

	second.reply <- listResult{rows: []domain.Concept{concept("new", "New")}}
	require.NoError(t, <-errs)
	first.reply <- listResult{rows: []domain.Concept{concept("old", "Old")}}
	require.NoError(t, <-errs)

	assert.Equal(t, []string{"new"}, ids(s.Snapshot()), "the earlier fetch must not overwrite the later one")
}

func TestDeleteThenImmediateReconcile(t *testing.T) {
	timers := scheduler.NewManualTimers()
	table := newFakeTable(concept("a", "A"), concept("b", "B"))
	s := newStore(t, table, nil, timers)
	require.NoError(t, s.Reconcile(context.Background()))

	require.NoError(t, table.Delete(context.Background(), "a"))
	s.Apply(domain.ChangeEvent{Type: domain.ChangeDelete, OldID: "a"})
	require.NoError(t, s.Reconcile(context.Background()))
	timers.Fire()

	assert.Equal(t, []string{"b"}, ids(s.Snapshot()))
}

func TestSubscribe(t *testing.T) {
	s := newStore(t, newFakeTable(), nil, scheduler.NewManualTimers())
	ch, cancel := s.Subscribe()

	s.Seed([]domain.Concept{concept("a", "A")})
	s.Seed([]domain.Concept{concept("b", "B")})

	// Only the latest list is buffered.
	assert.Equal(t, []string{"b"}, ids(<-ch))

	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	cancel()
}

func TestRun_FeedDrivesList(t *testing.T) {
	defer goleak.VerifyNone(t)

	timers := scheduler.NewManualTimers()
	feed := newFakeFeed()
	s := New(newFakeTable(), feed, owner, WithLogger(zaptest.NewLogger(t)), WithTimers(timers), WithSync(syncCfg))
	defer s.Close()
	ch, cancel := s.Subscribe()
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	feed.events <- domain.ChangeEvent{Type: domain.ChangeInsert, Record: concept("a", "A")}
	waitFor(t, ch, []string{"a"})
	assert.Len(t, timers.Pending(), 1)

	stop()
	require.NoError(t, <-done)
	<-feed.closed
	assert.Empty(t, timers.Pending(), "pending reconciliations are cancelled when Run ends")
}

func TestRun_FeedFailureDegrades(t *testing.T) {
	defer goleak.VerifyNone(t)

	feed := newFakeFeed()
	feed.err = errors.New("websocket refused")
	table := newFakeTable(concept("a", "A"))
	s := New(table, feed, owner, WithLogger(zaptest.NewLogger(t)), WithTimers(scheduler.NewManualTimers()), WithSync(syncCfg))
	defer s.Close()
	ch, cancel := s.Subscribe()
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	s.RequestRefresh("manual")
	waitFor(t, ch, []string{"a"})

	stop()
	require.NoError(t, <-done)
}

func TestClose(t *testing.T) {
	timers := scheduler.NewManualTimers()
	table := newFakeTable(concept("a", "A"))
	s := New(table, nil, owner, WithTimers(timers), WithSync(syncCfg))
	ch, _ := s.Subscribe()

	s.AfterMutation()
	s.Close()
	s.Close()

	_, ok := <-ch
	assert.False(t, ok)
	assert.Empty(t, timers.Pending())

	s.Apply(domain.ChangeEvent{Type: domain.ChangeInsert, Record: concept("b", "B")})
	assert.Empty(t, s.Snapshot())
	assert.Zero(t, table.Calls())
}
