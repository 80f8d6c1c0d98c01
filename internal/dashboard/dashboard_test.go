package dashboard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/pbaille/mct/internal/domain"
)

const owner = "user-1"

type call struct {
	op     string
	id     string
	status domain.Status
	nc     domain.NewConcept
}

type fakeTable struct {
	mu    sync.Mutex
	calls []call
	err   error
}

func (f *fakeTable) record(c call) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	return f.err
}

func (f *fakeTable) List(ctx context.Context, o string) ([]domain.Concept, error) {
	return nil, f.record(call{op: "list"})
}

func (f *fakeTable) Insert(ctx context.Context, nc domain.NewConcept) (*domain.Concept, error) {
	if err := f.record(call{op: "insert", nc: nc}); err != nil {
		return nil, err
	}
	return &domain.Concept{
		ID:          "new-id",
		UserID:      nc.UserID,
		Title:       nc.Title,
		Description: nc.Description,
		Category:    nc.Category,
		Priority:    nc.Priority,
		Status:      domain.StatusPending,
		DueDate:     nc.DueDate,
	}, nil
}

func (f *fakeTable) UpdateStatus(ctx context.Context, id string, status domain.Status) error {
	return f.record(call{op: "update", id: id, status: status})
}

func (f *fakeTable) Delete(ctx context.Context, id string) error {
	return f.record(call{op: "delete", id: id})
}

func (f *fakeTable) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

type fakeSource struct {
	mu        sync.Mutex
	list      []domain.Concept
	mutations int
	refreshes []string
}

func (f *fakeSource) Snapshot() []domain.Concept {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Concept(nil), f.list...)
}

func (f *fakeSource) AfterMutation() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mutations++
}

func (f *fakeSource) RequestRefresh(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes = append(f.refreshes, reason)
}

func (f *fakeSource) Mutations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mutations
}

func (f *fakeSource) Refreshes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.refreshes...)
}

func next(t *testing.T, ch <-chan Command) Command {
	t.Helper()
	select {
	case cmd := <-ch:
		return cmd
	case <-time.After(time.Second):
		t.Fatal("no command published")
		return nil
	}
}

func TestBus(t *testing.T) {
	bus := NewBus()
	a, unsubA := bus.Subscribe(1)
	b, _ := bus.Subscribe(1)

	bus.Publish(OpenForm{})
	bus.Publish(Refresh{Reason: "dropped for full subscribers"})

	assert.Equal(t, OpenForm{}, next(t, a))
	assert.Equal(t, OpenForm{}, next(t, b))

	unsubA()
	_, ok := <-a
	assert.False(t, ok)
	unsubA()

	bus.Close()
	_, ok = <-b
	assert.False(t, ok)

	late, _ := bus.Subscribe(1)
	_, ok = <-late
	assert.False(t, ok)
	bus.Publish(OpenForm{})
}

func TestCoordinator_RoutesRefresh(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := NewBus()
	source := &fakeSource{}
	coord := NewCoordinator(bus, source, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- coord.Run(ctx) }()

	require.Eventually(t, func() bool {
		bus.Publish(Refresh{Reason: "manual"})
		return len(source.Refreshes()) > 0
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "manual", source.Refreshes()[0])

	cancel()
	require.NoError(t, <-done)
}

func TestListView_SetStatus(t *testing.T) {
	table := &fakeTable{}
	source := &fakeSource{}
	v := NewListView(table, source, NewBus(), nil, zaptest.NewLogger(t))

	require.NoError(t, v.SetStatus(context.Background(), "c1", domain.StatusCompleted))
	assert.Equal(t, []call{{op: "update", id: "c1", status: domain.StatusCompleted}}, table.Calls())
	assert.Equal(t, 1, source.Mutations())

	table.err = errors.New("row level security")
	err := v.SetStatus(context.Background(), "c1", domain.StatusPending)
	assert.Error(t, err)
	assert.Equal(t, 1, source.Mutations(), "failed updates schedule nothing")
}

func TestListView_Delete(t *testing.T) {
	t.Run("declined confirmation sends nothing", func(t *testing.T) {
		table := &fakeTable{}
		source := &fakeSource{}
		var asked string
		confirm := ConfirmFunc(func(prompt string) bool {
			asked = prompt
			return false
		})
		v := NewListView(table, source, NewBus(), confirm, zaptest.NewLogger(t))

		deleted, err := v.Delete(context.Background(), "c1")
		require.NoError(t, err)
		assert.False(t, deleted)
		assert.Equal(t, DeletePrompt, asked)
		assert.Empty(t, table.Calls())
		assert.Zero(t, source.Mutations())
	})

	t.Run("confirmed delete reaches the table", func(t *testing.T) {
		table := &fakeTable{}
		source := &fakeSource{}
		v := NewListView(table, source, NewBus(), ConfirmFunc(func(string) bool { return true }), zaptest.NewLogger(t))

		deleted, err := v.Delete(context.Background(), "c1")
		require.NoError(t, err)
		assert.True(t, deleted)
		assert.Equal(t, []call{{op: "delete", id: "c1"}}, table.Calls())
		assert.Equal(t, 1, source.Mutations())
	})
}

func TestListView_Commands(t *testing.T) {
	bus := NewBus()
	cmds, _ := bus.Subscribe(4)
	v := NewListView(&fakeTable{}, &fakeSource{}, bus, nil, zaptest.NewLogger(t))

	v.CreateConcept()
	v.Refresh()

	assert.Equal(t, OpenForm{}, next(t, cmds))
	assert.Equal(t, Refresh{Reason: "manual"}, next(t, cmds))
}

func TestFormatRows(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	desc := "Sections and sources"
	due := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

	rows := FormatRows([]domain.Concept{
		{
			ID:          "c1",
			Title:       "Draft outline",
			Description: &desc,
			Category:    domain.CategoryWork,
			Priority:    domain.PriorityHigh,
			Status:      domain.StatusInProgress,
			DueDate:     &due,
			CreatedAt:   now.Add(-3 * time.Hour),
		},
		{ID: "c2", Title: "Stretch", CreatedAt: now.Add(-30 * time.Second)},
	}, now)

	require.Len(t, rows, 2)
	assert.Equal(t, "Sections and sources", rows[0].Description)
	assert.Equal(t, "Due: Mar 14, 2026", rows[0].Due)
	assert.Equal(t, "3 hours ago", rows[0].Created)
	assert.Empty(t, rows[1].Description)
	assert.Empty(t, rows[1].Due)
	assert.Equal(t, "30 seconds ago", rows[1].Created)
}

func TestStats(t *testing.T) {
	assert.Equal(t, Stats{}, ComputeStats(nil))

	list := []domain.Concept{
		{Status: domain.StatusCompleted, Priority: domain.PriorityLow},
		{Status: domain.StatusCompleted, Priority: domain.PriorityMedium},
		{Status: domain.StatusPending, Priority: domain.PriorityHigh},
		{Status: domain.StatusInProgress, Priority: domain.PriorityUrgent},
	}
	assert.Equal(t, Stats{Total: 4, Completed: 2, InProgress: 1, Pending: 1, Urgent: 1, CompletionRate: 50}, ComputeStats(list))

	third := []domain.Concept{
		{Status: domain.StatusCompleted},
		{Status: domain.StatusCancelled},
		{Status: domain.StatusPending},
	}
	assert.Equal(t, 33, ComputeStats(third).CompletionRate)

	twoThirds := append(third[:1:1], domain.Concept{Status: domain.StatusCompleted}, domain.Concept{Status: domain.StatusPending})
	assert.Equal(t, 67, ComputeStats(twoThirds).CompletionRate)
}
