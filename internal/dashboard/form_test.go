package dashboard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pbaille/mct/internal/domain"
)

func newForm(t *testing.T, table *fakeTable) (*Form, <-chan Command) {
	t.Helper()
	bus := NewBus()
	cmds, _ := bus.Subscribe(4)
	return NewForm(table, owner, bus, zaptest.NewLogger(t)), cmds
}

func TestForm_Validation(t *testing.T) {
	table := &fakeTable{}
	f, _ := newForm(t, table)
	f.SetTitle("   ")

	_, err := f.Submit(context.Background())

	var fieldErrs FieldErrors
	require.ErrorAs(t, err, &fieldErrs)
	assert.Equal(t, FieldErrors{
		FieldTitle:    "Title is required",
		FieldCategory: "Category is required",
		FieldPriority: "Priority is required",
	}, fieldErrs)
	assert.Equal(t, fieldErrs, f.Errors())
	assert.Empty(t, table.Calls(), "invalid forms never reach the backend")

	f.SetCategory(domain.CategoryWork)
	assert.NotContains(t, f.Errors(), FieldCategory, "editing a field clears its error")
	assert.Contains(t, f.Errors(), FieldTitle)
}

func TestForm_DueDate(t *testing.T) {
	f, _ := newForm(t, &fakeTable{})
	now := time.Date(2026, 5, 20, 15, 30, 0, 0, time.UTC)

	err := f.SetDueDate(time.Date(2026, 5, 19, 23, 0, 0, 0, time.UTC), now)
	assert.Error(t, err)
	assert.Equal(t, "Due date cannot be in the past", f.Errors()[FieldDueDate])
	assert.Nil(t, f.Values().DueDate)

	// Earlier today still counts as today.
	today := time.Date(2026, 5, 20, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.SetDueDate(today, now))
	assert.NotContains(t, f.Errors(), FieldDueDate)
	require.NotNil(t, f.Values().DueDate)
	assert.True(t, today.Equal(*f.Values().DueDate))

	f.ClearDueDate()
	assert.Nil(t, f.Values().DueDate)
}

func TestForm_SubmitSuccess(t *testing.T) {
	table := &fakeTable{}
	f, cmds := newForm(t, table)
	f.Open()
	f.SetTitle("  Draft outline ")
	f.SetDescription("   ")
	f.SetCategory(domain.CategoryWork)
	f.SetPriority(domain.PriorityMedium)

	created, err := f.Submit(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.StatusPending, created.Status)
	assert.Nil(t, created.DueDate)
	assert.Equal(t, []call{{op: "insert", nc: domain.NewConcept{
		UserID:   owner,
		Title:    "Draft outline",
		Category: domain.CategoryWork,
		Priority: domain.PriorityMedium,
	}}}, table.Calls())

	assert.False(t, f.IsOpen())
	assert.Equal(t, FormValues{}, f.Values())
	assert.Empty(t, f.Errors())
	assert.Equal(t, Refresh{Reason: "concept created"}, next(t, cmds))
}

func TestForm_SubmitFailureKeepsInput(t *testing.T) {
	table := &fakeTable{err: errors.New("insert denied")}
	f, cmds := newForm(t, table)
	f.Open()
	f.SetTitle("Run 5k")
	f.SetDescription("Tuesday")
	f.SetCategory(domain.CategoryHealth)
	f.SetPriority(domain.PriorityLow)

	_, err := f.Submit(context.Background())
	require.Error(t, err)

	assert.Equal(t, FieldErrors{FieldSubmit: SubmitFailed}, f.Errors())
	assert.True(t, f.IsOpen())
	assert.False(t, f.Loading())
	assert.Equal(t, "Run 5k", f.Values().Title)
	assert.Equal(t, "Tuesday", f.Values().Description)
	assert.Len(t, cmds, 0)
}

func TestFieldErrors_Error(t *testing.T) {
	err := FieldErrors{FieldTitle: "Title is required", FieldCategory: "Category is required"}
	assert.Equal(t, "category: Category is required; title: Title is required", err.Error())
}
