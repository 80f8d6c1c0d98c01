package dashboard

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pbaille/mct/internal/domain"
	"github.com/pbaille/mct/internal/gateway"
)

// Field names used as FieldErrors keys.
const (
	FieldTitle    = "title"
	FieldCategory = "category"
	FieldPriority = "priority"
	FieldDueDate  = "due_date"
	FieldSubmit   = "submit"
)

// SubmitFailed is shown when the backend rejects a valid form.
const SubmitFailed = "Failed to create concept. Please try again."

// FieldErrors maps a field name to its message.
type FieldErrors map[string]string

// Error joins the messages, sorted by field name.
func (e FieldErrors) Error() string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e[k])
	}
	return strings.Join(parts, "; ")
}

// FormValues is the user's input. Zero category or priority means not
// selected.
type FormValues struct {
	Title       string
	Description string
	Category    domain.Category
	Priority    domain.Priority
	DueDate     *time.Time
}

// Form is the concept creation form. It is safe for concurrent use so the
// submission can run off the UI goroutine.
type Form struct {
	table  gateway.Table
	owner  string
	bus    *Bus
	logger *zap.Logger

	mu      sync.Mutex
	values  FormValues
	errors  FieldErrors
	open    bool
	loading bool
}

// NewForm returns a closed, empty form that creates concepts for owner.
func NewForm(table gateway.Table, owner string, bus *Bus, logger *zap.Logger) *Form {
	return &Form{table: table, owner: owner, bus: bus, logger: logger, errors: FieldErrors{}}
}

// Open shows the form.
func (f *Form) Open() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = true
}

// Close hides the form. Input is kept for the next Open.
func (f *Form) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
}

// IsOpen reports whether the form is shown.
func (f *Form) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

// Loading reports whether a submit is in flight.
func (f *Form) Loading() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loading
}

// Values returns the current input.
func (f *Form) Values() FormValues {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values
}

// Errors returns a copy of the current field errors.
func (f *Form) Errors() FieldErrors {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(FieldErrors, len(f.errors))
	for k, v := range f.errors {
		out[k] = v
	}
	return out
}

// SetTitle sets the title input.
func (f *Form) SetTitle(s string) {
	f.edit(FieldTitle, func(v *FormValues) { v.Title = s })
}

// SetDescription sets the description input.
func (f *Form) SetDescription(s string) {
	f.edit("description", func(v *FormValues) { v.Description = s })
}

// SetCategory selects a category.
func (f *Form) SetCategory(c domain.Category) {
	f.edit(FieldCategory, func(v *FormValues) { v.Category = c })
}

// SetPriority selects a priority.
func (f *Form) SetPriority(p domain.Priority) {
	f.edit(FieldPriority, func(v *FormValues) { v.Priority = p })
}

// SetDueDate selects a due date. Dates before today (in now's location)
// are refused and leave the previous selection in place.
func (f *Form) SetDueDate(date time.Time, now time.Time) error {
	if day(date.In(now.Location())).Before(day(now)) {
		f.mu.Lock()
		f.errors[FieldDueDate] = "Due date cannot be in the past"
		f.mu.Unlock()
		return FieldErrors{FieldDueDate: "Due date cannot be in the past"}
	}
	f.edit(FieldDueDate, func(v *FormValues) { v.DueDate = &date })
	return nil
}

// ClearDueDate removes the due date.
func (f *Form) ClearDueDate() {
	f.edit(FieldDueDate, func(v *FormValues) { v.DueDate = nil })
}

// Validate checks the required fields and records the result as the
// form's field errors.
func (f *Form) Validate() FieldErrors {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.validateLocked()
}

func (f *Form) validateLocked() FieldErrors {
	errs := FieldErrors{}
	if strings.TrimSpace(f.values.Title) == "" {
		errs[FieldTitle] = "Title is required"
	}
	if f.values.Category == "" {
		errs[FieldCategory] = "Category is required"
	}
	if f.values.Priority == "" {
		errs[FieldPriority] = "Priority is required"
	}
	f.errors = errs
	return errs
}

// Submit validates and creates the concept. Validation failures return
// FieldErrors without calling the backend. A backend failure keeps the
// input and sets the submit error. On success the form is reset and
// closed and a refresh is requested.
func (f *Form) Submit(ctx context.Context) (*domain.Concept, error) {
	f.mu.Lock()
	if f.loading {
		f.mu.Unlock()
		return nil, fmt.Errorf("submission already in progress")
	}
	if errs := f.validateLocked(); len(errs) > 0 {
		f.mu.Unlock()
		return nil, errs
	}
	values := f.values
	f.loading = true
	f.mu.Unlock()

	nc := domain.NewConcept{
		UserID:   f.owner,
		Title:    strings.TrimSpace(values.Title),
		Category: values.Category,
		Priority: values.Priority,
		DueDate:  values.DueDate,
	}
	if desc := strings.TrimSpace(values.Description); desc != "" {
		nc.Description = &desc
	}

	created, err := f.table.Insert(ctx, nc)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.loading = false

	if err != nil {
		f.logger.Error("create concept failed", zap.Error(err))
		f.errors = FieldErrors{FieldSubmit: SubmitFailed}
		return nil, fmt.Errorf("create concept: %w", err)
	}

	f.values = FormValues{}
	f.errors = FieldErrors{}
	f.open = false
	f.bus.Publish(Refresh{Reason: "concept created"})
	f.logger.Info("concept created", zap.String("id", created.ID))
	return created, nil
}

func (f *Form) edit(field string, apply func(*FormValues)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	apply(&f.values)
	delete(f.errors, field)
}

func day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
