package dashboard

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/pbaille/mct/internal/domain"
	"github.com/pbaille/mct/internal/gateway"
)

// DeletePrompt is asked before a concept is deleted.
const DeletePrompt = "Are you sure you want to delete this concept?"

// Confirmer asks the user a yes/no question.
type Confirmer interface {
	Confirm(prompt string) bool
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(prompt string) bool

func (f ConfirmFunc) Confirm(prompt string) bool { return f(prompt) }

// ConceptSource is what the list reads from and nudges after a mutation.
type ConceptSource interface {
	Snapshot() []domain.Concept
	AfterMutation()
}

// ListView exposes the per-concept actions. It never edits the list
// itself; results show up through the store's reconciliation.
type ListView struct {
	table   gateway.Table
	source  ConceptSource
	bus     *Bus
	confirm Confirmer
	logger  *zap.Logger
}

func NewListView(table gateway.Table, source ConceptSource, bus *Bus, confirm Confirmer, logger *zap.Logger) *ListView {
	return &ListView{table: table, source: source, bus: bus, confirm: confirm, logger: logger}
}

// SetStatus moves a concept to status.
func (v *ListView) SetStatus(ctx context.Context, id string, status domain.Status) error {
	if err := v.table.UpdateStatus(ctx, id, status); err != nil {
		v.logger.Error("update concept failed", zap.String("id", id), zap.String("status", string(status)), zap.Error(err))
		return fmt.Errorf("update concept: %w", err)
	}
	v.source.AfterMutation()
	return nil
}

// Delete removes a concept once the user confirms. It reports whether the
// deletion was sent.
func (v *ListView) Delete(ctx context.Context, id string) (bool, error) {
	if v.confirm != nil && !v.confirm.Confirm(DeletePrompt) {
		return false, nil
	}
	if err := v.table.Delete(ctx, id); err != nil {
		v.logger.Error("delete concept failed", zap.String("id", id), zap.Error(err))
		return false, fmt.Errorf("delete concept: %w", err)
	}
	v.source.AfterMutation()
	return true, nil
}

// CreateConcept opens the creation form.
func (v *ListView) CreateConcept() {
	v.bus.Publish(OpenForm{})
}

// Refresh requests an immediate reconciliation.
func (v *ListView) Refresh() {
	v.bus.Publish(Refresh{Reason: "manual"})
}

// Row is a concept formatted for display.
type Row struct {
	ID          string
	Title       string
	Description string
	Due         string
	Priority    domain.Priority
	Status      domain.Status
	Category    domain.Category
	Created     string
}

// Rows formats the current list. now anchors the relative creation time.
func (v *ListView) Rows(now time.Time) []Row {
	return FormatRows(v.source.Snapshot(), now)
}

// FormatRows formats concepts for display.
func FormatRows(list []domain.Concept, now time.Time) []Row {
	rows := make([]Row, 0, len(list))
	for _, c := range list {
		row := Row{
			ID:       c.ID,
			Title:    c.Title,
			Priority: c.Priority,
			Status:   c.Status,
			Category: c.Category,
			Created:  humanize.RelTime(c.CreatedAt, now, "ago", "from now"),
		}
		if c.Description != nil {
			row.Description = *c.Description
		}
		if c.DueDate != nil {
			row.Due = "Due: " + c.DueDate.Format("Jan 2, 2006")
		}
		rows = append(rows, row)
	}
	return rows
}

// EmptyState is shown instead of rows when there are no concepts.
type EmptyState struct {
	Title  string
	Body   string
	Action string
}

var Empty = EmptyState{
	Title:  "No concepts yet",
	Body:   "Create your first micro concept to get started",
	Action: "Create Concept",
}
