package supabase

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pbaille/mct/internal/domain"
)

// row is a concepts row as PostgREST and Realtime encode it. Timestamps are
// kept as text because Realtime and PostgREST format them differently and
// due_date may be a date column.
type row struct {
	ID          string  `json:"id"`
	UserID      string  `json:"user_id"`
	Title       string  `json:"title"`
	Description *string `json:"description"`
	Category    string  `json:"category"`
	Priority    string  `json:"priority"`
	Status      string  `json:"status"`
	DueDate     *string `json:"due_date"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

func (r row) concept() (domain.Concept, error) {
	c := domain.Concept{
		ID:          r.ID,
		UserID:      r.UserID,
		Title:       r.Title,
		Description: r.Description,
		Category:    domain.Category(r.Category),
		Priority:    domain.Priority(r.Priority),
		Status:      domain.Status(r.Status),
	}

	var err error
	if r.CreatedAt != "" {
		if c.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
			return c, fmt.Errorf("created_at: %w", err)
		}
	}
	if r.UpdatedAt != "" {
		if c.UpdatedAt, err = parseTime(r.UpdatedAt); err != nil {
			return c, fmt.Errorf("updated_at: %w", err)
		}
	}
	if r.DueDate != nil && *r.DueDate != "" {
		due, err := parseTime(*r.DueDate)
		if err != nil {
			return c, fmt.Errorf("due_date: %w", err)
		}
		c.DueDate = &due
	}
	return c, nil
}

func decodeRows(data json.RawMessage) ([]domain.Concept, error) {
	var rows []row
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parse rows: %w", err)
	}
	out := make([]domain.Concept, 0, len(rows))
	for _, r := range rows {
		c, err := r.concept()
		if err != nil {
			return nil, fmt.Errorf("concept %s: %w", r.ID, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// insertRow is the body of a concept insert. Status is always pending.
type insertRow struct {
	UserID      string  `json:"user_id"`
	Title       string  `json:"title"`
	Description *string `json:"description"`
	Category    string  `json:"category"`
	Priority    string  `json:"priority"`
	Status      string  `json:"status"`
	DueDate     *string `json:"due_date"`
}

func newInsertRow(nc domain.NewConcept) insertRow {
	r := insertRow{
		UserID:      nc.UserID,
		Title:       nc.Title,
		Description: nc.Description,
		Category:    string(nc.Category),
		Priority:    string(nc.Priority),
		Status:      string(domain.StatusPending),
	}
	if nc.DueDate != nil {
		due := nc.DueDate.UTC().Format(time.RFC3339)
		r.DueDate = &due
	}
	return r
}
