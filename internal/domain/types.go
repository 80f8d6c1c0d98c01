package domain

import (
	"fmt"
	"strings"
	"time"
)

// Category is the area a concept belongs to
type Category string

const (
	CategoryWork       Category = "Work"
	CategoryPersonal   Category = "Personal"
	CategoryLearning   Category = "Learning"
	CategoryHealth     Category = "Health"
	CategoryFinance    Category = "Finance"
	CategoryCreative   Category = "Creative"
	CategoryTechnology Category = "Technology"
	CategoryBusiness   Category = "Business"
	CategoryOther      Category = "Other"
)

// Categories lists every category in display order
var Categories = []Category{
	CategoryWork,
	CategoryPersonal,
	CategoryLearning,
	CategoryHealth,
	CategoryFinance,
	CategoryCreative,
	CategoryTechnology,
	CategoryBusiness,
	CategoryOther,
}

// ParseCategory matches a category name case-insensitively
func ParseCategory(s string) (Category, error) {
	for _, c := range Categories {
		if strings.EqualFold(strings.TrimSpace(s), string(c)) {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown category %q", s)
}

// Priority ranks how pressing a concept is
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Priorities lists every priority from least to most pressing
var Priorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent}

// ParsePriority matches a priority name case-insensitively
func ParsePriority(s string) (Priority, error) {
	for _, p := range Priorities {
		if strings.EqualFold(strings.TrimSpace(s), string(p)) {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown priority %q", s)
}

// Status is the lifecycle state of a concept
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Statuses lists every status in lifecycle order
var Statuses = []Status{StatusPending, StatusInProgress, StatusCompleted, StatusCancelled}

// ParseStatus accepts the stored form and the spaced form ("in progress")
func ParseStatus(s string) (Status, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), " ", "_")
	norm = strings.ReplaceAll(norm, "-", "_")
	for _, st := range Statuses {
		if norm == string(st) {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Label renders the status for display
func (s Status) Label() string {
	return strings.ReplaceAll(string(s), "_", " ")
}

// Concept is a user-tracked unit of work
type Concept struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Title       string     `json:"title"`
	Description *string    `json:"description"`
	Category    Category   `json:"category"`
	Priority    Priority   `json:"priority"`
	Status      Status     `json:"status"`
	DueDate     *time.Time `json:"due_date"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Summary returns the fields the assistant sees
func (c Concept) Summary() ConceptSummary {
	return ConceptSummary{
		Title:    c.Title,
		Status:   string(c.Status),
		Priority: string(c.Priority),
		Category: string(c.Category),
	}
}

// NewConcept is the payload for creating a concept. Status is not part of
// it: every new concept starts pending.
type NewConcept struct {
	UserID      string
	Title       string
	Description *string
	Category    Category
	Priority    Priority
	DueDate     *time.Time
}

// ConceptSummary is the shape of a concept sent to the chat relay
type ConceptSummary struct {
	Title    string `json:"title"`
	Status   string `json:"status"`
	Priority string `json:"priority"`
	Category string `json:"category"`
}

// ChangeType identifies the kind of row change in a change notification
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// ChangeEvent is a single insert, update or delete on the concepts table.
// Record is set for inserts and updates; OldID for deletes.
type ChangeEvent struct {
	Type   ChangeType `json:"type"`
	Record Concept    `json:"record"`
	OldID  string     `json:"old_id,omitempty"`
}

// User is a signed-in identity
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// Session holds the credentials of a signed-in user
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         User      `json:"user"`
}

// Expired reports whether the access token is past its expiry. A zero
// expiry never expires.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}
