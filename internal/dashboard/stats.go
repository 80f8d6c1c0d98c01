package dashboard

import (
	"math"

	"github.com/pbaille/mct/internal/domain"
)

// Stats summarizes a concept list.
type Stats struct {
	Total          int `json:"total"`
	Completed      int `json:"completed"`
	InProgress     int `json:"in_progress"`
	Pending        int `json:"pending"`
	Urgent         int `json:"urgent"`
	CompletionRate int `json:"completion_rate"`
}

// ComputeStats counts concepts by status and urgency. CompletionRate is a
// whole percentage, 0 for an empty list.
func ComputeStats(list []domain.Concept) Stats {
	s := Stats{Total: len(list)}
	for _, c := range list {
		switch c.Status {
		case domain.StatusCompleted:
			s.Completed++
		case domain.StatusInProgress:
			s.InProgress++
		case domain.StatusPending:
			s.Pending++
		}
		if c.Priority == domain.PriorityUrgent {
			s.Urgent++
		}
	}
	if s.Total > 0 {
		s.CompletionRate = int(math.Round(float64(s.Completed) / float64(s.Total) * 100))
	}
	return s
}
