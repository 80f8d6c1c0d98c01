package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/pbaille/mct/internal/domain"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	faintStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
	focusedPanelStyle = panelStyle.BorderForeground(lipgloss.Color("63"))

	modalStyle = lipgloss.NewStyle().
			Border(lipgloss.DoubleBorder()).
			BorderForeground(lipgloss.Color("212")).
			Padding(1, 2)

	userStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
)

var priorityColors = map[domain.Priority]lipgloss.Color{
	domain.PriorityLow:    lipgloss.Color("34"),
	domain.PriorityMedium: lipgloss.Color("220"),
	domain.PriorityHigh:   lipgloss.Color("208"),
	domain.PriorityUrgent: lipgloss.Color("196"),
}

var statusColors = map[domain.Status]lipgloss.Color{
	domain.StatusPending:    lipgloss.Color("244"),
	domain.StatusInProgress: lipgloss.Color("39"),
	domain.StatusCompleted:  lipgloss.Color("34"),
	domain.StatusCancelled:  lipgloss.Color("160"),
}

func priorityBadge(p domain.Priority) string {
	return lipgloss.NewStyle().Foreground(priorityColors[p]).Render(string(p))
}

func statusBadge(s domain.Status) string {
	return lipgloss.NewStyle().Foreground(statusColors[s]).Render(s.Label())
}
