package tui

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines the dashboard key bindings.
type KeyMap struct {
	Up   key.Binding
	Down key.Binding

	// Focus toggles between the concept list and the assistant panel.
	Focus key.Binding

	// List actions on the selected concept.
	Pending    key.Binding
	InProgress key.Binding
	Complete   key.Binding
	Cancel     key.Binding
	Delete     key.Binding

	New     key.Binding
	Refresh key.Binding

	// Assistant quick actions.
	QuickNew  key.Binding
	QuickTips key.Binding

	Confirm key.Binding // Answer yes in the delete prompt.
	Decline key.Binding
	Submit  key.Binding
	Back    key.Binding

	// Form field navigation and option cycling.
	NextField key.Binding
	PrevField key.Binding
	NextValue key.Binding
	PrevValue key.Binding

	Quit key.Binding
}

// DefaultKeyMap is the built-in key binding set.
var DefaultKeyMap = KeyMap{
	Up: key.NewBinding(
		key.WithKeys("k", "up"),
		key.WithHelp("k/↑", "up"),
	),
	Down: key.NewBinding(
		key.WithKeys("j", "down"),
		key.WithHelp("j/↓", "down"),
	),
	Focus: key.NewBinding(
		key.WithKeys("tab"),
		key.WithHelp("tab", "list/assistant"),
	),
	Pending: key.NewBinding(
		key.WithKeys("p"),
		key.WithHelp("p", "pending"),
	),
	InProgress: key.NewBinding(
		key.WithKeys("i"),
		key.WithHelp("i", "start"),
	),
	Complete: key.NewBinding(
		key.WithKeys("c"),
		key.WithHelp("c", "complete"),
	),
	Cancel: key.NewBinding(
		key.WithKeys("x"),
		key.WithHelp("x", "cancel"),
	),
	Delete: key.NewBinding(
		key.WithKeys("d"),
		key.WithHelp("d", "delete"),
	),
	New: key.NewBinding(
		key.WithKeys("n"),
		key.WithHelp("n", "new concept"),
	),
	Refresh: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "refresh"),
	),
	QuickNew: key.NewBinding(
		key.WithKeys("ctrl+n"),
		key.WithHelp("ctrl+n", "new concept"),
	),
	QuickTips: key.NewBinding(
		key.WithKeys("ctrl+t"),
		key.WithHelp("ctrl+t", "get tips"),
	),
	Confirm: key.NewBinding(
		key.WithKeys("y", "Y"),
		key.WithHelp("y", "yes"),
	),
	Decline: key.NewBinding(
		key.WithKeys("n", "N", "esc"),
		key.WithHelp("n", "no"),
	),
	Submit: key.NewBinding(
		key.WithKeys("enter"),
		key.WithHelp("enter", "send"),
	),
	Back: key.NewBinding(
		key.WithKeys("esc"),
		key.WithHelp("esc", "close"),
	),
	NextField: key.NewBinding(
		key.WithKeys("tab", "down"),
		key.WithHelp("tab", "next field"),
	),
	PrevField: key.NewBinding(
		key.WithKeys("shift+tab", "up"),
		key.WithHelp("shift+tab", "previous field"),
	),
	NextValue: key.NewBinding(
		key.WithKeys("right", "l"),
		key.WithHelp("→", "next option"),
	),
	PrevValue: key.NewBinding(
		key.WithKeys("left", "h"),
		key.WithHelp("←", "previous option"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}
