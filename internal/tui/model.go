// Package tui renders the concept dashboard in the terminal. The model holds
// no concept state of its own: it listens to the concept store and the
// dashboard bus and calls into the dashboard components for every action.
package tui

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/pbaille/mct/internal/dashboard"
	"github.com/pbaille/mct/internal/domain"
)

// ConceptFeed is the read side of the concept store.
type ConceptFeed interface {
	Snapshot() []domain.Concept
	Subscribe() (<-chan []domain.Concept, func())
}

// Options wires the model to the dashboard components.
type Options struct {
	Concepts  ConceptFeed
	List      *dashboard.ListView
	Form      *dashboard.Form
	Assistant *dashboard.Assistant
	Bus       *dashboard.Bus
	Logger    *zap.Logger
	// Style is a glamour style name for assistant replies. Empty or "auto"
	// picks one from the terminal background.
	Style string
	Now   func() time.Time
}

type focus int

const (
	focusList focus = iota
	focusChat
)

const (
	fieldTitle = iota
	fieldDescription
	fieldCategory
	fieldPriority
	fieldDue
	fieldCount
)

const (
	defaultWidth  = 100
	defaultHeight = 30
	dueLayout     = "2006-01-02"
)

// conceptsMsg carries the store's list after a change.
type conceptsMsg struct{ list []domain.Concept }

// commandMsg carries a command published on the dashboard bus.
type commandMsg struct{ command dashboard.Command }

// assistantUpdateMsg signals that the conversation changed.
type assistantUpdateMsg struct{}

// assistantDoneMsg is sent when a reply finished or failed.
type assistantDoneMsg struct{ err error }

// formSubmittedMsg is the result of a form submission.
type formSubmittedMsg struct {
	concept *domain.Concept
	err     error
}

// Model implements tea.Model for the dashboard.
type Model struct {
	ctx       context.Context
	list      *dashboard.ListView
	form      *dashboard.Form
	assistant *dashboard.Assistant
	logger    *zap.Logger
	now       func() time.Time
	style     string
	keys      KeyMap

	concepts []domain.Concept
	cursor   int
	focus    focus
	// confirmID is the concept awaiting delete confirmation.
	confirmID string

	title       textinput.Model
	description textinput.Model
	due         textinput.Model
	field       int
	dueErr      string

	chatInput textinput.Model
	viewport  viewport.Model
	spinner   spinner.Model
	renderer  *glamour.TermRenderer

	conceptCh   <-chan []domain.Concept
	commandCh   <-chan dashboard.Command
	updates     chan struct{}
	unsubscribe []func()

	width  int
	height int
}

// New builds the dashboard model and subscribes it to the store and bus.
// Close releases the subscriptions.
func New(ctx context.Context, opts Options) Model {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	conceptCh, stopConcepts := opts.Concepts.Subscribe()
	commandCh, stopCommands := opts.Bus.Subscribe(0)

	title := textinput.New()
	title.Placeholder = "What do you want to work on?"
	title.CharLimit = 200
	description := textinput.New()
	description.Placeholder = "Optional details"
	due := textinput.New()
	due.Placeholder = "YYYY-MM-DD (optional)"
	due.CharLimit = len(dueLayout)

	chatInput := textinput.New()
	chatInput.Placeholder = "Ask me anything about your concepts..."
	chatInput.Prompt = "│ "
	chatInput.CharLimit = 4096

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	m := Model{
		ctx:         ctx,
		list:        opts.List,
		form:        opts.Form,
		assistant:   opts.Assistant,
		logger:      opts.Logger,
		now:         opts.Now,
		style:       opts.Style,
		keys:        DefaultKeyMap,
		concepts:    opts.Concepts.Snapshot(),
		title:       title,
		description: description,
		due:         due,
		chatInput:   chatInput,
		spinner:     sp,
		conceptCh:   conceptCh,
		commandCh:   commandCh,
		updates:     make(chan struct{}, 1),
		unsubscribe: []func(){stopConcepts, stopCommands},
	}
	m.resize(defaultWidth, defaultHeight)
	return m
}

// Close unsubscribes from the store and bus. Pending listeners return.
func (m Model) Close() {
	for _, stop := range m.unsubscribe {
		stop()
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		m.spinner.Tick,
		listenForConcepts(m.conceptCh),
		listenForCommands(m.commandCh),
		listenForAssistant(m.updates),
	)
}

func listenForConcepts(channel <-chan []domain.Concept) tea.Cmd {
	return func() tea.Msg {
		list, ok := <-channel
		if !ok {
			return nil
		}
		return conceptsMsg{list: list}
	}
}

func listenForCommands(channel <-chan dashboard.Command) tea.Cmd {
	return func() tea.Msg {
		command, ok := <-channel
		if !ok {
			return nil
		}
		return commandMsg{command: command}
	}
}

func listenForAssistant(channel <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		if _, ok := <-channel; !ok {
			return nil
		}
		return assistantUpdateMsg{}
	}
}

// Update implements tea.Model.
func (m Model) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch message := message.(type) {
	case tea.WindowSizeMsg:
		m.resize(message.Width, message.Height)
		return m, nil

	case conceptsMsg:
		m.concepts = message.list
		m.clampCursor()
		return m, listenForConcepts(m.conceptCh)

	case commandMsg:
		if _, ok := message.command.(dashboard.OpenForm); ok {
			m.openForm()
		}
		return m, listenForCommands(m.commandCh)

	case assistantUpdateMsg:
		m.refreshConversation()
		return m, listenForAssistant(m.updates)

	case assistantDoneMsg:
		m.refreshConversation()
		return m, nil

	case formSubmittedMsg:
		if message.err == nil {
			m.resetForm()
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(message)
		return m, cmd

	case tea.KeyMsg:
		return m.handleKey(message)
	}
	return m, nil
}

func (m Model) handleKey(message tea.KeyMsg) (tea.Model, tea.Cmd) {
	if message.Type == tea.KeyCtrlC {
		return m, tea.Quit
	}
	switch {
	case m.confirmID != "":
		return m.handleConfirmKey(message)
	case m.form.IsOpen():
		return m.handleFormKey(message)
	case m.focus == focusChat:
		return m.handleChatKey(message)
	}
	return m.handleListKey(message)
}

func (m Model) handleListKey(message tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(message, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(message, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
	case key.Matches(message, m.keys.Down):
		if m.cursor < len(m.concepts)-1 {
			m.cursor++
		}
	case key.Matches(message, m.keys.Focus):
		m.focusOn(focusChat)
		return m, textinput.Blink
	case key.Matches(message, m.keys.Pending):
		return m, m.setStatus(domain.StatusPending)
	case key.Matches(message, m.keys.InProgress):
		return m, m.setStatus(domain.StatusInProgress)
	case key.Matches(message, m.keys.Complete):
		return m, m.setStatus(domain.StatusCompleted)
	case key.Matches(message, m.keys.Cancel):
		return m, m.setStatus(domain.StatusCancelled)
	case key.Matches(message, m.keys.Delete):
		if c, ok := m.selected(); ok {
			m.confirmID = c.ID
		}
	case key.Matches(message, m.keys.New):
		m.list.CreateConcept()
	case key.Matches(message, m.keys.Refresh):
		m.list.Refresh()
	case key.Matches(message, m.keys.QuickNew):
		m.assistant.Quick(dashboard.QuickActionNewConcept)
	case key.Matches(message, m.keys.QuickTips):
		m.quickTips()
		return m, textinput.Blink
	}
	return m, nil
}

func (m Model) handleConfirmKey(message tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(message, m.keys.Confirm):
		id := m.confirmID
		m.confirmID = ""
		list, ctx := m.list, m.ctx
		return m, func() tea.Msg {
			// Failures are logged by the list view; the store's next
			// reconciliation shows the real state.
			_, _ = list.Delete(ctx, id)
			return nil
		}
	case key.Matches(message, m.keys.Decline):
		m.confirmID = ""
	}
	return m, nil
}

func (m Model) handleChatKey(message tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(message, m.keys.Focus), key.Matches(message, m.keys.Back):
		m.focusOn(focusList)
		return m, nil
	case key.Matches(message, m.keys.QuickNew):
		m.assistant.Quick(dashboard.QuickActionNewConcept)
		return m, nil
	case key.Matches(message, m.keys.QuickTips):
		m.quickTips()
		return m, nil
	case key.Matches(message, m.keys.Submit):
		return m, m.send()
	}

	if m.chatInput.Value() == "" && message.Type == tea.KeyRunes && len(message.Runes) == 1 {
		if r := message.Runes[0]; r >= '1' && r <= '9' {
			if suggestions := m.suggestions(); int(r-'1') < len(suggestions) {
				m.assistant.Select(suggestions[r-'1'])
				m.chatInput.SetValue(m.assistant.Input())
				m.chatInput.CursorEnd()
				return m, nil
			}
		}
	}

	var cmd tea.Cmd
	m.chatInput, cmd = m.chatInput.Update(message)
	return m, cmd
}

func (m Model) handleFormKey(message tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(message, m.keys.Back):
		m.form.Close()
		m.focusOn(m.focus)
		return m, nil
	case key.Matches(message, m.keys.Submit):
		return m, m.submit()
	case key.Matches(message, m.keys.NextField):
		m.moveField(1)
		return m, textinput.Blink
	case key.Matches(message, m.keys.PrevField):
		m.moveField(-1)
		return m, textinput.Blink
	}

	switch m.field {
	case fieldCategory, fieldPriority:
		step := 0
		switch {
		case key.Matches(message, m.keys.NextValue):
			step = 1
		case key.Matches(message, m.keys.PrevValue):
			step = -1
		}
		if step != 0 {
			values := m.form.Values()
			if m.field == fieldCategory {
				m.form.SetCategory(cycle(domain.Categories, values.Category, step))
			} else {
				m.form.SetPriority(cycle(domain.Priorities, values.Priority, step))
			}
		}
		return m, nil
	}

	input := m.input(m.field)
	before := input.Value()
	var cmd tea.Cmd
	*input, cmd = input.Update(message)
	if after := input.Value(); after != before {
		switch m.field {
		case fieldTitle:
			m.form.SetTitle(after)
		case fieldDescription:
			m.form.SetDescription(after)
		case fieldDue:
			m.dueErr = ""
		}
	}
	return m, cmd
}

// setStatus returns a command moving the selected concept to status, or
// nil when it already has it.
func (m *Model) setStatus(status domain.Status) tea.Cmd {
	c, ok := m.selected()
	if !ok || c.Status == status {
		return nil
	}
	list, ctx := m.list, m.ctx
	return func() tea.Msg {
		_ = list.SetStatus(ctx, c.ID, status)
		return nil
	}
}

func (m *Model) send() tea.Cmd {
	if strings.TrimSpace(m.chatInput.Value()) == "" || m.assistant.Loading() {
		return nil
	}
	m.assistant.SetInput(m.chatInput.Value())
	m.chatInput.Reset()

	assistant, ctx, updates := m.assistant, m.ctx, m.updates
	notify := func() {
		select {
		case updates <- struct{}{}:
		default:
		}
	}
	return func() tea.Msg {
		return assistantDoneMsg{err: assistant.Send(ctx, notify)}
	}
}

func (m *Model) submit() tea.Cmd {
	if m.form.Loading() || !m.applyDue() {
		return nil
	}
	form, ctx := m.form, m.ctx
	return func() tea.Msg {
		created, err := form.Submit(ctx)
		return formSubmittedMsg{concept: created, err: err}
	}
}

// applyDue moves the typed due date into the form. It reports false when
// the date is malformed or in the past.
func (m *Model) applyDue() bool {
	value := strings.TrimSpace(m.due.Value())
	if value == "" {
		m.form.ClearDueDate()
		m.dueErr = ""
		return true
	}
	now := m.now()
	date, err := time.ParseInLocation(dueLayout, value, now.Location())
	if err != nil {
		m.dueErr = "Use the YYYY-MM-DD format"
		return false
	}
	m.dueErr = ""
	return m.form.SetDueDate(date, now) == nil
}

func (m *Model) quickTips() {
	m.assistant.Quick(dashboard.QuickActionTips)
	m.focusOn(focusChat)
	m.chatInput.SetValue(m.assistant.Input())
	m.chatInput.CursorEnd()
}

func (m *Model) suggestions() []string {
	messages := m.assistant.Messages()
	if len(messages) == 0 {
		return nil
	}
	last := messages[len(messages)-1]
	if last.Role != dashboard.RoleAssistant {
		return nil
	}
	return last.Suggestions
}

func (m *Model) openForm() {
	m.form.Open()
	values := m.form.Values()
	m.title.SetValue(values.Title)
	m.description.SetValue(values.Description)
	if values.DueDate != nil {
		m.due.SetValue(values.DueDate.Format(dueLayout))
	}
	m.field = fieldTitle
	m.chatInput.Blur()
	m.focusField()
}

func (m *Model) resetForm() {
	m.title.Reset()
	m.description.Reset()
	m.due.Reset()
	m.dueErr = ""
	m.field = fieldTitle
	m.focusOn(m.focus)
}

func (m *Model) moveField(step int) {
	if m.field == fieldDue && !m.applyDue() && step > 0 {
		return
	}
	m.field = (m.field + step + fieldCount) % fieldCount
	m.focusField()
}

func (m *Model) focusField() {
	for i := fieldTitle; i < fieldCount; i++ {
		if input := m.input(i); input != nil {
			if i == m.field {
				input.Focus()
			} else {
				input.Blur()
			}
		}
	}
}

func (m *Model) input(field int) *textinput.Model {
	switch field {
	case fieldTitle:
		return &m.title
	case fieldDescription:
		return &m.description
	case fieldDue:
		return &m.due
	}
	return nil
}

func (m *Model) focusOn(f focus) {
	m.focus = f
	if f == focusChat {
		m.chatInput.Focus()
	} else {
		m.chatInput.Blur()
	}
}

func (m *Model) selected() (domain.Concept, bool) {
	if m.cursor < 0 || m.cursor >= len(m.concepts) {
		return domain.Concept{}, false
	}
	return m.concepts[m.cursor], true
}

func (m *Model) clampCursor() {
	if m.cursor >= len(m.concepts) {
		m.cursor = len(m.concepts) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

func (m *Model) resize(width, height int) {
	m.width, m.height = width, height
	chatWidth := m.chatWidth()
	m.chatInput.Width = chatWidth - 4
	m.viewport = viewport.New(chatWidth-2, max(m.bodyHeight()-6, 3))
	m.renderer = newRenderer(m.style, chatWidth-4)
	m.refreshConversation()
}

func newRenderer(style string, width int) *glamour.TermRenderer {
	styleOption := glamour.WithAutoStyle()
	if style != "" && style != "auto" {
		styleOption = glamour.WithStylePath(style)
	}
	renderer, err := glamour.NewTermRenderer(styleOption, glamour.WithWordWrap(width))
	if err != nil {
		return nil
	}
	return renderer
}

func (m *Model) refreshConversation() {
	m.viewport.SetContent(m.renderConversation())
	m.viewport.GotoBottom()
}

func (m *Model) renderConversation() string {
	var b strings.Builder
	for _, message := range m.assistant.Messages() {
		if message.Role == dashboard.RoleUser {
			b.WriteString(userStyle.Render("You") + "\n" + message.Content + "\n\n")
			continue
		}
		b.WriteString(titleStyle.Render("Assistant") + "\n" + m.markdown(message.Content) + "\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m *Model) markdown(content string) string {
	if content == "" || m.renderer == nil {
		return content
	}
	out, err := m.renderer.Render(content)
	if err != nil {
		m.logger.Debug("markdown render failed", zap.Error(err))
		return content
	}
	return strings.Trim(out, "\n")
}

func (m Model) listWidth() int { return m.width * 3 / 5 }

func (m Model) chatWidth() int { return max(m.width-m.listWidth()-4, 20) }

func (m Model) bodyHeight() int { return max(m.height-6, 6) }

// View implements tea.Model.
func (m Model) View() string {
	switch {
	case m.form.IsOpen():
		return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, m.formView())
	case m.confirmID != "":
		return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, m.confirmView())
	}

	header := titleStyle.Render("Micro Concept Tracker") + "  " + faintStyle.Render(statsLine(dashboard.ComputeStats(m.concepts)))

	listPanel, chatPanel := panelStyle, panelStyle
	if m.focus == focusList {
		listPanel = focusedPanelStyle
	} else {
		chatPanel = focusedPanelStyle
	}
	body := lipgloss.JoinHorizontal(lipgloss.Top,
		listPanel.Width(m.listWidth()).Height(m.bodyHeight()).Render(m.listView()),
		chatPanel.Width(m.chatWidth()).Height(m.bodyHeight()).Render(m.chatView()),
	)

	return lipgloss.JoinVertical(lipgloss.Left, header, body, faintStyle.Render(m.helpLine()))
}

func statsLine(s dashboard.Stats) string {
	return fmt.Sprintf("%d total · %d completed · %d in progress · %d pending · %d urgent · %d%% complete",
		s.Total, s.Completed, s.InProgress, s.Pending, s.Urgent, s.CompletionRate)
}

func (m Model) listView() string {
	if len(m.concepts) == 0 {
		empty := dashboard.Empty
		return lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render(empty.Title),
			faintStyle.Render(empty.Body),
			"",
			fmt.Sprintf("[%s] %s", m.keys.New.Help().Key, empty.Action),
		)
	}

	rows := dashboard.FormatRows(m.concepts, m.now())
	visible := max(m.bodyHeight()/3, 1)
	start := 0
	if m.cursor >= visible {
		start = m.cursor - visible + 1
	}
	end := min(start+visible, len(rows))

	var b strings.Builder
	b.WriteString(titleStyle.Render("Your Concepts") + " " + faintStyle.Render(fmt.Sprintf("(%d)", len(rows))) + "\n\n")
	for i := start; i < end; i++ {
		row := rows[i]
		marker, title := "  ", row.Title
		if i == m.cursor {
			marker, title = "> ", selectedStyle.Render(row.Title)
		}
		meta := []string{priorityBadge(row.Priority), statusBadge(row.Status), string(row.Category)}
		if row.Due != "" {
			meta = append(meta, row.Due)
		}
		meta = append(meta, row.Created)

		b.WriteString(marker + title + "\n")
		b.WriteString("  " + strings.Join(meta, faintStyle.Render(" · ")) + "\n")
		if row.Description != "" {
			b.WriteString("  " + faintStyle.Render(truncate(row.Description, m.listWidth()-4)) + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) chatView() string {
	var b strings.Builder
	b.WriteString(m.viewport.View() + "\n")

	if m.assistant.Loading() {
		b.WriteString(m.spinner.View() + " Thinking...\n")
	} else if suggestions := m.suggestions(); len(suggestions) > 0 {
		for i, s := range suggestions {
			b.WriteString(faintStyle.Render(fmt.Sprintf("[%d] ", i+1)) + s + "\n")
		}
	}

	b.WriteString(m.chatInput.View() + "\n")
	b.WriteString(faintStyle.Render(fmt.Sprintf("%s %s · %s %s",
		m.keys.QuickNew.Help().Key, dashboard.QuickActionNewConcept,
		m.keys.QuickTips.Help().Key, dashboard.QuickActionTips)))
	return b.String()
}

func (m Model) formView() string {
	values := m.form.Values()
	errs := m.form.Errors()

	label := func(field int, name string) string {
		if field == m.field {
			return selectedStyle.Render("> " + name)
		}
		return "  " + name
	}
	option := func(v string) string {
		if v == "" {
			return faintStyle.Render("← select →")
		}
		return "← " + v + " →"
	}
	fieldError := func(name string) string {
		if msg, ok := errs[name]; ok {
			return "\n    " + errorStyle.Render(msg)
		}
		return ""
	}

	lines := []string{
		titleStyle.Render("New Concept"),
		"",
		label(fieldTitle, "Title *") + "\n    " + m.title.View() + fieldError(dashboard.FieldTitle),
		label(fieldDescription, "Description") + "\n    " + m.description.View(),
		label(fieldCategory, "Category *") + "\n    " + option(string(values.Category)) + fieldError(dashboard.FieldCategory),
		label(fieldPriority, "Priority *") + "\n    " + option(string(values.Priority)) + fieldError(dashboard.FieldPriority),
		label(fieldDue, "Due date") + "\n    " + m.due.View() + fieldError(dashboard.FieldDueDate),
	}
	if m.dueErr != "" {
		lines = append(lines, "    "+errorStyle.Render(m.dueErr))
	}
	if msg, ok := errs[dashboard.FieldSubmit]; ok {
		lines = append(lines, "", errorStyle.Render(msg))
	}
	if m.form.Loading() {
		lines = append(lines, "", m.spinner.View()+" Creating...")
	}
	lines = append(lines, "", faintStyle.Render("tab next field · ←/→ choose · enter create · esc cancel"))

	return modalStyle.Render(strings.Join(lines, "\n"))
}

func (m Model) confirmView() string {
	return modalStyle.Render(dashboard.DeletePrompt + "\n\n" + faintStyle.Render("[y] yes   [n] no"))
}

func (m Model) helpLine() string {
	bindings := []key.Binding{m.keys.Submit, m.keys.Focus}
	if m.focus == focusList {
		bindings = []key.Binding{
			m.keys.Down, m.keys.Up, m.keys.InProgress, m.keys.Complete, m.keys.Pending,
			m.keys.Cancel, m.keys.Delete, m.keys.New, m.keys.Refresh, m.keys.Focus, m.keys.Quit,
		}
	}
	parts := make([]string, 0, len(bindings))
	for _, b := range bindings {
		parts = append(parts, b.Help().Key+" "+b.Help().Desc)
	}
	return strings.Join(parts, " · ")
}

func cycle[T comparable](options []T, current T, step int) T {
	i := slices.Index(options, current)
	if i < 0 {
		if step > 0 {
			return options[0]
		}
		return options[len(options)-1]
	}
	return options[(i+step+len(options))%len(options)]
}

func truncate(s string, n int) string {
	if n <= 3 || len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-3]) + "..."
}
