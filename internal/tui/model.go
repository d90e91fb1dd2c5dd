package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/xkilldash9x/replyloop/internal/loop"
)

const (
	maxNotices          = 6
	defaultTickInterval = 250 * time.Millisecond
)

// EventKind identifies a presenter notification forwarded to the model.
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventNotify
	EventContinueAvailable
	EventContinueConsumed
)

// Event is one presenter notification.
type Event struct {
	Kind     EventKind
	RunState loop.RunState
	Message  string
	At       time.Time
}

// EventMsg wraps an Event for bubbletea.
type EventMsg struct {
	Event Event
}

type tickMsg time.Time

type notice struct {
	at      time.Time
	message string
}

// Model renders the loop status and maps key presses onto loop.Controls.
type Model struct {
	controls     loop.Controls
	status       func() loop.Status
	events       <-chan Event
	tickInterval time.Duration

	snapshot          loop.Status
	mode              loop.Mode
	continueAvailable bool
	notices           []notice
	width             int
	quitting          bool
}

// NewModel creates a Model. status is polled on every tick; it may be nil.
func NewModel(controls loop.Controls, status func() loop.Status, events <-chan Event, mode loop.Mode) Model {
	m := Model{
		controls:     controls,
		status:       status,
		events:       events,
		tickInterval: defaultTickInterval,
		mode:         mode,
	}
	m.refresh()
	return m
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.events), tick(m.tickInterval))
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(typed)
	case tea.WindowSizeMsg:
		m.width = typed.Width
		return m, nil
	case EventMsg:
		m = applyEvent(m, typed.Event)
		return m, waitForEvent(m.events)
	case tickMsg:
		m.refresh()
		return m, tick(m.tickInterval)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit
	case "t", " ":
		m.controls.Toggle()
	case "m":
		next := loop.ModeManual
		if m.mode == loop.ModeManual {
			next = loop.ModeAuto
		}
		m.controls.SetLoopMode(next)
		m.mode = next
	case "c", "enter":
		if m.continueAvailable {
			m.controls.RequestManualContinue()
		}
	}
	return m, nil
}

func (m *Model) refresh() {
	if m.status == nil {
		return
	}
	m.snapshot = m.status()
	if m.snapshot.Mode != "" {
		m.mode = m.snapshot.Mode
	}
}

func applyEvent(m Model, e Event) Model {
	switch e.Kind {
	case EventStateChanged:
		m.snapshot.RunState = e.RunState
		if e.RunState == loop.Stopped {
			m.continueAvailable = false
		}
	case EventNotify:
		m.notices = append(m.notices, notice{at: e.At, message: e.Message})
		if len(m.notices) > maxNotices {
			m.notices = m.notices[len(m.notices)-maxNotices:]
		}
	case EventContinueAvailable:
		m.continueAvailable = true
	case EventContinueConsumed:
		m.continueAvailable = false
	}
	return m
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	rows := []string{
		titleStyle.Render("replyloop"),
		"",
		row("Run", renderRunState(m.snapshot.RunState, m.continueAvailable)),
		row("State", m.snapshot.State.String()),
		row("Mode", string(m.mode)),
		row("Sequences", fmt.Sprintf("%d", m.snapshot.Sequences)),
		row("Completions", fmt.Sprintf("%d", m.snapshot.Completions)),
	}
	if m.snapshot.RunID != "" {
		rows = append(rows, row("Run ID", m.snapshot.RunID))
	}

	rows = append(rows, "")
	for _, n := range m.notices {
		line := n.message
		if !n.at.IsZero() {
			line = n.at.Format("15:04:05") + "  " + line
		}
		rows = append(rows, noticeStyle.Render(line))
	}

	rows = append(rows, "", footerStyle.Render(footerText(m.continueAvailable)))
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

func row(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), value)
}

func renderRunState(r loop.RunState, waiting bool) string {
	switch {
	case waiting:
		return waitingStyle.Render("WAITING")
	case r == loop.Running:
		return runningStyle.Render(r.String())
	}
	return stoppedStyle.Render(r.String())
}

func footerText(continueAvailable bool) string {
	keys := []string{"t toggle", "m mode"}
	if continueAvailable {
		keys = append(keys, "c continue")
	}
	keys = append(keys, "q quit")
	return strings.Join(keys, " • ")
}

// waitForEvent blocks until a presenter event arrives. A closed channel
// quits the program.
func waitForEvent(events <-chan Event) tea.Cmd {
	return func() tea.Msg {
		if events == nil {
			return nil
		}
		e, ok := <-events
		if !ok {
			return tea.Quit()
		}
		return EventMsg{Event: e}
	}
}

func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}
