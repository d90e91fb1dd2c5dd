package tui

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/xkilldash9x/replyloop/internal/loop"
)

// ErrQuit is returned by Run when the user leaves the dashboard.
var ErrQuit = errors.New("tui: user quit")

// UI runs the dashboard and implements loop.Presenter. Presenter calls never
// block; events are dropped when the program falls behind.
type UI struct {
	opts []tea.ProgramOption
	now  func() time.Time

	mu     sync.Mutex
	events chan Event
	closed bool
}

var _ loop.Presenter = (*UI)(nil)

// New creates a UI. opts are passed to the bubbletea program, for example
// tea.WithOutput or tea.WithInput. The UI buffers presenter events from the
// moment it is created, so it can be handed to the controller before Run.
func New(opts ...tea.ProgramOption) *UI {
	return &UI{
		opts:   opts,
		now:    time.Now,
		events: make(chan Event, 64),
	}
}

// Run shows the dashboard for controls until the user quits or ctx is done.
// A user quit yields ErrQuit so the caller can stop the rest of the run.
func (u *UI) Run(ctx context.Context, controls loop.Controls, status func() loop.Status, mode loop.Mode) error {
	model := NewModel(controls, status, u.events, mode)
	opts := append([]tea.ProgramOption{tea.WithContext(ctx), tea.WithAltScreen()}, u.opts...)

	final, err := tea.NewProgram(model, opts...).Run()
	if err != nil {
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("dashboard failed: %w", err)
	}
	if m, ok := final.(Model); ok && m.quitting {
		return ErrQuit
	}
	return nil
}

// Close ends the event stream, which quits a running program.
func (u *UI) Close() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.closed {
		u.closed = true
		close(u.events)
	}
}

func (u *UI) OnStateChanged(state loop.RunState) {
	u.send(Event{Kind: EventStateChanged, RunState: state})
}

func (u *UI) OnNotify(message string) {
	u.send(Event{Kind: EventNotify, Message: message, At: u.now()})
}

func (u *UI) OnManualContinueAvailable() {
	u.send(Event{Kind: EventContinueAvailable})
}

func (u *UI) OnManualContinueConsumed() {
	u.send(Event{Kind: EventContinueConsumed})
}

// send enqueues e without blocking the controller.
func (u *UI) send(e Event) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return
	}
	select {
	case u.events <- e:
	default:
	}
}
