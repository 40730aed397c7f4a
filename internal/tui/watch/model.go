// Package watch is the live sync view behind `snapsync watch`.
package watch

import (
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/marcus/snapsync/internal/engine"
	"github.com/marcus/snapsync/internal/snapshot"
)

// Panel represents which panel is active
type Panel int

const (
	PanelSnapshot Panel = iota
	PanelActivity
)

// maxEvents bounds the activity log.
const maxEvents = 200

// Source is the engine surface the view reads from.
type Source interface {
	ClientID() string
	LocalOnly() bool
	Snapshot() (snapshot.Snapshot, snapshot.Meta)
	Status() engine.StatusEvent
	Retry()
}

// StatusMsg carries a status event from the engine.
type StatusMsg engine.StatusEvent

// ChangeMsg carries an adopted remote document.
type ChangeMsg snapshot.Document

// TickMsg refreshes relative timestamps.
type TickMsg time.Time

// Model is the Bubble Tea model for the watch view
type Model struct {
	Source     Source
	DocumentID string
	events     <-chan tea.Msg

	// Window dimensions
	Width  int
	Height int

	Snap   snapshot.Snapshot
	Meta   snapshot.Meta
	Status engine.StatusEvent
	Events []engine.StatusEvent // newest first
	Remote int                  // adopted remote documents

	// Spinner animates the header while a write is in flight
	Spinner spinner.Model

	ActivePanel  Panel
	ScrollOffset map[Panel]int
	ShowHelp     bool
	LastRefresh  time.Time
}

// MinWidth is the minimum terminal width for proper display
const MinWidth = 40

// MinHeight is the minimum terminal height for proper display
const MinHeight = 12

// NewModel creates a watch model fed by events (see Listen).
func NewModel(src Source, documentID string, events <-chan tea.Msg) Model {
	s, meta := src.Snapshot()
	sp := spinner.New()
	sp.Spinner = spinner.MiniDot
	sp.Style = spinnerStyle
	return Model{
		Source:       src,
		DocumentID:   documentID,
		events:       events,
		Snap:         s,
		Meta:         meta,
		Status:       src.Status(),
		Spinner:      sp,
		ScrollOffset: make(map[Panel]int),
		LastRefresh:  time.Now(),
	}
}

// Init implements tea.Model
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.waitForEvent(), scheduleTick(), m.Spinner.Tick)
}

// Update implements tea.Model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.Spinner, cmd = m.Spinner.Update(msg)
		return m, cmd

	case TickMsg:
		m.LastRefresh = time.Time(msg)
		return m, scheduleTick()

	case StatusMsg:
		ev := engine.StatusEvent(msg)
		m.Status = ev
		m.Events = append([]engine.StatusEvent{ev}, m.Events...)
		if len(m.Events) > maxEvents {
			m.Events = m.Events[:maxEvents]
		}
		m.Snap, m.Meta = m.Source.Snapshot()
		return m, m.waitForEvent()

	case ChangeMsg:
		m.Remote++
		m.Snap, m.Meta = msg.Snapshot, msg.Meta
		return m, m.waitForEvent()
	}

	return m, nil
}

// handleKey processes key input
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit

	case "tab", "shift+tab":
		m.ActivePanel = (m.ActivePanel + 1) % 2
		return m, nil

	case "j", "down":
		m.ScrollOffset[m.ActivePanel]++
		return m, nil

	case "k", "up":
		if m.ScrollOffset[m.ActivePanel] > 0 {
			m.ScrollOffset[m.ActivePanel]--
		}
		return m, nil

	case "r":
		src := m.Source
		return m, func() tea.Msg {
			src.Retry()
			return nil
		}

	case "?":
		m.ShowHelp = !m.ShowHelp
		return m, nil
	}

	return m, nil
}

// View implements tea.Model
func (m Model) View() string {
	return m.renderView()
}

func (m Model) waitForEvent() tea.Cmd {
	if m.events == nil {
		return nil
	}
	ch := m.events
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return nil
		}
		return msg
	}
}

func scheduleTick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// Subscriber is the engine surface Listen registers with.
type Subscriber interface {
	SubscribeStatus(func(engine.StatusEvent)) func()
	OnChange(func(snapshot.Document)) func()
}

// Listen bridges engine callbacks into a channel of tea messages. Engine
// listeners must not block, so events arriving while the buffer is full are
// dropped; the next event re-reads the snapshot anyway.
func Listen(sub Subscriber) (<-chan tea.Msg, func()) {
	ch := make(chan tea.Msg, 64)
	send := func(msg tea.Msg) {
		select {
		case ch <- msg:
		default:
		}
	}
	u1 := sub.SubscribeStatus(func(ev engine.StatusEvent) { send(StatusMsg(ev)) })
	u2 := sub.OnChange(func(doc snapshot.Document) { send(ChangeMsg(doc)) })
	return ch, func() {
		u1()
		u2()
	}
}
