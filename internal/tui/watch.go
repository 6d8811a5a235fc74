// Package tui provides the terminal user interface for adev.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/load28/a-dev/internal/engine"
	"github.com/load28/a-dev/pkg/models"
)

// Snapshot is one refresh of composite-task state.
type Snapshot struct {
	Composite *models.CompositeTask
	Subtasks  []models.Task
}

// Loader fetches the current state of the watched composite task.
type Loader interface {
	Load() (*Snapshot, error)
}

// tickMsg drives the periodic state refresh.
type tickMsg time.Time

// snapshotMsg delivers a loaded snapshot.
type snapshotMsg struct {
	snap *Snapshot
	err  error
}

// EngineEventMsg wraps an engine event for display in the log panel.
type EngineEventMsg struct {
	Event engine.Event
}

// logEntry is one line of the event log.
type logEntry struct {
	timestamp time.Time
	level     string
	message   string
}

// WatchApp is the bubbletea model for watching a composite task run.
type WatchApp struct {
	loader  Loader
	refresh time.Duration

	snap    *Snapshot
	loadErr error
	logs    []logEntry
	spin    spinner.Model

	width    int
	height   int
	quitting bool

	titleStyle  lipgloss.Style
	batchStyle  lipgloss.Style
	doneStyle   lipgloss.Style
	runStyle    lipgloss.Style
	failStyle   lipgloss.Style
	cancelStyle lipgloss.Style
	waitStyle   lipgloss.Style
	logStyle    lipgloss.Style
	footStyle   lipgloss.Style
}

// NewWatchApp creates a watch view refreshing at the given interval.
func NewWatchApp(loader Loader, refresh time.Duration) *WatchApp {
	if refresh <= 0 {
		refresh = 500 * time.Millisecond
	}
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("34"))

	return &WatchApp{
		loader:  loader,
		refresh: refresh,
		spin:    sp,

		titleStyle:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")),
		batchStyle:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("75")),
		doneStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("28")),
		runStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("34")),
		failStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		cancelStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		waitStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
		logStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		footStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Italic(true),
	}
}

// Init implements tea.Model.
func (a *WatchApp) Init() tea.Cmd {
	return tea.Batch(a.spin.Tick, a.load, a.tick())
}

func (a *WatchApp) tick() tea.Cmd {
	return tea.Tick(a.refresh, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *WatchApp) load() tea.Msg {
	snap, err := a.loader.Load()
	return snapshotMsg{snap: snap, err: err}
}

// Update implements tea.Model.
func (a *WatchApp) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			a.quitting = true
			return a, tea.Quit
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height

	case tickMsg:
		return a, tea.Batch(a.load, a.tick())

	case snapshotMsg:
		a.snap = msg.snap
		a.loadErr = msg.err

	case EngineEventMsg:
		level := "INFO"
		text := msg.Event.Message
		if msg.Event.Error != "" {
			level = "ERROR"
			text = msg.Event.Error
		}
		a.logs = append(a.logs, logEntry{
			timestamp: msg.Event.Timestamp,
			level:     level,
			message:   fmt.Sprintf("%s %s", msg.Event.Type, text),
		})

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spin, cmd = a.spin.Update(msg)
		return a, cmd
	}

	return a, nil
}

// View implements tea.Model.
func (a *WatchApp) View() string {
	if a.quitting {
		return ""
	}
	if a.loadErr != nil {
		return a.failStyle.Render(fmt.Sprintf("error: %v", a.loadErr)) + "\n"
	}
	if a.snap == nil || a.snap.Composite == nil {
		return a.spin.View() + " loading...\n"
	}

	var b strings.Builder
	c := a.snap.Composite

	b.WriteString(a.titleStyle.Render(c.Title))
	b.WriteString(a.waitStyle.Render(fmt.Sprintf("  (%s)", c.ID[:8])))
	b.WriteString("\n\n")

	byID := make(map[string]*models.Task, len(a.snap.Subtasks))
	for i := range a.snap.Subtasks {
		byID[a.snap.Subtasks[i].ID] = &a.snap.Subtasks[i]
	}

	for i, batch := range c.Batches {
		b.WriteString(a.batchStyle.Render(fmt.Sprintf("Batch %d", i+1)))
		b.WriteString("\n")
		for _, id := range batch {
			t := byID[id]
			if t == nil {
				continue
			}
			b.WriteString("  ")
			b.WriteString(a.renderTask(t))
			b.WriteString("\n")
		}
	}

	if c.CompletedAt != nil {
		b.WriteString("\n")
		if c.PRURL != "" {
			b.WriteString(a.doneStyle.Render("✓ finalized: " + c.PRURL))
		} else {
			b.WriteString(a.doneStyle.Render("✓ finalized"))
		}
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(a.viewLogs())
	b.WriteString("\n")
	b.WriteString(a.footStyle.Render("q to quit"))
	b.WriteString("\n")
	return b.String()
}

func (a *WatchApp) renderTask(t *models.Task) string {
	switch t.Status {
	case models.StatusCompleted:
		line := fmt.Sprintf("✓ %s", t.Title)
		if t.PRURL != "" {
			line += "  " + t.PRURL
		}
		return a.doneStyle.Render(line)
	case models.StatusInProgress:
		return a.spin.View() + a.runStyle.Render(t.Title)
	case models.StatusFailed:
		line := fmt.Sprintf("✗ %s", t.Title)
		if t.Error != "" {
			line += "  " + t.Error
		}
		return a.failStyle.Render(line)
	case models.StatusCancelled:
		return a.cancelStyle.Render(fmt.Sprintf("- %s (cancelled)", t.Title))
	default:
		return a.waitStyle.Render(fmt.Sprintf("· %s", t.Title))
	}
}

func (a *WatchApp) viewLogs() string {
	if len(a.logs) == 0 {
		return a.logStyle.Render("no events yet")
	}
	start := 0
	if len(a.logs) > 10 {
		start = len(a.logs) - 10
	}
	var b strings.Builder
	for _, entry := range a.logs[start:] {
		ts := entry.timestamp.Format("15:04:05")
		b.WriteString(a.logStyle.Render(fmt.Sprintf("%s [%s] %s", ts, entry.level, entry.message)))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// Watch runs the watch view, forwarding engine events into the program
// until the events channel closes or the user quits.
func Watch(loader Loader, events <-chan engine.Event, refresh time.Duration) error {
	app := NewWatchApp(loader, refresh)
	p := tea.NewProgram(app, tea.WithAltScreen())

	if events != nil {
		go func() {
			for ev := range events {
				p.Send(EngineEventMsg{Event: ev})
			}
		}()
	}

	_, err := p.Run()
	return err
}
