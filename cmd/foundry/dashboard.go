package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"foundry/pkg/eventlog"
	"foundry/pkg/supervisor"
	"foundry/pkg/workspace"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// tickMsg is sent by Bubble Tea on every tick interval.
// Used to trigger periodic data refresh.
type tickMsg time.Time

// snapshotMsg carries one refresh of everything the dashboard shows.
type snapshotMsg struct {
	daemon     DaemonStatusValue
	daemonPID  int
	workspaces []*workspace.Workspace
	pids       map[string]int
	events     []eventlog.Event
	err        error
}

// Theme defines the visual styling for the foundry dashboard.
type Theme struct {
	Primary lipgloss.Color
	Success lipgloss.Color
	Warning lipgloss.Color
	Error   lipgloss.Color
	Muted   lipgloss.Color
}

// DefaultTheme returns the default theme for foundry dash.
func DefaultTheme() Theme {
	return Theme{
		Primary: lipgloss.Color("12"),  // Blue
		Success: lipgloss.Color("10"),  // Green
		Warning: lipgloss.Color("11"),  // Yellow
		Error:   lipgloss.Color("9"),   // Red
		Muted:   lipgloss.Color("240"), // Gray
	}
}

// dashModel is the Bubble Tea model for the foundry dashboard.
type dashModel struct {
	comps  *components
	theme  Theme
	events viewport.Model

	snapshot snapshotMsg
	width    int
	height   int
	ready    bool
}

func newDashModel(comps *components) dashModel {
	return dashModel{
		comps: comps,
		theme: DefaultTheme(),
	}
}

// runDashboard starts the TUI and blocks until it exits.
func runDashboard(comps *components) error {
	program := tea.NewProgram(newDashModel(comps), tea.WithAltScreen())
	_, err := program.Run()
	return err
}

func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetchSnapshotCmd reads daemon status, workspaces, worker records, and the
// recent event tail in one shot.
func fetchSnapshotCmd(comps *components) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		var snap snapshotMsg
		snap.daemon, snap.daemonPID, _ = DaemonStatus(comps.paths.PIDPath)

		workspaces, err := comps.store.List(ctx)
		if err != nil {
			snap.err = err
			return snap
		}
		snap.workspaces = workspaces

		records := supervisor.NewRecordStore(comps.paths.WorkersDir)
		snap.pids, _ = records.Scan()

		events, err := comps.events.Query(ctx, eventlog.QueryOpts{Limit: 50})
		if err != nil {
			snap.err = err
			return snap
		}
		snap.events = events
		return snap
	}
}

func (m dashModel) Init() tea.Cmd {
	return tea.Batch(fetchSnapshotCmd(m.comps), tickCmd())
}

func (m dashModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.events, cmd = m.events.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		eventsHeight := m.height - m.workersPaneHeight() - 4
		if eventsHeight < 3 {
			eventsHeight = 3
		}
		if !m.ready {
			m.events = viewport.New(m.width-2, eventsHeight)
			m.ready = true
		} else {
			m.events.Width = m.width - 2
			m.events.Height = eventsHeight
		}
		m.events.SetContent(m.renderEvents())
		return m, nil

	case tickMsg:
		return m, tea.Batch(fetchSnapshotCmd(m.comps), tickCmd())

	case snapshotMsg:
		m.snapshot = msg
		if m.ready {
			m.events.SetContent(m.renderEvents())
		}
		return m, nil
	}

	return m, nil
}

func (m dashModel) View() string {
	if !m.ready {
		return "loading..."
	}

	var sb strings.Builder
	sb.WriteString(m.renderHeader())
	sb.WriteString("\n")
	sb.WriteString(m.renderWorkers())
	sb.WriteString("\n")
	sb.WriteString(lipgloss.NewStyle().Foreground(m.theme.Primary).Bold(true).Render("Events"))
	sb.WriteString("\n")
	sb.WriteString(m.events.View())
	sb.WriteString("\n")
	sb.WriteString(lipgloss.NewStyle().Foreground(m.theme.Muted).Render("q quit · arrows scroll events"))
	return sb.String()
}

func (m dashModel) workersPaneHeight() int {
	return len(m.snapshot.workspaces) + 3
}

func (m dashModel) renderHeader() string {
	title := lipgloss.NewStyle().Foreground(m.theme.Primary).Bold(true).Render("foundry")

	var status string
	switch m.snapshot.daemon {
	case StatusRunning:
		status = lipgloss.NewStyle().Foreground(m.theme.Success).
			Render(fmt.Sprintf("supervisor running (pid %d)", m.snapshot.daemonPID))
	case StatusStale:
		status = lipgloss.NewStyle().Foreground(m.theme.Warning).Render("supervisor stale pid file")
	default:
		status = lipgloss.NewStyle().Foreground(m.theme.Error).Render("supervisor stopped")
	}

	line := title + "  " + status
	if m.snapshot.err != nil {
		line += "  " + lipgloss.NewStyle().Foreground(m.theme.Error).Render(m.snapshot.err.Error())
	}
	return line
}

func (m dashModel) renderWorkers() string {
	muted := lipgloss.NewStyle().Foreground(m.theme.Muted)
	if len(m.snapshot.workspaces) == 0 {
		return muted.Render("no workspaces")
	}

	headers := []string{"TASK", "STATE", "BRANCH", "WORKER"}
	widths := []int{20, 12, 24, 16}

	col := lipgloss.NewStyle()
	headerParts := make([]string, 0, len(headers))
	for i, h := range headers {
		headerParts = append(headerParts,
			col.Width(widths[i]).Bold(true).Foreground(m.theme.Primary).Render(h))
	}

	var sb strings.Builder
	sb.WriteString(strings.Join(headerParts, " "))
	sb.WriteString("\n")

	for _, ws := range m.snapshot.workspaces {
		worker := "-"
		style := muted
		if pid, ok := m.snapshot.pids[ws.TaskID]; ok {
			if supervisor.Alive(pid) {
				worker = fmt.Sprintf("pid %d", pid)
				style = lipgloss.NewStyle().Foreground(m.theme.Success)
			} else {
				worker = fmt.Sprintf("pid %d dead", pid)
				style = lipgloss.NewStyle().Foreground(m.theme.Error)
			}
		}
		cells := []string{ws.TaskID, string(ws.State), ws.Branch, worker}
		parts := make([]string, 0, len(cells))
		for i, cell := range cells {
			parts = append(parts, col.Width(widths[i]).Render(cell))
		}
		sb.WriteString(style.Render(strings.Join(parts, " ")))
		sb.WriteString("\n")
	}
	return sb.String()
}

func (m dashModel) renderEvents() string {
	if len(m.snapshot.events) == 0 {
		return "no events"
	}
	var sb strings.Builder
	for _, ev := range m.snapshot.events {
		sb.WriteString(fmt.Sprintf("%s  %-16s", ev.CreatedAt.Format("15:04:05"), ev.Type))
		if ev.TaskID != "" {
			sb.WriteString("  task=" + ev.TaskID)
		}
		if ev.Payload != "" {
			sb.WriteString("  " + ev.Payload)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
