// Package status renders the record-queue dashboard.
package status

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/fieldsync/internal/connectivity"
	"github.com/nhle/fieldsync/internal/keys"
	fsync "github.com/nhle/fieldsync/internal/sync"
	"github.com/nhle/fieldsync/internal/theme"
	"github.com/nhle/fieldsync/internal/ui"
	helpview "github.com/nhle/fieldsync/internal/ui/help"
)

// Source is the part of the sync engine the dashboard drives.
type Source interface {
	Summaries(ctx context.Context) ([]fsync.QueueSummary, error)
	Flush(ctx context.Context, projectID string) (fsync.FlushResult, error)
	FlushAll(ctx context.Context) ([]fsync.FlushResult, error)
	WaitForNextResult() tea.Cmd
}

// summariesMsg carries a fresh queue snapshot.
type summariesMsg struct {
	rows []fsync.QueueSummary
	err  error
}

// flushDoneMsg reports a user-requested flush.
type flushDoneMsg struct {
	results []fsync.FlushResult
	err     error
}

// Model is the dashboard listing every project queue.
type Model struct {
	ctx     context.Context
	source  Source
	conn    connectivity.Monitor
	keys    *keys.KeyMap
	layout  ui.Layout
	help    helpview.Model
	spinner spinner.Model
	now     func() time.Time

	rows     []fsync.QueueSummary
	cursor   int
	showHelp bool
	flushing bool
	message  string
	ready    bool
}

// New creates the dashboard. ctx bounds the flushes it starts.
func New(ctx context.Context, source Source, conn connectivity.Monitor, km *keys.KeyMap) Model {
	sp := spinner.New(spinner.WithSpinner(spinner.Dot))
	sp.Style = lipgloss.NewStyle().Foreground(theme.ColorBlue)
	return Model{
		ctx:     ctx,
		source:  source,
		conn:    conn,
		keys:    km,
		layout:  ui.NewLayout(80, 24),
		help:    helpview.New(km, 80, 22),
		spinner: sp,
		now:     time.Now,
	}
}

// Init loads the first snapshot and starts listening for flush results.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.load(), m.source.WaitForNextResult(), m.spinner.Tick)
}

// Update handles messages for the dashboard.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.layout = ui.NewLayout(msg.Width, msg.Height)
		m.help.SetSize(m.layout.ContentWidth(), m.layout.ContentHeight())
		m.ready = true
		return m, nil

	case fsync.FlushResult:
		// Background flushes report here; keep listening.
		return m, tea.Batch(m.load(), m.source.WaitForNextResult())

	case summariesMsg:
		if msg.err != nil {
			m.message = "refresh failed: " + msg.err.Error()
			return m, nil
		}
		m.rows = msg.rows
		if m.cursor >= len(m.rows) {
			m.cursor = max(len(m.rows)-1, 0)
		}
		return m, nil

	case flushDoneMsg:
		m.flushing = false
		m.message = flushMessage(msg.results, msg.err)
		return m, m.load()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.showHelp {
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Help), key.Matches(msg, m.keys.Back):
			m.showHelp = false
		}
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Help):
		m.showHelp = true
	case key.Matches(msg, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
	case key.Matches(msg, m.keys.Down):
		if m.cursor < len(m.rows)-1 {
			m.cursor++
		}
	case key.Matches(msg, m.keys.Flush):
		if m.flushing || len(m.rows) == 0 {
			return m, nil
		}
		m.flushing = true
		return m, m.flushOne(m.rows[m.cursor].ProjectID)
	case key.Matches(msg, m.keys.FlushAll):
		if m.flushing {
			return m, nil
		}
		m.flushing = true
		return m, m.flushAll()
	}
	return m, nil
}

// View renders the dashboard.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}

	indicator := theme.ConnectivityStyle(false).Render("○ offline")
	if m.conn.IsOnline() {
		indicator = theme.ConnectivityStyle(true).Render("● online")
	}
	header := m.layout.RenderHeader("fieldsync", indicator)

	var content string
	if m.showHelp {
		content = m.help.View()
	} else {
		content = m.renderRows()
	}

	hints := m.help.ShortView()
	if m.flushing {
		hints = m.spinner.View() + " flushing  " + hints
	} else if m.message != "" {
		hints = m.message + "  " + hints
	}

	return m.layout.RenderWithFrame(header, content, m.layout.RenderStatusBar(hints))
}

func (m Model) renderRows() string {
	if len(m.rows) == 0 {
		return theme.HelpStyle.PaddingLeft(2).Render("No pending records.")
	}

	lines := make([]string, 0, len(m.rows)+1)
	for i, row := range m.rows {
		line := fmt.Sprintf("%-38s %s %4d pending", row.ProjectID,
			theme.QueueStateStyle(row.State.String()).Width(10).Render(row.State.String()),
			row.Pending)
		if !row.LastFlush.IsZero() {
			line += theme.HelpStyle.Render("  flushed " + row.LastFlush.Local().Format("15:04:05"))
		}
		if i == m.cursor {
			lines = append(lines, theme.SelectedItemStyle.Render(line))
		} else {
			lines = append(lines, theme.ListItemStyle.Render(line))
		}
	}

	if sel := m.rows[m.cursor]; sel.LastError != nil {
		detail := fmt.Sprintf("last error (%d failures): %v", sel.Failures, sel.LastError)
		if !sel.NextRetry.IsZero() {
			wait := sel.NextRetry.Sub(m.now()).Round(time.Second)
			detail += fmt.Sprintf("; retry in %s", max(wait, 0))
		}
		lines = append(lines, "", theme.ErrorStyle.PaddingLeft(2).Render(detail))
	}
	return strings.Join(lines, "\n")
}

func (m Model) load() tea.Cmd {
	return func() tea.Msg {
		rows, err := m.source.Summaries(m.ctx)
		return summariesMsg{rows: rows, err: err}
	}
}

func (m Model) flushOne(projectID string) tea.Cmd {
	return func() tea.Msg {
		res, err := m.source.Flush(m.ctx, projectID)
		return flushDoneMsg{results: []fsync.FlushResult{res}, err: err}
	}
}

func (m Model) flushAll() tea.Cmd {
	return func() tea.Msg {
		results, err := m.source.FlushAll(m.ctx)
		return flushDoneMsg{results: results, err: err}
	}
}

// flushMessage summarizes a user-requested flush for the status bar.
func flushMessage(results []fsync.FlushResult, err error) string {
	delivered, remaining := 0, 0
	for _, r := range results {
		delivered += r.Delivered
		remaining += r.Remaining
	}
	if err != nil {
		return fmt.Sprintf("flush stopped: %v (%d delivered, %d left)", err, delivered, remaining)
	}
	return fmt.Sprintf("%d delivered, %d left", delivered, remaining)
}
