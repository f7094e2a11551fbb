// Package tui renders a live per-tool metrics view by polling the
// observability API of a running bridge.
package tui

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/agentbridge/internal/metrics"
)

const pollInterval = 2 * time.Second

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD"))

	statusHealthy  = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	statusDegraded = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	helpStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
)

type metricsMsg struct {
	health metrics.HealthView
	tools  map[string]metrics.ToolSnapshot
}

type errMsg struct{ err error }

type tickMsg time.Time

// Model is the bubbletea model for the monitor view.
type Model struct {
	apiURL  string
	client  *http.Client
	table   table.Model
	health  metrics.HealthView
	lastErr error
}

// NewModel creates a monitor model polling apiURL.
func NewModel(apiURL string) Model {
	columns := []table.Column{
		{Title: "Tool", Width: 24},
		{Title: "Calls", Width: 8},
		{Title: "OK", Width: 8},
		{Title: "Err", Width: 8},
		{Title: "Success", Width: 9},
		{Title: "Avg ms", Width: 10},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(12),
	)

	return Model{
		apiURL: apiURL,
		client: &http.Client{Timeout: 5 * time.Second},
		table:  t,
	}
}

// Init starts the poll loop.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetch, tick())
}

func tick() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetch pulls /healthz and /metrics from the running bridge.
func (m Model) fetch() tea.Msg {
	var healthBody struct {
		Health metrics.HealthView `json:"health"`
	}
	if err := m.getJSON("/healthz", &healthBody); err != nil {
		return errMsg{err}
	}

	var metricsBody struct {
		Tools map[string]metrics.ToolSnapshot `json:"tools"`
	}
	if err := m.getJSON("/metrics", &metricsBody); err != nil {
		return errMsg{err}
	}

	return metricsMsg{health: healthBody.Health, tools: metricsBody.Tools}
}

func (m Model) getJSON(path string, v any) error {
	resp, err := m.client.Get(m.apiURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// /healthz answers 503 when degraded; the body is still the view.
	return json.NewDecoder(resp.Body).Decode(v)
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}

	case tickMsg:
		return m, tea.Batch(m.fetch, tick())

	case metricsMsg:
		m.health = msg.health
		m.lastErr = nil
		m.table.SetRows(buildRows(msg.tools))
		return m, nil

	case errMsg:
		m.lastErr = msg.err
		return m, nil
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func buildRows(tools map[string]metrics.ToolSnapshot) []table.Row {
	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([]table.Row, 0, len(names))
	for _, name := range names {
		s := tools[name]
		rows = append(rows, table.Row{
			name,
			fmt.Sprintf("%d", s.Calls),
			fmt.Sprintf("%d", s.Successes),
			fmt.Sprintf("%d", s.Errors),
			fmt.Sprintf("%.0f%%", s.SuccessRate*100),
			fmt.Sprintf("%.1f", s.AvgDurationMS),
		})
	}
	return rows
}

// View renders the monitor.
func (m Model) View() string {
	title := titleStyle.Render("agentbridge monitor")

	status := "waiting for data"
	switch {
	case m.lastErr != nil:
		status = statusDegraded.Render(fmt.Sprintf("unreachable: %v", m.lastErr))
	case m.health.Status == "healthy":
		status = statusHealthy.Render(fmt.Sprintf("healthy (%d calls, %d errors)",
			m.health.TotalCalls, m.health.TotalErrors))
	case m.health.Status != "":
		status = statusDegraded.Render(fmt.Sprintf("%s (error rate %.1f%%)",
			m.health.Status, m.health.ErrorRate*100))
	}

	help := helpStyle.Render("q: quit")

	return lipgloss.JoinVertical(lipgloss.Left,
		title,
		status,
		borderStyle.Render(m.table.View()),
		help,
	) + "\n"
}

// Run starts the monitor program and blocks until it exits.
func Run(apiURL string) error {
	p := tea.NewProgram(NewModel(apiURL), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
