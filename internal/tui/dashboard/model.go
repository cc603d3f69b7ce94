// Package dashboard implements the switchboard terminal dashboard: a live
// view of connected devices and queued tool calls, polled over the REST API.
package dashboard

import (
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/switchboard-ai/switchboard/internal/apiclient"
	"github.com/switchboard-ai/switchboard/internal/router"
	"github.com/switchboard-ai/switchboard/internal/store"
	"github.com/switchboard-ai/switchboard/internal/tui"
)

// Panel identifies which dashboard panel is focused.
type Panel int

const (
	PanelDevices Panel = iota
	PanelJobs
)

// Model is the root dashboard TUI model.
type Model struct {
	header  headerModel
	devices devicesModel
	jobs    jobsModel
	help    helpModel

	activePanel Panel
	width       int
	height      int
	quitting    bool
	lastError   string
}

// NewModel creates a dashboard model.
func NewModel(serverURL string) Model {
	return Model{
		header:  newHeader(serverURL),
		devices: newDevices(nil),
		jobs:    newJobs(nil),
		help:    newHelp(),
	}
}

// StatsMsg carries fresh instance stats.
type StatsMsg struct {
	Stats *apiclient.Stats
}

// DevicesMsg carries fresh device summaries.
type DevicesMsg struct {
	Devices []router.DeviceSummary
}

// JobsMsg carries fresh queued tool calls.
type JobsMsg struct {
	Jobs []store.GatewayToolCall
}

// PollErrMsg reports a failed refresh; the dashboard keeps showing the last
// good data.
type PollErrMsg struct {
	Err error
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, key.NewBinding(key.WithKeys("ctrl+c", "q"))):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, key.NewBinding(key.WithKeys("tab"))):
			if m.activePanel == PanelDevices {
				m.activePanel = PanelJobs
			} else {
				m.activePanel = PanelDevices
			}
			return m, nil
		case key.Matches(msg, key.NewBinding(key.WithKeys("?"))):
			m.help.toggle()
			return m, nil
		}

	case StatsMsg:
		m.header.update(msg.Stats)
		m.lastError = ""
		return m, nil

	case DevicesMsg:
		m.devices.update(msg.Devices)
		return m, nil

	case JobsMsg:
		m.jobs.update(msg.Jobs)
		return m, nil

	case PollErrMsg:
		m.lastError = msg.Err.Error()
		return m, nil
	}

	// Delegate to active panel.
	switch m.activePanel {
	case PanelDevices:
		m.devices = m.devices.Update(msg)
	case PanelJobs:
		m.jobs = m.jobs.Update(msg)
	}
	return m, nil
}

func (m Model) View() string {
	if m.help.visible {
		return m.help.View()
	}

	headerView := m.header.View(m.width)

	devStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(tui.ColorMuted).
		Width(m.width - 2)
	jobStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(tui.ColorMuted).
		Width(m.width - 2)

	if m.activePanel == PanelDevices {
		devStyle = devStyle.BorderForeground(tui.ColorPrimary)
	} else {
		jobStyle = jobStyle.BorderForeground(tui.ColorPrimary)
	}

	devView := devStyle.Render(
		tui.Subtitle.Render(" Devices") + "\n" + m.devices.View(),
	)
	jobView := jobStyle.Render(
		tui.Subtitle.Render(" Tool Calls") + "\n" + m.jobs.View(),
	)

	parts := []string{headerView, devView, jobView}
	if m.lastError != "" {
		parts = append(parts, tui.ErrorStyle.Render("  refresh failed: "+m.lastError))
	}
	parts = append(parts, m.help.bar())

	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

// Quitting returns true if the user quit.
func (m Model) Quitting() bool { return m.quitting }
