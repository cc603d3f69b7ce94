package dashboard

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/switchboard-ai/switchboard/internal/store"
	"github.com/switchboard-ai/switchboard/internal/tui"
)

type jobsModel struct {
	items  []store.GatewayToolCall
	cursor int
}

func newJobs(jobs []store.GatewayToolCall) jobsModel {
	return jobsModel{items: jobs}
}

func (j *jobsModel) update(jobs []store.GatewayToolCall) {
	j.items = jobs
	if j.cursor >= len(j.items) {
		j.cursor = max(0, len(j.items)-1)
	}
}

func (j jobsModel) Update(msg tea.Msg) jobsModel {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "j", "down":
			if j.cursor < len(j.items)-1 {
				j.cursor++
			}
		case "k", "up":
			if j.cursor > 0 {
				j.cursor--
			}
		case "g":
			j.cursor = 0
		case "G":
			j.cursor = max(0, len(j.items)-1)
		}
	}
	return j
}

func (j jobsModel) View() string {
	if len(j.items) == 0 {
		return tui.Dimmed.Render("  No queued tool calls")
	}

	headerStyle := lipgloss.NewStyle().Foreground(tui.ColorSubtle).Bold(true)
	header := fmt.Sprintf("  %-10s %-24s %-12s %-8s %s",
		headerStyle.Render("ID"),
		headerStyle.Render("TOOL"),
		headerStyle.Render("STATUS"),
		headerStyle.Render("AGE"),
		headerStyle.Render("INSTANCE"),
	)

	rows := header + "\n"
	for i, job := range j.items {
		cursor := "  "
		style := lipgloss.NewStyle()
		if i == j.cursor {
			cursor = lipgloss.NewStyle().Foreground(tui.ColorPrimary).Bold(true).Render("> ")
			style = style.Bold(true)
		}

		shortID := job.ID
		if len(shortID) > 8 {
			shortID = shortID[:8]
		}
		tool := job.Tool
		if len(tool) > 22 {
			tool = tool[:22]
		}
		instance := job.InstanceID
		if len(instance) > 8 {
			instance = instance[:8]
		}
		if instance == "" {
			instance = "-"
		}

		row := fmt.Sprintf("%-10s %-24s %-12s %-8s %s",
			style.Render(shortID),
			style.Render(tool),
			tui.JobStatusStyle(job.Status).Render(job.Status),
			style.Render(formatAge(job.CreatedAt)),
			tui.Dimmed.Render(instance),
		)
		rows += cursor + row + "\n"
	}

	return rows
}
