package dashboard

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/switchboard-ai/switchboard/internal/router"
	"github.com/switchboard-ai/switchboard/internal/tui"
)

type devicesModel struct {
	items  []router.DeviceSummary
	cursor int
}

func newDevices(devices []router.DeviceSummary) devicesModel {
	return devicesModel{items: devices}
}

func (d *devicesModel) update(devices []router.DeviceSummary) {
	d.items = devices
	if d.cursor >= len(d.items) {
		d.cursor = max(0, len(d.items)-1)
	}
}

func (d devicesModel) Update(msg tea.Msg) devicesModel {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "j", "down":
			if d.cursor < len(d.items)-1 {
				d.cursor++
			}
		case "k", "up":
			if d.cursor > 0 {
				d.cursor--
			}
		case "g":
			d.cursor = 0
		case "G":
			d.cursor = max(0, len(d.items)-1)
		}
	}
	return d
}

func (d devicesModel) View() string {
	if len(d.items) == 0 {
		return tui.Dimmed.Render("  No devices online")
	}

	headerStyle := lipgloss.NewStyle().Foreground(tui.ColorSubtle).Bold(true)
	header := fmt.Sprintf("    %-16s %-9s %-28s %-10s %s",
		headerStyle.Render("NAME"),
		headerStyle.Render("PLATFORM"),
		headerStyle.Render("CAPABILITIES"),
		headerStyle.Render("ACTIVE"),
		headerStyle.Render("WHERE"),
	)

	rows := header + "\n"
	for i, dev := range d.items {
		cursor := "  "
		style := lipgloss.NewStyle()
		if i == d.cursor {
			cursor = lipgloss.NewStyle().Foreground(tui.ColorPrimary).Bold(true).Render("> ")
			style = style.Bold(true)
		}

		name := dev.Name
		if len(name) > 14 {
			name = name[:14]
		}
		caps := strings.Join(dev.Capabilities, ",")
		if len(caps) > 26 {
			caps = caps[:26]
		}
		where := "remote"
		if dev.ConnectedLocal {
			where = "local"
		}

		row := fmt.Sprintf("%s %-16s %-9s %-28s %-10s %s",
			tui.OnlineDot(true),
			style.Render(name),
			style.Render(dev.Platform),
			style.Render(caps),
			style.Render(formatAge(dev.LastActiveAt)),
			tui.Dimmed.Render(where),
		)
		rows += cursor + row + "\n"
	}

	return rows
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
