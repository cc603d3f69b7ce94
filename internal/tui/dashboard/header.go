package dashboard

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/switchboard-ai/switchboard/internal/apiclient"
	"github.com/switchboard-ai/switchboard/internal/tui"
)

type headerModel struct {
	serverURL string
	stats     *apiclient.Stats
}

func newHeader(serverURL string) headerModel {
	return headerModel{serverURL: serverURL}
}

func (h *headerModel) update(stats *apiclient.Stats) {
	h.stats = stats
}

func (h headerModel) View(width int) string {
	left := tui.Title.Render("Switchboard")

	dot := tui.InactiveDot
	if h.stats != nil {
		dot = tui.ActiveDot
	}
	right := fmt.Sprintf("%s %s", h.serverURL, dot)

	info := "  connecting..."
	if h.stats != nil {
		instance := h.stats.InstanceID
		if len(instance) > 8 {
			instance = instance[:8]
		}
		info = fmt.Sprintf("  Instance: %s   Connections: %d   Queue: %d pending / %d processing   Uptime: %s",
			instance, h.stats.Connections, h.stats.QueuePending, h.stats.QueueProcessing, h.stats.Uptime)
	}

	headerStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(tui.ColorPrimary).
		Width(width - 2).
		Padding(0, 1)

	firstRow := lipgloss.JoinHorizontal(lipgloss.Top,
		left,
		lipgloss.NewStyle().Width(max(0, width-lipgloss.Width(left)-lipgloss.Width(right)-6)).Render(""),
		right,
	)

	return headerStyle.Render(firstRow + "\n" + tui.Dimmed.Render(info))
}
