package dashboard

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/switchboard-ai/switchboard/internal/apiclient"
)

const pollInterval = 2 * time.Second

// Run starts the dashboard against a hub instance and blocks until the user
// quits.
func Run(client *apiclient.Client) error {
	m := NewModel(client.BaseURL())
	p := tea.NewProgram(m, tea.WithAltScreen())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	refresh := func() {
		rctx, rcancel := context.WithTimeout(ctx, pollInterval)
		defer rcancel()

		stats, err := client.GetStats(rctx)
		if err != nil {
			p.Send(PollErrMsg{Err: err})
			return
		}
		devices, err := client.ListOnlineDevices(rctx)
		if err != nil {
			p.Send(PollErrMsg{Err: err})
			return
		}
		jobs, err := client.ListToolCalls(rctx, 50)
		if err != nil {
			p.Send(PollErrMsg{Err: err})
			return
		}

		p.Send(StatsMsg{Stats: stats})
		p.Send(DevicesMsg{Devices: devices})
		p.Send(JobsMsg{Jobs: jobs})
	}

	go func() {
		refresh()
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				refresh()
			}
		}
	}()

	_, err := p.Run()
	return err
}
