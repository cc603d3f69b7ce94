package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/switchboard-ai/switchboard/internal/apiclient"
	"github.com/switchboard-ai/switchboard/internal/tui/dashboard"
)

func newDashCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dash",
		Short: "Live dashboard of connected devices and queued tool calls",
		RunE: func(cmd *cobra.Command, args []string) error {
			server, _ := cmd.Flags().GetString("server")
			token, _ := cmd.Flags().GetString("token")
			username, _ := cmd.Flags().GetString("username")
			password, _ := cmd.Flags().GetString("password")

			client := apiclient.New(server, token)
			if token == "" {
				if username == "" || password == "" {
					return fmt.Errorf("provide --token or --username and --password")
				}
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := client.Login(ctx, username, password); err != nil {
					return fmt.Errorf("login failed: %w", err)
				}
			}

			return dashboard.Run(client)
		},
	}
	cmd.Flags().String("server", "http://localhost:8080", "hub base URL")
	cmd.Flags().String("token", "", "bearer token (skips login)")
	cmd.Flags().StringP("username", "u", "", "username for login")
	cmd.Flags().StringP("password", "p", "", "password for login")
	return cmd
}
