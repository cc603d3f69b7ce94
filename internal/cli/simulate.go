package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/switchboard-ai/switchboard/internal/apiclient"
	"github.com/switchboard-ai/switchboard/internal/devsim"
)

func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a simulated device that answers tool calls",
		Long: "Registers a device (or reuses an existing session token) and keeps it " +
			"connected to the hub, answering every tool call with an echo of its input. " +
			"Useful for exercising routing without a real device.",
		RunE: func(cmd *cobra.Command, args []string) error {
			server, _ := cmd.Flags().GetString("server")
			token, _ := cmd.Flags().GetString("token")
			username, _ := cmd.Flags().GetString("username")
			password, _ := cmd.Flags().GetString("password")
			name, _ := cmd.Flags().GetString("name")
			platform, _ := cmd.Flags().GetString("platform")
			capabilities, _ := cmd.Flags().GetStringSlice("capabilities")
			insecure, _ := cmd.Flags().GetBool("insecure")

			client := apiclient.New(server, "")

			// Without a device session token, register a fresh device
			// through the REST API first.
			if token == "" {
				if username == "" || password == "" {
					return fmt.Errorf("provide --token or --username and --password")
				}
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := client.Login(ctx, username, password); err != nil {
					return fmt.Errorf("login failed: %w", err)
				}
				device, sessionToken, err := client.RegisterDevice(ctx, name, platform, capabilities)
				if err != nil {
					return fmt.Errorf("device registration failed: %w", err)
				}
				token = sessionToken
				fmt.Printf("registered device %s (%s)\n", device.Name, device.ID)
			}

			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

			sim := devsim.New(devsim.Options{
				URL:           client.WebSocketURL(),
				Token:         token,
				Platform:      platform,
				Capabilities:  capabilities,
				TLSSkipVerify: insecure,
				Logger:        logger,
			})

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				cancel()
			}()

			if err := sim.Run(ctx); err != nil && err != context.Canceled {
				return err
			}
			return nil
		},
	}
	cmd.Flags().String("server", "http://localhost:8080", "hub base URL")
	cmd.Flags().String("token", "", "device session token (skips registration)")
	cmd.Flags().StringP("username", "u", "", "username for login")
	cmd.Flags().StringP("password", "p", "", "password for login")
	cmd.Flags().String("name", "simulated-device", "device name to register")
	cmd.Flags().String("platform", "linux", "device platform")
	cmd.Flags().StringSlice("capabilities", []string{"echo"}, "capabilities to advertise")
	cmd.Flags().Bool("insecure", false, "skip TLS certificate verification")
	return cmd
}
