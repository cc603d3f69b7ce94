// Package apiclient is a small REST client for the switchboard API, used by
// the dash TUI and the device simulator.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/switchboard-ai/switchboard/internal/router"
	"github.com/switchboard-ai/switchboard/internal/store"
)

// Client talks to a switchboard instance over HTTP.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a client. The token may be empty until Login is called.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// BaseURL returns the configured server URL.
func (c *Client) BaseURL() string { return c.baseURL }

// WebSocketURL returns the device WebSocket endpoint for this server.
func (c *Client) WebSocketURL() string {
	url := c.baseURL
	switch {
	case strings.HasPrefix(url, "https://"):
		url = "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		url = "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url + "/ws/device"
}

// Login obtains a bearer token and stores it on the client.
func (c *Client) Login(ctx context.Context, username, password string) error {
	var out struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, "POST", "/v1/auth/login", map[string]string{
		"username": username,
		"password": password,
	}, &out)
	if err != nil {
		return err
	}
	c.token = out.Token
	return nil
}

// Me returns the authenticated identity.
func (c *Client) Me(ctx context.Context) (userID, username, role string, err error) {
	var out struct {
		UserID   string `json:"userId"`
		Username string `json:"username"`
		Role     string `json:"role"`
	}
	if err := c.do(ctx, "GET", "/v1/me", nil, &out); err != nil {
		return "", "", "", err
	}
	return out.UserID, out.Username, out.Role, nil
}

// Stats is the hub stats payload.
type Stats struct {
	InstanceID      string               `json:"instanceId"`
	Uptime          string               `json:"uptime"`
	Connections     int                  `json:"connections"`
	PendingCalls    int                  `json:"pendingCalls"`
	QueuePending    int                  `json:"queuePending"`
	QueueProcessing int                  `json:"queueProcessing"`
	Counters        router.StatsSnapshot `json:"counters"`
}

// GetStats fetches the instance stats.
func (c *Client) GetStats(ctx context.Context) (*Stats, error) {
	var out Stats
	if err := c.do(ctx, "GET", "/v1/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListDevices returns the caller's paired devices.
func (c *Client) ListDevices(ctx context.Context) ([]store.Device, error) {
	var out struct {
		Devices []store.Device `json:"devices"`
	}
	if err := c.do(ctx, "GET", "/v1/devices", nil, &out); err != nil {
		return nil, err
	}
	return out.Devices, nil
}

// ListOnlineDevices returns reachable device summaries across the cluster.
func (c *Client) ListOnlineDevices(ctx context.Context) ([]router.DeviceSummary, error) {
	var out struct {
		Devices []router.DeviceSummary `json:"devices"`
	}
	if err := c.do(ctx, "GET", "/v1/devices?online=true", nil, &out); err != nil {
		return nil, err
	}
	return out.Devices, nil
}

// RegisterDevice pairs a device and returns the record plus its one-time
// session token.
func (c *Client) RegisterDevice(ctx context.Context, name, platform string, capabilities []string) (*store.Device, string, error) {
	var out struct {
		Device       store.Device `json:"device"`
		SessionToken string       `json:"sessionToken"`
	}
	err := c.do(ctx, "POST", "/v1/devices", map[string]any{
		"name":         name,
		"platform":     platform,
		"capabilities": capabilities,
	}, &out)
	if err != nil {
		return nil, "", err
	}
	return &out.Device, out.SessionToken, nil
}

// ListToolCalls returns the caller's recent queued tool calls.
func (c *Client) ListToolCalls(ctx context.Context, limit int) ([]store.GatewayToolCall, error) {
	var out struct {
		ToolCalls []store.GatewayToolCall `json:"toolCalls"`
	}
	path := fmt.Sprintf("/v1/tool-calls?limit=%d", limit)
	if err := c.do(ctx, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return out.ToolCalls, nil
}

// RouteToolCall routes a tool call and returns the structured result.
func (c *Client) RouteToolCall(ctx context.Context, tool string, params json.RawMessage, timeout time.Duration) (*router.RouteResult, error) {
	var out router.RouteResult
	err := c.do(ctx, "POST", "/v1/tool-calls", map[string]any{
		"tool":      tool,
		"params":    params,
		"timeoutMs": timeout.Milliseconds(),
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListCapabilities returns the reachable capability set.
func (c *Client) ListCapabilities(ctx context.Context) ([]string, error) {
	var out struct {
		Capabilities []string `json:"capabilities"`
	}
	if err := c.do(ctx, "GET", "/v1/capabilities", nil, &out); err != nil {
		return nil, err
	}
	return out.Capabilities, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
		}
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
