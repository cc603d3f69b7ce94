// Package devsim implements a simulated device client for local development
// and demos. It speaks the full device protocol: registration, heartbeats,
// tool calls answered with canned results, and reconnection.
package devsim

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/switchboard-ai/switchboard/pkg/protocol"
)

// Options configures the simulator.
type Options struct {
	URL           string // ws:// or wss:// device endpoint
	Token         string // device session token
	Platform      string
	Version       string
	Capabilities  []string
	TLSSkipVerify bool
	ReconnectWait time.Duration // default 3s
	Logger        *slog.Logger
}

// Simulator is a fake device that stays registered and answers tool calls.
type Simulator struct {
	opts   Options
	logger *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// New creates a Simulator.
func New(opts Options) *Simulator {
	if opts.Platform == "" {
		opts.Platform = "linux"
	}
	if opts.Version == "" {
		opts.Version = "devsim"
	}
	if opts.Capabilities == nil {
		// The register payload requires a capability list; nil would be
		// rejected as a protocol error before the token is ever checked.
		opts.Capabilities = []string{}
	}
	if opts.ReconnectWait == 0 {
		opts.ReconnectWait = 3 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulator{
		opts:   opts,
		logger: logger.With("component", "devsim"),
	}
}

// ErrAuthRejected is returned when the hub refuses the session token; there
// is no point reconnecting with the same credentials.
var ErrAuthRejected = errors.New("session token rejected")

// Run connects and serves until the context is canceled. Dropped
// connections reconnect automatically; an auth rejection is fatal.
func (s *Simulator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := s.connectOnce(ctx)
		if errors.Is(err, ErrAuthRejected) || errors.Is(err, context.Canceled) {
			return err
		}
		if err != nil {
			s.logger.Warn("connection lost", "error", err)
		}

		s.logger.Info("reconnecting", "delay", s.opts.ReconnectWait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.opts.ReconnectWait):
		}
	}
}

func (s *Simulator) connectOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	if s.opts.TLSSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	conn, _, err := dialer.DialContext(ctx, s.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial hub: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		_ = conn.Close()
	}()

	if err := s.send(protocol.Envelope{
		Type: protocol.TypeRegister,
		Payload: protocol.RegisterPayload{
			Token:        s.opts.Token,
			Platform:     s.opts.Platform,
			Version:      s.opts.Version,
			Capabilities: s.opts.Capabilities,
			Metadata:     map[string]string{"simulated": "true"},
		},
	}); err != nil {
		return fmt.Errorf("send register: %w", err)
	}

	heartbeatStop := make(chan struct{})
	defer close(heartbeatStop)

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
			return ctx.Err()
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code == protocol.CloseAuthFailure {
				return ErrAuthRejected
			}
			return fmt.Errorf("read message: %w", err)
		}

		var env struct {
			Type      string          `json:"type"`
			RequestID string          `json:"requestId"`
			Payload   json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Warn("invalid frame from hub", "error", err)
			continue
		}

		switch env.Type {
		case protocol.TypeAck:
			var ack protocol.AckPayload
			if json.Unmarshal(env.Payload, &ack) == nil && ack.DeviceID != "" {
				s.logger.Debug("ack", "device_id", ack.DeviceID)
			}

		case protocol.TypeConfig:
			var cfg protocol.ConfigPayload
			if err := json.Unmarshal(env.Payload, &cfg); err != nil {
				s.logger.Warn("invalid config frame", "error", err)
				continue
			}
			s.logger.Info("registered",
				"heartbeat_interval_ms", cfg.HeartbeatIntervalMs,
				"protocol_version", cfg.ProtocolVersion)
			go s.heartbeatLoop(ctx, heartbeatStop, time.Duration(cfg.HeartbeatIntervalMs)*time.Millisecond)

		case protocol.TypeToolCall:
			var call protocol.ToolCallPayload
			if err := json.Unmarshal(env.Payload, &call); err != nil {
				s.logger.Warn("invalid tool_call frame", "error", err)
				continue
			}
			s.handleToolCall(env.RequestID, call)

		case protocol.TypeSync:
			var sy protocol.SyncPayload
			if json.Unmarshal(env.Payload, &sy) == nil {
				s.logger.Info("device record synced",
					"name", sy.Device.Name, "capabilities", sy.Device.Capabilities)
			}

		case protocol.TypeError:
			var perr protocol.ErrorPayload
			if json.Unmarshal(env.Payload, &perr) == nil {
				s.logger.Warn("hub reported protocol error", "code", perr.Code, "message", perr.Message)
			}
		}
	}
}

// handleToolCall answers with a canned echo result after a small simulated
// execution delay.
func (s *Simulator) handleToolCall(requestID string, call protocol.ToolCallPayload) {
	s.logger.Info("tool call received", "tool", call.Tool, "request_id", requestID)

	time.Sleep(50 * time.Millisecond)

	result, _ := json.Marshal(map[string]any{
		"tool":      call.Tool,
		"params":    call.Params,
		"simulated": true,
		"timestamp": time.Now().Format(time.RFC3339),
	})

	err := s.send(protocol.Envelope{
		Type:      protocol.TypeToolResult,
		RequestID: requestID,
		Payload: protocol.ToolResultPayload{
			Success: true,
			Result:  result,
		},
	})
	if err != nil {
		s.logger.Warn("send tool result failed", "request_id", requestID, "error", err)
	}
}

func (s *Simulator) heartbeatLoop(ctx context.Context, stop <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if err := s.send(protocol.Envelope{Type: protocol.TypeHeartbeat}); err != nil {
				return
			}
		}
	}
}

func (s *Simulator) send(env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("not connected")
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}
