// Package protocol defines the wire protocol messages exchanged between
// devices and the Switchboard hub over WebSocket.
//
// All messages are JSON-encoded and share a common envelope with a "type" field
// that determines the payload structure. Frame validation is total: decoding a
// device frame returns either a validated message or a human-readable reason,
// never a panic, so the hub can always answer a bad frame with an "error"
// message instead of dropping the connection.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Version is the protocol schema version. Bumped on any breaking change to
// the message shapes below; carried in the config frame for diagnostics only.
const Version = 1

// Envelope is the top-level wire format for all messages.
type Envelope struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"` // correlates tool_call with tool_result
	Payload   any    `json:"payload,omitempty"`
}

// Message type constants.
const (
	// Device → hub
	TypeRegister   = "register"
	TypeToolResult = "tool_result"
	TypeEvent      = "event"
	TypeHeartbeat  = "heartbeat"

	// Hub → device
	TypeToolCall = "tool_call"
	TypeSync     = "sync"
	TypeConfig   = "config"
	TypeAck      = "ack"
	TypeError    = "error"
)

// WebSocket close codes. Each disconnect cause gets its own code so device
// clients can distinguish "re-pair" from "reconnect" situations.
const (
	CloseRegistrationTimeout = 4001 // no register frame within the handshake window
	CloseAuthFailure         = 4002 // invalid or expired session token
	CloseReplaced            = 4003 // a newer connection registered for the same device
	CloseHeartbeatTimeout    = 4004 // device stopped heartbeating
)

// ValidPlatforms is the closed set of platform tags a device may register with.
var ValidPlatforms = map[string]bool{
	"ios":     true,
	"android": true,
	"macos":   true,
	"windows": true,
	"linux":   true,
	"web":     true,
}

// --- Device → hub payloads ---

// RegisterPayload is sent by a device immediately after connecting.
// The token is a device session token minted during pairing.
type RegisterPayload struct {
	Token        string            `json:"token"`
	Platform     string            `json:"platform"`
	Version      string            `json:"version"` // device app version, free-form
	Capabilities []string          `json:"capabilities"`
	DeviceName   string            `json:"deviceName,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// ToolResultPayload carries the outcome of a tool call back to the hub.
// The envelope's requestId identifies which tool_call it answers.
type ToolResultPayload struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// EventPayload is a device-originated notification (incoming message,
// calendar change, ...) fanned out to hub-side listeners.
type EventPayload struct {
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// --- Hub → device payloads ---

// ToolCallPayload instructs a device to execute a single tool invocation.
type ToolCallPayload struct {
	Tool      string          `json:"tool"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMs int64           `json:"timeoutMs,omitempty"`
}

// DeviceSnapshot is the durable device record as seen by the hub.
type DeviceSnapshot struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Platform     string            `json:"platform"`
	Capabilities []string          `json:"capabilities"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// SyncPayload pushes a fresh device snapshot after the durable record
// changed on the hub side (rename, capability edit, ...).
type SyncPayload struct {
	Device DeviceSnapshot `json:"device"`
}

// ConfigPayload tells a freshly registered device its operating parameters.
type ConfigPayload struct {
	HeartbeatIntervalMs int64     `json:"heartbeatIntervalMs"`
	ProtocolVersion     int       `json:"protocolVersion"`
	ServerTime          time.Time `json:"serverTime"`
}

// AckPayload acknowledges a register or heartbeat frame.
type AckPayload struct {
	OK       bool   `json:"ok"`
	DeviceID string `json:"deviceId,omitempty"`
}

// ErrorPayload reports a protocol-level problem. The connection stays open;
// only auth and liveness failures close it.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes used in ErrorPayload.
const (
	ErrCodeProtocol      = "protocol_error"
	ErrCodeNotRegistered = "not_registered"
)

// --- Inbound decoding and validation ---

// ClientMessage is a validated device→hub frame. Exactly one of the payload
// pointers matching Type is set; heartbeat frames carry no payload.
type ClientMessage struct {
	Type       string
	RequestID  string
	Register   *RegisterPayload
	ToolResult *ToolResultPayload
	Event      *EventPayload
}

// rawEnvelope defers payload parsing until the type is known.
type rawEnvelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Payload   json.RawMessage `json:"payload"`
}

// DecodeClientMessage parses and structurally validates a raw device frame.
// It never panics: any malformed input yields a human-readable error the
// caller can echo back in an error frame.
func DecodeClientMessage(data []byte) (*ClientMessage, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid JSON frame: %v", err)
	}
	if raw.Type == "" {
		return nil, fmt.Errorf("missing message type")
	}

	msg := &ClientMessage{Type: raw.Type, RequestID: raw.RequestID}

	switch raw.Type {
	case TypeRegister:
		if len(raw.Payload) == 0 {
			return nil, fmt.Errorf("register message requires a payload")
		}
		var p RegisterPayload
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid register payload: %v", err)
		}
		if p.Token == "" {
			return nil, fmt.Errorf("register payload missing token")
		}
		if !ValidPlatforms[p.Platform] {
			return nil, fmt.Errorf("register payload has invalid platform %q", p.Platform)
		}
		if p.Version == "" {
			return nil, fmt.Errorf("register payload missing version")
		}
		if p.Capabilities == nil {
			return nil, fmt.Errorf("register payload missing capabilities")
		}
		msg.Register = &p

	case TypeToolResult:
		if raw.RequestID == "" {
			return nil, fmt.Errorf("tool_result message missing requestId")
		}
		if len(raw.Payload) == 0 {
			return nil, fmt.Errorf("tool_result message requires a payload")
		}
		// Success must be an explicit boolean, not merely absent.
		var probe struct {
			Success *bool           `json:"success"`
			Result  json.RawMessage `json:"result"`
			Error   string          `json:"error"`
		}
		if err := json.Unmarshal(raw.Payload, &probe); err != nil {
			return nil, fmt.Errorf("invalid tool_result payload: %v", err)
		}
		if probe.Success == nil {
			return nil, fmt.Errorf("tool_result payload missing boolean success")
		}
		msg.ToolResult = &ToolResultPayload{
			Success: *probe.Success,
			Result:  probe.Result,
			Error:   probe.Error,
		}

	case TypeEvent:
		var p EventPayload
		if len(raw.Payload) > 0 {
			if err := json.Unmarshal(raw.Payload, &p); err != nil {
				return nil, fmt.Errorf("invalid event payload: %v", err)
			}
		}
		msg.Event = &p

	case TypeHeartbeat:
		// No required payload.

	case TypeToolCall, TypeSync, TypeConfig, TypeAck, TypeError:
		return nil, fmt.Errorf("message type %q is sent by the hub, not by devices", raw.Type)

	default:
		return nil, fmt.Errorf("unknown message type %q", raw.Type)
	}

	return msg, nil
}
