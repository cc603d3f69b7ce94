// Package store defines the storage interface for the hub and provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Gateway tool call statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusExpired    = "expired"
)

// Store is the persistence interface for the hub.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, username string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)

	// Devices
	UpsertDevice(ctx context.Context, d *Device) (*Device, error)
	GetDevice(ctx context.Context, id string) (*Device, error)
	ListDevices(ctx context.Context, userID string) ([]Device, error)
	UpdateDevice(ctx context.Context, d *Device) error
	DeleteDevice(ctx context.Context, id string) error
	CountDevices(ctx context.Context, userID string) (int, error)

	// Device presence
	SetDeviceOnline(ctx context.Context, id string, online bool) error
	TouchDevice(ctx context.Context, id string) error
	MarkStaleDevicesOffline(ctx context.Context, userID string, cutoff time.Time) (int64, error)
	ListOnlineDevices(ctx context.Context, userID string, since time.Time) ([]Device, error)

	// Device sessions
	CreateDeviceSession(ctx context.Context, sess *DeviceSession) error
	GetDeviceSessionByHash(ctx context.Context, tokenHash string) (*DeviceSession, error)
	TouchDeviceSession(ctx context.Context, id string) error
	DeleteDeviceSession(ctx context.Context, id string) error
	DeleteDeviceSessionsByDevice(ctx context.Context, deviceID string) error
	PurgeExpiredDeviceSessions(ctx context.Context) (int64, error)

	// Gateway tool calls (the distributed dispatch queue)
	CreateGatewayToolCall(ctx context.Context, call *GatewayToolCall) error
	GetGatewayToolCall(ctx context.Context, id string) (*GatewayToolCall, error)
	ClaimGatewayToolCall(ctx context.Context, instanceID string, userIDs, capabilities []string) (*GatewayToolCall, error)
	CompleteGatewayToolCall(ctx context.Context, id string, result json.RawMessage) error
	FailGatewayToolCall(ctx context.Context, id string, errMsg string) error
	ExpireGatewayToolCall(ctx context.Context, id string) error
	ExpireStaleGatewayToolCalls(ctx context.Context) (int64, error)
	CountGatewayToolCallsByStatus(ctx context.Context, status string) (int, error)
	ListGatewayToolCallsByUser(ctx context.Context, userID string, limit int) ([]GatewayToolCall, error)
	PurgeTerminalGatewayToolCalls(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// User represents a hub account (the callers of the tool-call API).
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"` // "admin" or "user"
	CreatedAt    time.Time `json:"created_at"`
}

// Device is a durable record of a physical device a user has paired.
// The (user_id, name, platform) triple is the upsert key: repeat
// registrations from the same app update the row instead of duplicating it.
type Device struct {
	ID           string            `json:"id"`
	UserID       string            `json:"user_id"`
	Name         string            `json:"name"`
	Platform     string            `json:"platform"`
	Capabilities []string          `json:"capabilities"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Online       bool              `json:"online"`
	LastActiveAt time.Time         `json:"last_active_at"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// HasCapability reports whether the device advertises the capability.
func (d *Device) HasCapability(capability string) bool {
	for _, c := range d.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// DeviceSession is a long-lived bearer credential for one device's
// connection attempts. Only the SHA-256 hash of the token is stored.
type DeviceSession struct {
	ID         string     `json:"id"`
	DeviceID   string     `json:"device_id"`
	TokenHash  string     `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// GatewayToolCall is a durable cross-instance dispatch job. Rows move
// pending → processing → completed|failed, or to expired once the
// deadline passes; terminal rows are kept briefly for observability.
type GatewayToolCall struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	Capability  string          `json:"capability"`
	Tool        string          `json:"tool"`
	Params      json.RawMessage `json:"params,omitempty"`
	Status      string          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	InstanceID  string          `json:"instance_id,omitempty"`
	ExpiresAt   time.Time       `json:"expires_at"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Terminal reports whether the job has reached a final status.
func (c *GatewayToolCall) Terminal() bool {
	switch c.Status {
	case StatusCompleted, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// Capabilities and metadata are stored as JSON text so both backends share
// one column shape.

func encodeStringList(list []string) string {
	if list == nil {
		list = []string{}
	}
	b, _ := json.Marshal(list)
	return string(b)
}

func decodeStringList(s string) []string {
	if s == "" {
		return []string{}
	}
	var list []string
	_ = json.Unmarshal([]byte(s), &list)
	if list == nil {
		list = []string{}
	}
	return list
}

func encodeStringMap(m map[string]string) string {
	if m == nil {
		m = map[string]string{}
	}
	b, _ := json.Marshal(m)
	return string(b)
}

func decodeStringMap(s string) map[string]string {
	if s == "" {
		return nil
	}
	var m map[string]string
	_ = json.Unmarshal([]byte(s), &m)
	if len(m) == 0 {
		return nil
	}
	return m
}
