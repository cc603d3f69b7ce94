// Package registry provides durable device CRUD, presence bookkeeping, and
// device session tokens on top of the store.
package registry

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/switchboard-ai/switchboard/internal/store"
)

var (
	ErrNotFound     = errors.New("device not found")
	ErrDeviceQuota  = errors.New("device limit reached")
	ErrInvalidToken = errors.New("invalid or expired session token")
)

// Service implements the device registry. All operations are idempotent
// reads/writes against the relational store; there are no partial-failure
// states to roll back.
type Service struct {
	store             store.Store
	presenceWindow    time.Duration
	sessionTTL        time.Duration
	maxDevicesPerUser int
	logger            *slog.Logger
}

// Options configures the registry.
type Options struct {
	PresenceWindow    time.Duration // freshness window for getOnlineDevices; default 2m
	SessionTTL        time.Duration // device session lifetime; default 720h
	MaxDevicesPerUser int           // 0 = unlimited
}

// New creates a registry Service.
func New(s store.Store, logger *slog.Logger, opts Options) *Service {
	if opts.PresenceWindow == 0 {
		opts.PresenceWindow = 2 * time.Minute
	}
	if opts.SessionTTL == 0 {
		opts.SessionTTL = 720 * time.Hour
	}
	return &Service{
		store:             s,
		presenceWindow:    opts.PresenceWindow,
		sessionTTL:        opts.SessionTTL,
		maxDevicesPerUser: opts.MaxDevicesPerUser,
		logger:            logger.With("component", "registry"),
	}
}

// PresenceWindow returns the configured device freshness window.
func (s *Service) PresenceWindow() time.Duration {
	return s.presenceWindow
}

// RegisterDevice upserts a device by (user, name, platform). Repeat
// registrations from the same physical app update capabilities and metadata
// instead of creating duplicates.
func (s *Service) RegisterDevice(ctx context.Context, userID, name, platform string, capabilities []string, metadata map[string]string) (*store.Device, error) {
	if s.maxDevicesPerUser > 0 {
		count, err := s.store.CountDevices(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("count devices: %w", err)
		}
		// The upsert may hit an existing row, so only block genuinely new
		// devices.
		if count >= s.maxDevicesPerUser {
			existing, err := s.findByNaturalKey(ctx, userID, name, platform)
			if err != nil {
				return nil, err
			}
			if existing == nil {
				return nil, ErrDeviceQuota
			}
		}
	}

	now := time.Now()
	d := &store.Device{
		ID:           uuid.New().String(),
		UserID:       userID,
		Name:         name,
		Platform:     platform,
		Capabilities: capabilities,
		Metadata:     metadata,
		Online:       false,
		LastActiveAt: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	out, err := s.store.UpsertDevice(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("upsert device: %w", err)
	}
	return out, nil
}

func (s *Service) findByNaturalKey(ctx context.Context, userID, name, platform string) (*store.Device, error) {
	devices, err := s.store.ListDevices(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	for i := range devices {
		if devices[i].Name == name && devices[i].Platform == platform {
			return &devices[i], nil
		}
	}
	return nil, nil
}

// ListDevices returns all devices owned by the user.
func (s *Service) ListDevices(ctx context.Context, userID string) ([]store.Device, error) {
	return s.store.ListDevices(ctx, userID)
}

// GetDevice returns the device if it exists and belongs to the user.
func (s *Service) GetDevice(ctx context.Context, userID, deviceID string) (*store.Device, error) {
	d, err := s.store.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if d == nil || d.UserID != userID {
		return nil, ErrNotFound
	}
	return d, nil
}

// DeviceUpdate carries the mutable device fields. Nil fields are left
// unchanged.
type DeviceUpdate struct {
	Name         *string
	Capabilities []string
	Metadata     map[string]string
}

// UpdateDevice applies an ownership-checked partial update and returns the
// fresh record.
func (s *Service) UpdateDevice(ctx context.Context, userID, deviceID string, upd DeviceUpdate) (*store.Device, error) {
	d, err := s.GetDevice(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	if upd.Name != nil {
		d.Name = *upd.Name
	}
	if upd.Capabilities != nil {
		d.Capabilities = upd.Capabilities
	}
	if upd.Metadata != nil {
		d.Metadata = upd.Metadata
	}
	if err := s.store.UpdateDevice(ctx, d); err != nil {
		return nil, fmt.Errorf("update device: %w", err)
	}
	return s.store.GetDevice(ctx, deviceID)
}

// DeleteDevice removes the device and cascades to its sessions.
func (s *Service) DeleteDevice(ctx context.Context, userID, deviceID string) error {
	if _, err := s.GetDevice(ctx, userID, deviceID); err != nil {
		return err
	}
	if err := s.store.DeleteDevice(ctx, deviceID); err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	return nil
}

// --- Presence ---

// SetDeviceOnline flips the online flag and stamps last-seen when coming
// online.
func (s *Service) SetDeviceOnline(ctx context.Context, deviceID string, online bool) error {
	return s.store.SetDeviceOnline(ctx, deviceID, online)
}

// TouchDevice stamps last-seen. Called on every heartbeat.
func (s *Service) TouchDevice(ctx context.Context, deviceID string) error {
	return s.store.TouchDevice(ctx, deviceID)
}

// GetOnlineDevices returns the user's devices flagged online and seen within
// the freshness window, optionally filtered by capability. Devices stale past
// the window are swept to offline as a side effect, so presence self-heals
// even if a process crashed without a clean disconnect.
func (s *Service) GetOnlineDevices(ctx context.Context, userID, cap string) ([]store.Device, error) {
	cutoff := time.Now().Add(-s.presenceWindow)
	if n, err := s.store.MarkStaleDevicesOffline(ctx, userID, cutoff); err != nil {
		s.logger.Warn("stale device sweep failed", "user_id", userID, "error", err)
	} else if n > 0 {
		s.logger.Info("swept stale devices offline", "user_id", userID, "count", n)
	}

	devices, err := s.store.ListOnlineDevices(ctx, userID, cutoff)
	if err != nil {
		return nil, err
	}
	if cap == "" {
		return devices, nil
	}
	filtered := devices[:0]
	for _, d := range devices {
		if d.HasCapability(cap) {
			filtered = append(filtered, d)
		}
	}
	return filtered, nil
}

// --- Sessions ---

// CreateSession mints a random session token for the device. Only the
// SHA-256 hash is persisted; the plaintext token is returned once.
func (s *Service) CreateSession(ctx context.Context, deviceID string) (string, *store.DeviceSession, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, fmt.Errorf("generate session token: %w", err)
	}
	token := hex.EncodeToString(b)

	now := time.Now()
	sess := &store.DeviceSession{
		ID:        uuid.New().String(),
		DeviceID:  deviceID,
		TokenHash: sha256hex(token),
		CreatedAt: now,
		ExpiresAt: now.Add(s.sessionTTL),
	}
	if err := s.store.CreateDeviceSession(ctx, sess); err != nil {
		return "", nil, fmt.Errorf("create device session: %w", err)
	}
	return token, sess, nil
}

// ValidateSession returns the device owning a valid session token, deleting
// the session row if it has expired. An invalid or expired token yields
// ErrInvalidToken.
func (s *Service) ValidateSession(ctx context.Context, token string) (*store.Device, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	sess, err := s.store.GetDeviceSessionByHash(ctx, sha256hex(token))
	if err != nil {
		return nil, fmt.Errorf("lookup session: %w", err)
	}
	if sess == nil {
		return nil, ErrInvalidToken
	}
	if time.Now().After(sess.ExpiresAt) {
		if err := s.store.DeleteDeviceSession(ctx, sess.ID); err != nil {
			s.logger.Warn("delete expired session failed", "session_id", sess.ID, "error", err)
		}
		return nil, ErrInvalidToken
	}

	device, err := s.store.GetDevice(ctx, sess.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("lookup device: %w", err)
	}
	if device == nil {
		// Orphaned session; a valid session must map to a live device row.
		_ = s.store.DeleteDeviceSession(ctx, sess.ID)
		return nil, ErrInvalidToken
	}

	if err := s.store.TouchDeviceSession(ctx, sess.ID); err != nil {
		s.logger.Warn("touch session failed", "session_id", sess.ID, "error", err)
	}
	return device, nil
}

// RevokeSessions deletes all sessions for a device.
func (s *Service) RevokeSessions(ctx context.Context, userID, deviceID string) error {
	if _, err := s.GetDevice(ctx, userID, deviceID); err != nil {
		return err
	}
	return s.store.DeleteDeviceSessionsByDevice(ctx, deviceID)
}

// CleanExpiredSessions removes expired session rows. Run periodically to
// keep the table bounded.
func (s *Service) CleanExpiredSessions(ctx context.Context) (int64, error) {
	return s.store.PurgeExpiredDeviceSessions(ctx)
}

func sha256hex(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}
