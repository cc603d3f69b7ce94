package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data. Without this, each pooled connection gets a separate
	// empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			platform TEXT NOT NULL,
			capabilities TEXT NOT NULL DEFAULT '[]',
			metadata TEXT NOT NULL DEFAULT '{}',
			online INTEGER NOT NULL DEFAULT 0,
			last_active_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(user_id, name, platform)
		)`,
		`CREATE TABLE IF NOT EXISTS device_sessions (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
			token_hash TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			expires_at DATETIME NOT NULL,
			last_used_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS gateway_tool_calls (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			capability TEXT NOT NULL,
			tool TEXT NOT NULL,
			params TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			result TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			instance_id TEXT NOT NULL DEFAULT '',
			expires_at DATETIME NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			started_at DATETIME,
			completed_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_devices_user_id ON devices(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_devices_online ON devices(user_id, online, last_active_at)`,
		`CREATE INDEX IF NOT EXISTS idx_device_sessions_token_hash ON device_sessions(token_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_device_sessions_device_id ON device_sessions(device_id)`,
		`CREATE INDEX IF NOT EXISTS idx_gateway_tool_calls_claim ON gateway_tool_calls(status, expires_at, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_gateway_tool_calls_user_id ON gateway_tool_calls(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_gateway_tool_calls_created_at ON gateway_tool_calls(created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}

	return nil
}

func placeholders(n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = "?"
	}
	return strings.Join(ph, ", ")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Users ---

func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, username, password_hash, role, created_at) VALUES (?, ?, ?, ?, ?)",
		user.ID, user.Username, user.PasswordHash, user.Role, user.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetUser(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, role, created_at FROM users WHERE username = ?", username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, role, created_at FROM users WHERE id = ?", id,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

// --- Devices ---

func (s *SQLiteStore) UpsertDevice(ctx context.Context, d *Device) (*Device, error) {
	// Presence columns are owned by the connection lifecycle; a re-pair of an
	// existing device must not flip it offline.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (id, user_id, name, platform, capabilities, metadata, online, last_active_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, name, platform) DO UPDATE SET
		   capabilities=excluded.capabilities,
		   metadata=excluded.metadata,
		   updated_at=excluded.updated_at`,
		d.ID, d.UserID, d.Name, d.Platform, encodeStringList(d.Capabilities), encodeStringMap(d.Metadata),
		d.Online, d.LastActiveAt, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	// Re-read by the natural key so the caller sees the canonical row, in
	// particular the original id when the insert hit an existing device.
	var out Device
	var caps, meta string
	err = s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, platform, capabilities, metadata, online, last_active_at, created_at, updated_at
		 FROM devices WHERE user_id = ? AND name = ? AND platform = ?`,
		d.UserID, d.Name, d.Platform,
	).Scan(&out.ID, &out.UserID, &out.Name, &out.Platform, &caps, &meta,
		&out.Online, &out.LastActiveAt, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return nil, err
	}
	out.Capabilities = decodeStringList(caps)
	out.Metadata = decodeStringMap(meta)
	return &out, nil
}

func (s *SQLiteStore) GetDevice(ctx context.Context, id string) (*Device, error) {
	var d Device
	var caps, meta string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, platform, capabilities, metadata, online, last_active_at, created_at, updated_at
		 FROM devices WHERE id = ?`, id,
	).Scan(&d.ID, &d.UserID, &d.Name, &d.Platform, &caps, &meta,
		&d.Online, &d.LastActiveAt, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d.Capabilities = decodeStringList(caps)
	d.Metadata = decodeStringMap(meta)
	return &d, nil
}

func (s *SQLiteStore) ListDevices(ctx context.Context, userID string) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, platform, capabilities, metadata, online, last_active_at, created_at, updated_at
		 FROM devices WHERE user_id = ? ORDER BY name`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var devices []Device
	for rows.Next() {
		var d Device
		var caps, meta string
		if err := rows.Scan(&d.ID, &d.UserID, &d.Name, &d.Platform, &caps, &meta,
			&d.Online, &d.LastActiveAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.Capabilities = decodeStringList(caps)
		d.Metadata = decodeStringMap(meta)
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func (s *SQLiteStore) UpdateDevice(ctx context.Context, d *Device) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE devices SET name = ?, platform = ?, capabilities = ?, metadata = ?, updated_at = ? WHERE id = ?",
		d.Name, d.Platform, encodeStringList(d.Capabilities), encodeStringMap(d.Metadata), time.Now(), d.ID,
	)
	return err
}

func (s *SQLiteStore) DeleteDevice(ctx context.Context, id string) error {
	// The foreign_keys pragma is per-connection and the pool may hand this
	// statement to a connection that never ran it, so cascade by hand.
	if _, err := s.db.ExecContext(ctx, "DELETE FROM device_sessions WHERE device_id = ?", id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM devices WHERE id = ?", id)
	return err
}

func (s *SQLiteStore) CountDevices(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM devices WHERE user_id = ?", userID,
	).Scan(&count)
	return count, err
}

// --- Device presence ---

func (s *SQLiteStore) SetDeviceOnline(ctx context.Context, id string, online bool) error {
	if online {
		_, err := s.db.ExecContext(ctx,
			"UPDATE devices SET online = 1, last_active_at = ?, updated_at = ? WHERE id = ?",
			time.Now(), time.Now(), id,
		)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE devices SET online = 0, updated_at = ? WHERE id = ?",
		time.Now(), id,
	)
	return err
}

func (s *SQLiteStore) TouchDevice(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE devices SET online = 1, last_active_at = ?, updated_at = ? WHERE id = ?",
		time.Now(), time.Now(), id,
	)
	return err
}

func (s *SQLiteStore) MarkStaleDevicesOffline(ctx context.Context, userID string, cutoff time.Time) (int64, error) {
	var result sql.Result
	var err error
	if userID == "" {
		result, err = s.db.ExecContext(ctx,
			"UPDATE devices SET online = 0, updated_at = ? WHERE online = 1 AND last_active_at < ?",
			time.Now(), cutoff,
		)
	} else {
		result, err = s.db.ExecContext(ctx,
			"UPDATE devices SET online = 0, updated_at = ? WHERE user_id = ? AND online = 1 AND last_active_at < ?",
			time.Now(), userID, cutoff,
		)
	}
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *SQLiteStore) ListOnlineDevices(ctx context.Context, userID string, since time.Time) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, platform, capabilities, metadata, online, last_active_at, created_at, updated_at
		 FROM devices WHERE user_id = ? AND online = 1 AND last_active_at >= ?
		 ORDER BY last_active_at DESC`, userID, since,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var devices []Device
	for rows.Next() {
		var d Device
		var caps, meta string
		if err := rows.Scan(&d.ID, &d.UserID, &d.Name, &d.Platform, &caps, &meta,
			&d.Online, &d.LastActiveAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.Capabilities = decodeStringList(caps)
		d.Metadata = decodeStringMap(meta)
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// --- Device sessions ---

func (s *SQLiteStore) CreateDeviceSession(ctx context.Context, sess *DeviceSession) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_sessions (id, device_id, token_hash, created_at, expires_at, last_used_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.DeviceID, sess.TokenHash, sess.CreatedAt, sess.ExpiresAt, sess.LastUsedAt,
	)
	return err
}

func (s *SQLiteStore) GetDeviceSessionByHash(ctx context.Context, tokenHash string) (*DeviceSession, error) {
	var sess DeviceSession
	err := s.db.QueryRowContext(ctx,
		`SELECT id, device_id, token_hash, created_at, expires_at, last_used_at
		 FROM device_sessions WHERE token_hash = ?`, tokenHash,
	).Scan(&sess.ID, &sess.DeviceID, &sess.TokenHash, &sess.CreatedAt, &sess.ExpiresAt, &sess.LastUsedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &sess, err
}

func (s *SQLiteStore) TouchDeviceSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE device_sessions SET last_used_at = ? WHERE id = ?",
		time.Now(), id,
	)
	return err
}

func (s *SQLiteStore) DeleteDeviceSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM device_sessions WHERE id = ?", id)
	return err
}

func (s *SQLiteStore) DeleteDeviceSessionsByDevice(ctx context.Context, deviceID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM device_sessions WHERE device_id = ?", deviceID)
	return err
}

func (s *SQLiteStore) PurgeExpiredDeviceSessions(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM device_sessions WHERE expires_at < ?", time.Now(),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// --- Gateway tool calls ---

func (s *SQLiteStore) CreateGatewayToolCall(ctx context.Context, call *GatewayToolCall) error {
	params := ""
	if call.Params != nil {
		params = string(call.Params)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO gateway_tool_calls (id, user_id, capability, tool, params, status, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		call.ID, call.UserID, call.Capability, call.Tool, params, call.Status, call.ExpiresAt, call.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetGatewayToolCall(ctx context.Context, id string) (*GatewayToolCall, error) {
	var c GatewayToolCall
	var params, result string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, capability, tool, params, status, result, error, instance_id, expires_at, created_at, started_at, completed_at
		 FROM gateway_tool_calls WHERE id = ?`, id,
	).Scan(&c.ID, &c.UserID, &c.Capability, &c.Tool, &params, &c.Status, &result, &c.Error,
		&c.InstanceID, &c.ExpiresAt, &c.CreatedAt, &c.StartedAt, &c.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if params != "" {
		c.Params = json.RawMessage(params)
	}
	if result != "" {
		c.Result = json.RawMessage(result)
	}
	return &c, nil
}

// ClaimGatewayToolCall picks the oldest eligible pending call, then flips it
// with a guarded update. SQLite has no SKIP LOCKED; if another instance wins
// the race the update affects zero rows and we report no work.
func (s *SQLiteStore) ClaimGatewayToolCall(ctx context.Context, instanceID string, userIDs, capabilities []string) (*GatewayToolCall, error) {
	if len(userIDs) == 0 || len(capabilities) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(userIDs)+len(capabilities)+1)
	args = append(args, time.Now())
	for _, u := range userIDs {
		args = append(args, u)
	}
	for _, c := range capabilities {
		args = append(args, c)
	}

	var id string
	query := fmt.Sprintf(
		`SELECT id FROM gateway_tool_calls
		 WHERE status = 'pending' AND expires_at > ? AND user_id IN (%s) AND capability IN (%s)
		 ORDER BY created_at LIMIT 1`,
		placeholders(len(userIDs)), placeholders(len(capabilities)),
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE gateway_tool_calls SET status = 'processing', instance_id = ?, started_at = ?
		 WHERE id = ? AND status = 'pending'`,
		instanceID, time.Now(), id,
	)
	if err != nil {
		return nil, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	return s.GetGatewayToolCall(ctx, id)
}

func (s *SQLiteStore) CompleteGatewayToolCall(ctx context.Context, id string, result json.RawMessage) error {
	res := ""
	if result != nil {
		res = string(result)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE gateway_tool_calls SET status = 'completed', result = ?, completed_at = ?
		 WHERE id = ? AND status IN ('pending', 'processing')`,
		res, time.Now(), id,
	)
	return err
}

func (s *SQLiteStore) FailGatewayToolCall(ctx context.Context, id string, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE gateway_tool_calls SET status = 'failed', error = ?, completed_at = ?
		 WHERE id = ? AND status IN ('pending', 'processing')`,
		errMsg, time.Now(), id,
	)
	return err
}

func (s *SQLiteStore) ExpireGatewayToolCall(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE gateway_tool_calls SET status = 'expired', completed_at = ?
		 WHERE id = ? AND status IN ('pending', 'processing')`,
		time.Now(), id,
	)
	return err
}

func (s *SQLiteStore) ExpireStaleGatewayToolCalls(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE gateway_tool_calls SET status = 'expired', completed_at = ?
		 WHERE status IN ('pending', 'processing') AND expires_at < ?`,
		time.Now(), time.Now(),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *SQLiteStore) CountGatewayToolCallsByStatus(ctx context.Context, status string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM gateway_tool_calls WHERE status = ?", status,
	).Scan(&count)
	return count, err
}

func (s *SQLiteStore) ListGatewayToolCallsByUser(ctx context.Context, userID string, limit int) ([]GatewayToolCall, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, capability, tool, params, status, result, error, instance_id, expires_at, created_at, started_at, completed_at
		 FROM gateway_tool_calls WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var calls []GatewayToolCall
	for rows.Next() {
		var c GatewayToolCall
		var params, result string
		if err := rows.Scan(&c.ID, &c.UserID, &c.Capability, &c.Tool, &params, &c.Status, &result, &c.Error,
			&c.InstanceID, &c.ExpiresAt, &c.CreatedAt, &c.StartedAt, &c.CompletedAt); err != nil {
			return nil, err
		}
		if params != "" {
			c.Params = json.RawMessage(params)
		}
		if result != "" {
			c.Result = json.RawMessage(result)
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

func (s *SQLiteStore) PurgeTerminalGatewayToolCalls(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM gateway_tool_calls WHERE status IN ('completed', 'failed', 'expired') AND created_at < ?",
		before,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
