package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			platform TEXT NOT NULL,
			capabilities JSONB NOT NULL DEFAULT '[]',
			metadata JSONB NOT NULL DEFAULT '{}',
			online BOOLEAN NOT NULL DEFAULT FALSE,
			last_active_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(user_id, name, platform)
		)`,
		`CREATE TABLE IF NOT EXISTS device_sessions (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
			token_hash TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMPTZ NOT NULL,
			last_used_at TIMESTAMPTZ
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
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, username, password_hash, role, created_at) VALUES ($1, $2, $3, $4, $5)",
		user.ID, user.Username, user.PasswordHash, user.Role, user.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, role, created_at FROM users WHERE username = $1", username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, role, created_at FROM users WHERE id = $1", id,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

// --- Devices ---

func (s *PostgresStore) UpsertDevice(ctx context.Context, d *Device) (*Device, error) {
	var out Device
	var caps, meta string
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO devices (id, user_id, name, platform, capabilities, metadata, online, last_active_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT(user_id, name, platform) DO UPDATE SET
		   capabilities = EXCLUDED.capabilities,
		   metadata = EXCLUDED.metadata,
		   updated_at = EXCLUDED.updated_at
		 RETURNING id, user_id, name, platform, capabilities, metadata, online, last_active_at, created_at, updated_at`,
		d.ID, d.UserID, d.Name, d.Platform, encodeStringList(d.Capabilities), encodeStringMap(d.Metadata),
		d.Online, d.LastActiveAt, d.CreatedAt, d.UpdatedAt,
	).Scan(&out.ID, &out.UserID, &out.Name, &out.Platform, &caps, &meta,
		&out.Online, &out.LastActiveAt, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return nil, err
	}
	out.Capabilities = decodeStringList(caps)
	out.Metadata = decodeStringMap(meta)
	return &out, nil
}

func (s *PostgresStore) GetDevice(ctx context.Context, id string) (*Device, error) {
	var d Device
	var caps, meta string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, platform, capabilities, metadata, online, last_active_at, created_at, updated_at
		 FROM devices WHERE id = $1`, id,
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

func (s *PostgresStore) ListDevices(ctx context.Context, userID string) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, platform, capabilities, metadata, online, last_active_at, created_at, updated_at
		 FROM devices WHERE user_id = $1 ORDER BY name`, userID,
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

func (s *PostgresStore) UpdateDevice(ctx context.Context, d *Device) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE devices SET name = $1, platform = $2, capabilities = $3, metadata = $4, updated_at = $5 WHERE id = $6`,
		d.Name, d.Platform, encodeStringList(d.Capabilities), encodeStringMap(d.Metadata), time.Now(), d.ID,
	)
	return err
}

func (s *PostgresStore) DeleteDevice(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM devices WHERE id = $1", id)
	return err
}

func (s *PostgresStore) CountDevices(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM devices WHERE user_id = $1", userID,
	).Scan(&count)
	return count, err
}

// --- Device presence ---

func (s *PostgresStore) SetDeviceOnline(ctx context.Context, id string, online bool) error {
	if online {
		_, err := s.db.ExecContext(ctx,
			"UPDATE devices SET online = TRUE, last_active_at = $1, updated_at = $1 WHERE id = $2",
			time.Now(), id,
		)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE devices SET online = FALSE, updated_at = $1 WHERE id = $2",
		time.Now(), id,
	)
	return err
}

func (s *PostgresStore) TouchDevice(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE devices SET online = TRUE, last_active_at = $1, updated_at = $1 WHERE id = $2",
		time.Now(), id,
	)
	return err
}

func (s *PostgresStore) MarkStaleDevicesOffline(ctx context.Context, userID string, cutoff time.Time) (int64, error) {
	var result sql.Result
	var err error
	if userID == "" {
		result, err = s.db.ExecContext(ctx,
			"UPDATE devices SET online = FALSE, updated_at = $1 WHERE online = TRUE AND last_active_at < $2",
			time.Now(), cutoff,
		)
	} else {
		result, err = s.db.ExecContext(ctx,
			"UPDATE devices SET online = FALSE, updated_at = $1 WHERE user_id = $2 AND online = TRUE AND last_active_at < $3",
			time.Now(), userID, cutoff,
		)
	}
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *PostgresStore) ListOnlineDevices(ctx context.Context, userID string, since time.Time) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, platform, capabilities, metadata, online, last_active_at, created_at, updated_at
		 FROM devices WHERE user_id = $1 AND online = TRUE AND last_active_at >= $2
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

func (s *PostgresStore) CreateDeviceSession(ctx context.Context, sess *DeviceSession) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_sessions (id, device_id, token_hash, created_at, expires_at, last_used_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		sess.ID, sess.DeviceID, sess.TokenHash, sess.CreatedAt, sess.ExpiresAt, sess.LastUsedAt,
	)
	return err
}

func (s *PostgresStore) GetDeviceSessionByHash(ctx context.Context, tokenHash string) (*DeviceSession, error) {
	var sess DeviceSession
	err := s.db.QueryRowContext(ctx,
		`SELECT id, device_id, token_hash, created_at, expires_at, last_used_at
		 FROM device_sessions WHERE token_hash = $1`, tokenHash,
	).Scan(&sess.ID, &sess.DeviceID, &sess.TokenHash, &sess.CreatedAt, &sess.ExpiresAt, &sess.LastUsedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &sess, err
}

func (s *PostgresStore) TouchDeviceSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE device_sessions SET last_used_at = $1 WHERE id = $2",
		time.Now(), id,
	)
	return err
}

func (s *PostgresStore) DeleteDeviceSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM device_sessions WHERE id = $1", id)
	return err
}

func (s *PostgresStore) DeleteDeviceSessionsByDevice(ctx context.Context, deviceID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM device_sessions WHERE device_id = $1", deviceID)
	return err
}

func (s *PostgresStore) PurgeExpiredDeviceSessions(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM device_sessions WHERE expires_at < $1", time.Now(),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// --- Gateway tool calls ---

func (s *PostgresStore) CreateGatewayToolCall(ctx context.Context, call *GatewayToolCall) error {
	params := ""
	if call.Params != nil {
		params = string(call.Params)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO gateway_tool_calls (id, user_id, capability, tool, params, status, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		call.ID, call.UserID, call.Capability, call.Tool, params, call.Status, call.ExpiresAt, call.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetGatewayToolCall(ctx context.Context, id string) (*GatewayToolCall, error) {
	var c GatewayToolCall
	var params, result string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, capability, tool, params, status, result, error, instance_id, expires_at, created_at, started_at, completed_at
		 FROM gateway_tool_calls WHERE id = $1`, id,
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

// ClaimGatewayToolCall atomically flips the oldest eligible pending call to
// processing for this instance. FOR UPDATE SKIP LOCKED keeps concurrent hub
// instances from claiming the same row.
func (s *PostgresStore) ClaimGatewayToolCall(ctx context.Context, instanceID string, userIDs, capabilities []string) (*GatewayToolCall, error) {
	if len(userIDs) == 0 || len(capabilities) == 0 {
		return nil, nil
	}

	var c GatewayToolCall
	var params, result string
	err := s.db.QueryRowContext(ctx,
		`UPDATE gateway_tool_calls SET status = 'processing', instance_id = $1, started_at = NOW()
		 WHERE id = (
		   SELECT id FROM gateway_tool_calls
		   WHERE status = 'pending' AND expires_at > NOW() AND user_id = ANY($2) AND capability = ANY($3)
		   ORDER BY created_at
		   LIMIT 1
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, user_id, capability, tool, params, status, result, error, instance_id, expires_at, created_at, started_at, completed_at`,
		instanceID, userIDs, capabilities,
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

func (s *PostgresStore) CompleteGatewayToolCall(ctx context.Context, id string, result json.RawMessage) error {
	res := ""
	if result != nil {
		res = string(result)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE gateway_tool_calls SET status = 'completed', result = $1, completed_at = $2
		 WHERE id = $3 AND status IN ('pending', 'processing')`,
		res, time.Now(), id,
	)
	return err
}

func (s *PostgresStore) FailGatewayToolCall(ctx context.Context, id string, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE gateway_tool_calls SET status = 'failed', error = $1, completed_at = $2
		 WHERE id = $3 AND status IN ('pending', 'processing')`,
		errMsg, time.Now(), id,
	)
	return err
}

func (s *PostgresStore) ExpireGatewayToolCall(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE gateway_tool_calls SET status = 'expired', completed_at = $1
		 WHERE id = $2 AND status IN ('pending', 'processing')`,
		time.Now(), id,
	)
	return err
}

func (s *PostgresStore) ExpireStaleGatewayToolCalls(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE gateway_tool_calls SET status = 'expired', completed_at = $1
		 WHERE status IN ('pending', 'processing') AND expires_at < $1`,
		time.Now(),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *PostgresStore) CountGatewayToolCallsByStatus(ctx context.Context, status string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM gateway_tool_calls WHERE status = $1", status,
	).Scan(&count)
	return count, err
}

func (s *PostgresStore) ListGatewayToolCallsByUser(ctx context.Context, userID string, limit int) ([]GatewayToolCall, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, capability, tool, params, status, result, error, instance_id, expires_at, created_at, started_at, completed_at
		 FROM gateway_tool_calls WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
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

func (s *PostgresStore) PurgeTerminalGatewayToolCalls(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM gateway_tool_calls WHERE status IN ('completed', 'failed', 'expired') AND created_at < $1",
		before,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
