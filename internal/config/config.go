// Package config handles switchboard configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level switchboard configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Gateway   GatewayConfig   `json:"gateway,omitempty"`
	Limits    LimitsConfig    `json:"limits,omitempty"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
}

// ServerConfig defines the hub's listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"`                      // e.g. ":8080"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS + WebSocket origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // max request body size; default 1MB
}

// AuthConfig defines caller authentication settings. Devices authenticate
// with registry-minted session tokens, not through this provider.
type AuthConfig struct {
	Provider     string        `json:"provider,omitempty"`    // "builtin" (default) or "jwks"
	JWTSecret    string        `json:"jwt_secret,omitempty"`  // builtin: HS256 signing secret
	JWTExpiry    Duration      `json:"jwt_expiry,omitempty"`  // builtin: issued token lifetime
	JWKSIssuer   string        `json:"jwks_issuer,omitempty"` // jwks: external IdP issuer URL
	InitialAdmin *InitialAdmin `json:"initial_admin,omitempty"`
}

// InitialAdmin is used to bootstrap the first admin user (builtin provider).
type InitialAdmin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver       string   `json:"driver"`                  // "sqlite" (default) or "postgres"
	DSN          string   `json:"dsn"`                     // e.g. "switchboard.db" or ":memory:"
	JobRetention Duration `json:"job_retention,omitempty"` // terminal gateway tool call retention; default 1h
}

// GatewayConfig holds the device-gateway tunables. Every field here can also
// be overridden by a SWITCHBOARD_* environment variable after file load.
type GatewayConfig struct {
	HeartbeatTimeout       Duration `json:"heartbeat_timeout,omitempty"`        // close connections silent this long; default 90s
	HeartbeatSweepInterval Duration `json:"heartbeat_sweep_interval,omitempty"` // how often the sweep runs; default 30s
	RegistrationTimeout    Duration `json:"registration_timeout,omitempty"`     // register frame deadline; default 10s
	ToolCallTimeout        Duration `json:"tool_call_timeout,omitempty"`        // default per-call deadline; default 30s
	DispatchPollInterval   Duration `json:"dispatch_poll_interval,omitempty"`   // queue result poll cadence; default 200ms
	DispatchTickInterval   Duration `json:"dispatch_tick_interval,omitempty"`   // worker claim cadence; default 500ms
	PresenceWindow         Duration `json:"presence_window,omitempty"`          // device freshness window; default 2m
	SessionTTL             Duration `json:"session_ttl,omitempty"`              // device session lifetime; default 720h
	SessionSweepInterval   Duration `json:"session_sweep_interval,omitempty"`   // expired-session cleanup cadence; default 1h
}

// LimitsConfig defines per-user resource limits.
type LimitsConfig struct {
	MaxDevicesPerUser int `json:"max_devices_per_user,omitempty"` // 0 = unlimited
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
}

// Duration is a JSON-friendly time.Duration. It accepts "90s" strings or
// bare numbers interpreted as seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file, then applies defaults and
// environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	// JWTSecret is only required for the builtin auth provider.
	if (c.Auth.Provider == "" || c.Auth.Provider == "builtin") && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret — generate a new one")
	}
	if c.Auth.Provider == "jwks" && c.Auth.JWKSIssuer == "" {
		return fmt.Errorf("auth.jwks_issuer is required when provider is jwks")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "switchboard.db"
	}
	if c.Storage.JobRetention.Duration == 0 {
		c.Storage.JobRetention.Duration = 1 * time.Hour
	}
	if c.Gateway.HeartbeatTimeout.Duration == 0 {
		c.Gateway.HeartbeatTimeout.Duration = 90 * time.Second
	}
	if c.Gateway.HeartbeatSweepInterval.Duration == 0 {
		c.Gateway.HeartbeatSweepInterval.Duration = 30 * time.Second
	}
	if c.Gateway.RegistrationTimeout.Duration == 0 {
		c.Gateway.RegistrationTimeout.Duration = 10 * time.Second
	}
	if c.Gateway.ToolCallTimeout.Duration == 0 {
		c.Gateway.ToolCallTimeout.Duration = 30 * time.Second
	}
	if c.Gateway.DispatchPollInterval.Duration == 0 {
		c.Gateway.DispatchPollInterval.Duration = 200 * time.Millisecond
	}
	if c.Gateway.DispatchTickInterval.Duration == 0 {
		c.Gateway.DispatchTickInterval.Duration = 500 * time.Millisecond
	}
	if c.Gateway.PresenceWindow.Duration == 0 {
		c.Gateway.PresenceWindow.Duration = 2 * time.Minute
	}
	if c.Gateway.SessionTTL.Duration == 0 {
		c.Gateway.SessionTTL.Duration = 720 * time.Hour // 30 days
	}
	if c.Gateway.SessionSweepInterval.Duration == 0 {
		c.Gateway.SessionSweepInterval.Duration = 1 * time.Hour
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
}

// envOverrides maps environment variables onto gateway tunables.
var envOverrides = []struct {
	name   string
	target func(c *Config) *Duration
}{
	{"SWITCHBOARD_HEARTBEAT_TIMEOUT", func(c *Config) *Duration { return &c.Gateway.HeartbeatTimeout }},
	{"SWITCHBOARD_HEARTBEAT_SWEEP_INTERVAL", func(c *Config) *Duration { return &c.Gateway.HeartbeatSweepInterval }},
	{"SWITCHBOARD_REGISTRATION_TIMEOUT", func(c *Config) *Duration { return &c.Gateway.RegistrationTimeout }},
	{"SWITCHBOARD_TOOL_CALL_TIMEOUT", func(c *Config) *Duration { return &c.Gateway.ToolCallTimeout }},
	{"SWITCHBOARD_DISPATCH_POLL_INTERVAL", func(c *Config) *Duration { return &c.Gateway.DispatchPollInterval }},
	{"SWITCHBOARD_DISPATCH_TICK_INTERVAL", func(c *Config) *Duration { return &c.Gateway.DispatchTickInterval }},
	{"SWITCHBOARD_PRESENCE_WINDOW", func(c *Config) *Duration { return &c.Gateway.PresenceWindow }},
	{"SWITCHBOARD_SESSION_TTL", func(c *Config) *Duration { return &c.Gateway.SessionTTL }},
}

func (c *Config) applyEnvOverrides() error {
	for _, o := range envOverrides {
		raw := os.Getenv(o.name)
		if raw == "" {
			continue
		}
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", o.name, err)
		}
		o.target(c).Duration = dur
	}
	return nil
}
