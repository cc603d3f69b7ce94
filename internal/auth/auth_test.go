package auth

import (
	"context"
	"testing"
	"time"

	"github.com/switchboard-ai/switchboard/internal/config"
	"github.com/switchboard-ai/switchboard/internal/store"
)

func setupService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cfg := config.AuthConfig{
		JWTSecret: "test-secret-at-least-32-chars-long!!",
		JWTExpiry: config.Duration{Duration: 1 * time.Hour},
	}
	return NewService(s, cfg), s
}

func TestLoginAndValidate(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, "alice", "correct-horse-battery", "user")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	token, err := svc.Login(ctx, "alice", "correct-horse-battery")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	identity, err := svc.ValidateToken(ctx, token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if identity.UserID != user.ID {
		t.Errorf("identity user id mismatch: got %q, want %q", identity.UserID, user.ID)
	}
	if identity.Username != "alice" || identity.Role != "user" {
		t.Errorf("unexpected identity: %+v", identity)
	}
}

func TestLogin_WrongPassword(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "bob", "password123", "user"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Login(ctx, "bob", "wrong"); err != ErrInvalidCredentials {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.Login(ctx, "nobody", "password123"); err != ErrInvalidCredentials {
		t.Errorf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}
}

func TestRegister_Duplicate(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "carol", "password123", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Register(ctx, "carol", "password456", ""); err != ErrUserExists {
		t.Errorf("expected ErrUserExists, got %v", err)
	}
}

func TestValidateToken_Garbage(t *testing.T) {
	svc, _ := setupService(t)
	if _, err := svc.ValidateToken(context.Background(), "not.a.jwt"); err != ErrUnauthorized {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestBootstrap_CreatesAdminOnce(t *testing.T) {
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cfg := config.AuthConfig{
		JWTSecret:    "test-secret-at-least-32-chars-long!!",
		JWTExpiry:    config.Duration{Duration: 1 * time.Hour},
		InitialAdmin: &config.InitialAdmin{Username: "admin", Password: "hunter22"},
	}
	svc := NewService(s, cfg)
	ctx := context.Background()

	if err := svc.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	user, err := s.GetUser(ctx, "admin")
	if err != nil || user == nil {
		t.Fatalf("expected admin user, got %v, %v", user, err)
	}
	if user.Role != "admin" {
		t.Errorf("expected admin role, got %q", user.Role)
	}

	// Idempotent on restart.
	if err := svc.Bootstrap(ctx); err != nil {
		t.Fatalf("second Bootstrap: %v", err)
	}
	if _, err := svc.Login(ctx, "admin", "hunter22"); err != nil {
		t.Errorf("admin login failed: %v", err)
	}
}
