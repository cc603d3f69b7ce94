package auth

import (
	"context"
	"errors"

	"github.com/switchboard-ai/switchboard/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserExists         = errors.New("user already exists")
	ErrUnauthorized       = errors.New("unauthorized")
)

// Identity is the unified caller identity for all auth providers. Device
// connections do not pass through here; they authenticate with
// registry-minted session tokens.
type Identity struct {
	UserID   string // internal user ID (builtin) or external subject (jwks)
	Username string
	Role     string // "admin" or "user"
}

// Provider validates bearer tokens and returns identities.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	Bootstrap(ctx context.Context) error
	Name() string
}

// LoginProvider is implemented by providers that support username/password
// login.
type LoginProvider interface {
	Login(ctx context.Context, username, password string) (string, error)
	Register(ctx context.Context, username, password, role string) (*store.User, error)
}
