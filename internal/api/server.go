// Package api provides the HTTP API and middleware for switchboard.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/switchboard-ai/switchboard/internal/auth"
	"github.com/switchboard-ai/switchboard/internal/config"
	"github.com/switchboard-ai/switchboard/internal/registry"
	"github.com/switchboard-ai/switchboard/internal/router"
	"github.com/switchboard-ai/switchboard/internal/store"
	"github.com/switchboard-ai/switchboard/pkg/protocol"
)

// Server is the HTTP API server.
type Server struct {
	store            store.Store
	authProvider     auth.Provider
	loginProvider    auth.LoginProvider // nil for external providers
	registry         *registry.Service
	hub              *router.Hub
	router           *router.Router
	logger           *slog.Logger
	mux              *chi.Mux
	startTime        time.Time
	maxBodyBytes     int64
	authProviderName string
	loginRL          *rateLimiter
	rl               *rateLimiter
}

// NewServer creates the API server and wires all routes.
func NewServer(s store.Store, ap auth.Provider, lp auth.LoginProvider, reg *registry.Service, hub *router.Hub, rt *router.Router, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:            s,
		authProvider:     ap,
		loginProvider:    lp,
		registry:         reg,
		hub:              hub,
		router:           rt,
		logger:           logger.With("component", "api"),
		startTime:        time.Now(),
		maxBodyBytes:     cfg.Server.MaxBodyBytes,
		authProviderName: ap.Name(),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Auth config endpoint (unauthenticated)
	mux.Get("/v1/auth/config", srv.handleAuthConfig)

	// Login route only registered when using builtin auth.
	if lp != nil {
		srv.loginRL = newRateLimiter(5, 10)
		mux.With(loginIPRateLimitMiddleware(srv.loginRL)).Post("/v1/auth/login", srv.handleLogin)
	}

	// Device WebSocket (auth handled inside via session tokens)
	mux.Get("/ws/device", hub.HandleDeviceWS)

	// Authenticated API routes
	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		// Auto-provision users when auth lives in an external IdP.
		if srv.authProviderName == "jwks" {
			r.Use(srv.ensureUserMiddleware)
		}
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/v1/me", srv.handleGetMe)

		r.Post("/v1/tool-calls", srv.handleRouteToolCall)
		r.Get("/v1/tool-calls", srv.handleListToolCalls)
		r.Get("/v1/tool-calls/{callID}", srv.handleGetToolCall)

		r.Get("/v1/devices", srv.handleListDevices)
		r.Post("/v1/devices", srv.handleRegisterDevice)
		r.Get("/v1/devices/{deviceID}", srv.handleGetDevice)
		r.Put("/v1/devices/{deviceID}", srv.handleUpdateDevice)
		r.Delete("/v1/devices/{deviceID}", srv.handleDeleteDevice)
		r.Post("/v1/devices/{deviceID}/sessions", srv.handleCreateDeviceSession)
		r.Delete("/v1/devices/{deviceID}/sessions", srv.handleRevokeDeviceSessions)

		r.Get("/v1/capabilities", srv.handleListCapabilities)
		r.Get("/v1/stats", srv.handleStats)
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup for the rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	if s.loginRL != nil {
		s.loginRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
	if s.rl != nil {
		s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Auth handlers ---

func (s *Server) handleAuthConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"provider": s.authProviderName})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}

	token, err := s.loginProvider.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.logger.Warn("login failed", "username", req.Username)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{
		"userId":   identity.UserID,
		"username": identity.Username,
		"role":     identity.Role,
	})
}

// --- Tool call handlers ---

func (s *Server) handleRouteToolCall(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

	var req struct {
		Tool      string          `json:"tool"`
		Params    json.RawMessage `json:"params,omitempty"`
		TimeoutMs int64           `json:"timeoutMs,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Tool == "" {
		writeError(w, http.StatusBadRequest, "tool is required")
		return
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	res := s.router.RouteToolCall(r.Context(), identity.UserID, req.Tool, req.Params, timeout)
	// Routing failures are part of the result shape, not HTTP errors: the
	// request itself succeeded even when no device could serve the call.
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListToolCalls(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be 1-500")
			return
		}
		limit = n
	}

	calls, err := s.store.ListGatewayToolCallsByUser(r.Context(), identity.UserID, limit)
	if err != nil {
		s.logger.Error("list tool calls failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list tool calls")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"toolCalls": calls})
}

func (s *Server) handleGetToolCall(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	callID := chi.URLParam(r, "callID")

	call, err := s.store.GetGatewayToolCall(r.Context(), callID)
	if err != nil {
		s.logger.Error("get tool call failed", "call_id", callID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load tool call")
		return
	}
	if call == nil || call.UserID != identity.UserID {
		writeError(w, http.StatusNotFound, "tool call not found")
		return
	}
	writeJSON(w, http.StatusOK, call)
}

// --- Device handlers ---

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	if r.URL.Query().Get("online") == "true" {
		summaries, err := s.router.DeviceSummaries(r.Context(), identity.UserID, r.URL.Query().Get("scope") != "local")
		if err != nil {
			s.logger.Error("list online devices failed", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to list devices")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"devices": summaries})
		return
	}

	devices, err := s.registry.ListDevices(r.Context(), identity.UserID)
	if err != nil {
		s.logger.Error("list devices failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

	var req struct {
		Name         string            `json:"name"`
		Platform     string            `json:"platform"`
		Capabilities []string          `json:"capabilities"`
		Metadata     map[string]string `json:"metadata,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if !protocol.ValidPlatforms[req.Platform] {
		writeError(w, http.StatusBadRequest, "invalid platform")
		return
	}

	device, err := s.registry.RegisterDevice(r.Context(), identity.UserID, req.Name, req.Platform, req.Capabilities, req.Metadata)
	if err != nil {
		if errors.Is(err, registry.ErrDeviceQuota) {
			writeError(w, http.StatusForbidden, "device limit reached")
			return
		}
		s.logger.Error("register device failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to register device")
		return
	}

	// Pairing mints a session token in the same call; the plaintext token is
	// returned exactly once.
	token, _, err := s.registry.CreateSession(r.Context(), device.ID)
	if err != nil {
		s.logger.Error("create device session failed", "device_id", device.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create device session")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"device":       device,
		"sessionToken": token,
	})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	deviceID := chi.URLParam(r, "deviceID")

	device, err := s.registry.GetDevice(r.Context(), identity.UserID, deviceID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, "device not found")
			return
		}
		s.logger.Error("get device failed", "device_id", deviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load device")
		return
	}
	writeJSON(w, http.StatusOK, device)
}

func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	deviceID := chi.URLParam(r, "deviceID")
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

	var req struct {
		Name         *string           `json:"name,omitempty"`
		Capabilities []string          `json:"capabilities,omitempty"`
		Metadata     map[string]string `json:"metadata,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name != nil && *req.Name == "" {
		writeError(w, http.StatusBadRequest, "name must not be empty")
		return
	}

	device, err := s.registry.UpdateDevice(r.Context(), identity.UserID, deviceID, registry.DeviceUpdate{
		Name:         req.Name,
		Capabilities: req.Capabilities,
		Metadata:     req.Metadata,
	})
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, "device not found")
			return
		}
		s.logger.Error("update device failed", "device_id", deviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update device")
		return
	}

	// A live connection learns about the change immediately.
	s.hub.PushSync(device.ID, protocol.DeviceSnapshot{
		ID:           device.ID,
		Name:         device.Name,
		Platform:     device.Platform,
		Capabilities: device.Capabilities,
		Metadata:     device.Metadata,
	})

	writeJSON(w, http.StatusOK, device)
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	deviceID := chi.URLParam(r, "deviceID")

	if err := s.registry.DeleteDevice(r.Context(), identity.UserID, deviceID); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, "device not found")
			return
		}
		s.logger.Error("delete device failed", "device_id", deviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete device")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateDeviceSession(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	deviceID := chi.URLParam(r, "deviceID")

	// Ownership check before minting.
	if _, err := s.registry.GetDevice(r.Context(), identity.UserID, deviceID); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, "device not found")
			return
		}
		s.logger.Error("get device failed", "device_id", deviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load device")
		return
	}

	token, sess, err := s.registry.CreateSession(r.Context(), deviceID)
	if err != nil {
		s.logger.Error("create device session failed", "device_id", deviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create device session")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"sessionToken": token,
		"expiresAt":    sess.ExpiresAt,
	})
}

func (s *Server) handleRevokeDeviceSessions(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	deviceID := chi.URLParam(r, "deviceID")

	if err := s.registry.RevokeSessions(r.Context(), identity.UserID, deviceID); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, "device not found")
			return
		}
		s.logger.Error("revoke device sessions failed", "device_id", deviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to revoke sessions")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Capability and stats handlers ---

func (s *Server) handleListCapabilities(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	cluster := r.URL.Query().Get("scope") != "local"

	caps, err := s.router.AvailableCapabilities(r.Context(), identity.UserID, cluster)
	if err != nil {
		s.logger.Error("list capabilities failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list capabilities")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"capabilities": caps})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snapshot := s.hub.Stats().Snapshot()

	pendingJobs, err := s.store.CountGatewayToolCallsByStatus(r.Context(), store.StatusPending)
	if err != nil {
		s.logger.Warn("count pending jobs failed", "error", err)
	}
	processingJobs, err := s.store.CountGatewayToolCallsByStatus(r.Context(), store.StatusProcessing)
	if err != nil {
		s.logger.Warn("count processing jobs failed", "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"instanceId":      s.router.InstanceID(),
		"uptime":          time.Since(s.startTime).Truncate(time.Second).String(),
		"connections":     s.hub.ConnectionCount(),
		"pendingCalls":    s.hub.PendingCallCount(),
		"queuePending":    pendingJobs,
		"queueProcessing": processingJobs,
		"counters":        snapshot,
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
