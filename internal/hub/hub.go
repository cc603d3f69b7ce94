// Package hub is the main orchestrator that ties all switchboard components
// together.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/switchboard-ai/switchboard/internal/api"
	"github.com/switchboard-ai/switchboard/internal/auth"
	"github.com/switchboard-ai/switchboard/internal/config"
	"github.com/switchboard-ai/switchboard/internal/dispatch"
	"github.com/switchboard-ai/switchboard/internal/registry"
	"github.com/switchboard-ai/switchboard/internal/router"
	"github.com/switchboard-ai/switchboard/internal/store"
)

// Hub is the main switchboard process: one gateway instance.
type Hub struct {
	cfg        *config.Config
	store      store.Store
	registry   *registry.Service
	connHub    *router.Hub
	worker     *dispatch.Worker
	api        *api.Server
	logger     *slog.Logger
	instanceID string
}

// New creates a hub from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	authProvider, err := auth.NewProvider(cfg.Auth, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	// Bootstrap creates the initial admin user for the builtin provider.
	if err := authProvider.Bootstrap(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}

	var loginProvider auth.LoginProvider
	if lp, ok := authProvider.(auth.LoginProvider); ok {
		loginProvider = lp
	}

	reg := registry.New(db, logger, registry.Options{
		PresenceWindow:    cfg.Gateway.PresenceWindow.Duration,
		SessionTTL:        cfg.Gateway.SessionTTL.Duration,
		MaxDevicesPerUser: cfg.Limits.MaxDevicesPerUser,
	})

	connHub := router.NewHub(reg, logger, router.Options{
		AllowedOrigins:         cfg.Server.AllowedOrigins,
		RegistrationTimeout:    cfg.Gateway.RegistrationTimeout.Duration,
		HeartbeatTimeout:       cfg.Gateway.HeartbeatTimeout.Duration,
		HeartbeatSweepInterval: cfg.Gateway.HeartbeatSweepInterval.Duration,
		ToolCallTimeout:        cfg.Gateway.ToolCallTimeout.Duration,
		MaxMessageBytes:        cfg.Server.MaxBodyBytes,
	})

	// Every process gets a fresh dispatch identity; claims in the shared
	// queue are attributed to it.
	instanceID := uuid.New().String()

	queue := dispatch.NewQueue(db, logger, cfg.Gateway.DispatchPollInterval.Duration)
	worker := dispatch.NewWorker(db, connHub, instanceID, cfg.Gateway.DispatchTickInterval.Duration, logger)
	rt := router.NewRouter(connHub, reg, queue, instanceID, logger)

	apiSrv := api.NewServer(db, authProvider, loginProvider, reg, connHub, rt, cfg, logger)

	h := &Hub{
		cfg:        cfg,
		store:      db,
		registry:   reg,
		connHub:    connHub,
		worker:     worker,
		api:        apiSrv,
		logger:     logger.With("component", "hub"),
		instanceID: instanceID,
	}

	if authProvider.Name() == "builtin" {
		if cfg.Auth.InitialAdmin != nil &&
			cfg.Auth.InitialAdmin.Username == "admin" && cfg.Auth.InitialAdmin.Password == "admin" {
			logger.Warn("default admin credentials detected (admin/admin) — change immediately in production")
		}
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*' — restrict to specific origins in production")
			break
		}
	}

	return h, nil
}

// InstanceID returns this process's dispatch instance id.
func (h *Hub) InstanceID() string { return h.instanceID }

// Run starts the HTTP server and all background loops, blocking until the
// context is canceled.
func (h *Hub) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    h.cfg.Server.Addr,
		Handler: h.api.Handler(),
	}

	// Liveness sweep for silent WebSocket connections.
	h.connHub.StartHeartbeatSweep(ctx)

	// Queue worker claiming jobs for locally connected devices.
	go h.worker.Run(ctx)

	// Rate limiter cleanup.
	h.api.StartBackgroundTasks(ctx)

	// Retention: expired device sessions and terminal queue rows.
	go h.runSessionSweeper(ctx)
	if h.cfg.Storage.JobRetention.Duration > 0 {
		go h.runJobPurger(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("switchboard listening", "addr", h.cfg.Server.Addr, "instance_id", h.instanceID)
		if h.cfg.Server.TLSCert != "" && h.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			h.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		h.logger.Info("shutting down gracefully")

		// Devices first, so they reconnect elsewhere instead of timing out.
		h.connHub.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			h.logger.Info("http server stopped gracefully")
		}

		h.logger.Info("closing store")
		_ = h.store.Close()
		h.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = h.store.Close()
		return err
	}
}

// runSessionSweeper periodically deletes expired device session rows.
func (h *Hub) runSessionSweeper(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.Gateway.SessionSweepInterval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := h.registry.CleanExpiredSessions(ctx); err != nil {
				h.logger.Warn("session sweep failed", "error", err)
			} else if n > 0 {
				h.logger.Info("session sweep: deleted expired sessions", "count", n)
			}
		}
	}
}

// runJobPurger periodically deletes terminal gateway tool calls past the
// retention window.
func (h *Hub) runJobPurger(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-h.cfg.Storage.JobRetention.Duration)
			if n, err := h.store.PurgeTerminalGatewayToolCalls(ctx, cutoff); err != nil {
				h.logger.Warn("job retention purge failed", "error", err)
			} else if n > 0 {
				h.logger.Info("job retention purge: deleted terminal tool calls", "count", n)
			}
		}
	}
}
