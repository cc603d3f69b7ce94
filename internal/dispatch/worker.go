package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"time"

	"github.com/switchboard-ai/switchboard/internal/store"
)

// LocalDispatcher is the slice of the connection manager the worker needs:
// which users and capabilities this instance can currently serve, and the
// ability to drive a tool call on a locally connected device.
type LocalDispatcher interface {
	// LocalTargets returns the user ids with at least one registered local
	// connection and the union of capabilities those connections advertise.
	LocalTargets() (userIDs []string, capabilities []string)
	// DispatchToUser sends the tool call to the best locally connected
	// device for the user and waits for its result.
	DispatchToUser(ctx context.Context, userID, capability, tool string, params json.RawMessage, timeout time.Duration) (deviceID string, result json.RawMessage, err error)
}

// Worker claims queued jobs this instance can serve and drives them to
// completion. Every hub instance runs one; the store's lock-and-skip claim
// guarantees a job is only ever taken by one of them.
type Worker struct {
	store      store.Store
	local      LocalDispatcher
	instanceID string
	tick       time.Duration
	logger     *slog.Logger
}

// NewWorker creates a dispatch worker. tick is the claim cadence; zero means
// the 500ms default.
func NewWorker(s store.Store, local LocalDispatcher, instanceID string, tick time.Duration, logger *slog.Logger) *Worker {
	if tick == 0 {
		tick = 500 * time.Millisecond
	}
	return &Worker{
		store:      s,
		local:      local,
		instanceID: instanceID,
		tick:       tick,
		logger:     logger.With("component", "dispatch-worker", "instance_id", instanceID),
	}
}

// Run claims at most one job per tick until the context is canceled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick performs a single claim attempt using the instance's current local
// connection set. Exported so tests can drive the worker deterministically.
func (w *Worker) Tick(ctx context.Context) {
	// Occasionally sweep overdue rows; awaiting callers also sweep on their
	// own deadlines, so this only needs to be probabilistic.
	if rand.Intn(10) == 0 {
		if n, err := w.store.ExpireStaleGatewayToolCalls(ctx); err != nil {
			w.logger.Warn("stale job sweep failed", "error", err)
		} else if n > 0 {
			w.logger.Info("expired stale gateway tool calls", "count", n)
		}
	}

	userIDs, capabilities := w.local.LocalTargets()
	if len(userIDs) == 0 || len(capabilities) == 0 {
		return // nothing connected here, nothing we could serve
	}

	job, err := w.store.ClaimGatewayToolCall(ctx, w.instanceID, userIDs, capabilities)
	if err != nil {
		// A failed claim just means no job progresses this tick; another
		// instance (or the next tick) will pick it up.
		w.logger.Warn("claim attempt failed", "error", err)
		return
	}
	if job == nil {
		return
	}

	w.logger.Info("claimed gateway tool call", "id", job.ID, "tool", job.Tool, "user_id", job.UserID)
	w.execute(ctx, job)
}

func (w *Worker) execute(ctx context.Context, job *store.GatewayToolCall) {
	timeout := time.Until(job.ExpiresAt)
	if timeout <= 0 {
		if err := w.store.ExpireGatewayToolCall(ctx, job.ID); err != nil {
			w.logger.Warn("expire claimed-but-overdue job failed", "id", job.ID, "error", err)
		}
		return
	}

	deviceID, result, err := w.local.DispatchToUser(ctx, job.UserID, job.Capability, job.Tool, job.Params, timeout)
	if err != nil {
		w.logger.Warn("local dispatch failed", "id", job.ID, "tool", job.Tool, "error", err)
		if ferr := w.store.FailGatewayToolCall(ctx, job.ID, err.Error()); ferr != nil {
			w.logger.Warn("mark job failed errored", "id", job.ID, "error", ferr)
		}
		return
	}

	if err := w.store.CompleteGatewayToolCall(ctx, job.ID, result); err != nil {
		w.logger.Warn("mark job completed errored", "id", job.ID, "error", err)
		return
	}
	w.logger.Info("completed gateway tool call", "id", job.ID, "tool", job.Tool, "device_id", deviceID)
}
