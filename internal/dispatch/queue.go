// Package dispatch implements the durable cross-instance tool-call queue.
//
// Jobs are rows, not messages: any hub instance can pick one up, so a call
// enqueued on instance A reaches a device connected to instance B with no
// direct network link between the two. Coordination happens entirely through
// the store's row-locking claim, and results flow back the same way.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/switchboard-ai/switchboard/internal/store"
)

// ErrAwaitTimeout is returned when a job fails to reach a terminal state
// before the caller's deadline.
var ErrAwaitTimeout = errors.New("timed out waiting for device tool call result")

// Queue provides enqueue and result-await over gateway tool call rows.
type Queue struct {
	store        store.Store
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewQueue creates a Queue. pollInterval is the cadence Await re-reads the
// job row at; zero means the 200ms default.
func NewQueue(s store.Store, logger *slog.Logger, pollInterval time.Duration) *Queue {
	if pollInterval == 0 {
		pollInterval = 200 * time.Millisecond
	}
	return &Queue{
		store:        s,
		pollInterval: pollInterval,
		logger:       logger.With("component", "dispatch"),
	}
}

// Enqueue inserts a pending job with an absolute expiry ttl from now.
func (q *Queue) Enqueue(ctx context.Context, userID, capability, tool string, params json.RawMessage, ttl time.Duration) (*store.GatewayToolCall, error) {
	now := time.Now()
	call := &store.GatewayToolCall{
		ID:         uuid.New().String(),
		UserID:     userID,
		Capability: capability,
		Tool:       tool,
		Params:     params,
		Status:     store.StatusPending,
		ExpiresAt:  now.Add(ttl),
		CreatedAt:  now,
	}
	if err := q.store.CreateGatewayToolCall(ctx, call); err != nil {
		return nil, fmt.Errorf("enqueue gateway tool call: %w", err)
	}
	q.logger.Debug("enqueued gateway tool call", "id", call.ID, "tool", tool, "capability", capability)
	return call, nil
}

// Await polls the job row until it reaches a terminal state or the timeout
// elapses. On timeout the row is force-expired so no future worker wastes
// effort claiming it, and ErrAwaitTimeout is returned. Polling a row instead
// of waiting on a channel is deliberate: it keeps instances coordination-free.
func (q *Queue) Await(ctx context.Context, id string, timeout time.Duration) (*store.GatewayToolCall, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		call, err := q.store.GetGatewayToolCall(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("poll gateway tool call: %w", err)
		}
		if call == nil {
			return nil, fmt.Errorf("gateway tool call %s not found", id)
		}
		if call.Terminal() {
			if call.Status == store.StatusExpired {
				return call, ErrAwaitTimeout
			}
			return call, nil
		}

		if time.Now().After(deadline) {
			if err := q.store.ExpireGatewayToolCall(ctx, id); err != nil {
				q.logger.Warn("force-expire on await deadline failed", "id", id, "error", err)
			}
			// The caller's deadline passing is also the moment to sweep any
			// other overdue rows.
			if _, err := q.store.ExpireStaleGatewayToolCalls(ctx); err != nil {
				q.logger.Warn("stale sweep on await deadline failed", "error", err)
			}
			return nil, ErrAwaitTimeout
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// PendingCount returns the number of jobs still waiting for a claim.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	return q.store.CountGatewayToolCallsByStatus(ctx, store.StatusPending)
}
