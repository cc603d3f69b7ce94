package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/switchboard-ai/switchboard/internal/capability"
	"github.com/switchboard-ai/switchboard/internal/dispatch"
	"github.com/switchboard-ai/switchboard/internal/registry"
	"github.com/switchboard-ai/switchboard/internal/store"
)

// RouteResult is the structured outcome of a routed tool call. Routing
// failures are values on this type, never Go errors: an offline device or an
// unknown tool is a normal answer, not an exceptional condition.
type RouteResult struct {
	Routed     bool            `json:"routed"`
	DeviceID   string          `json:"deviceId,omitempty"`
	InstanceID string          `json:"instanceId,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Router decides where a tool call goes: straight down a local WebSocket
// when this instance holds a matching connection, through the shared
// dispatch queue when another instance does, or nowhere when no device with
// the capability is online anywhere.
type Router struct {
	hub        *Hub
	registry   *registry.Service
	queue      *dispatch.Queue
	instanceID string
	logger     *slog.Logger
}

// NewRouter creates a Router.
func NewRouter(hub *Hub, reg *registry.Service, queue *dispatch.Queue, instanceID string, logger *slog.Logger) *Router {
	return &Router{
		hub:        hub,
		registry:   reg,
		queue:      queue,
		instanceID: instanceID,
		logger:     logger.With("component", "router"),
	}
}

// RouteToolCall resolves the tool to a capability and dispatches it. A zero
// timeout uses the hub default. Nothing is persisted for calls that cannot
// be routed; the queue only ever sees jobs some online device could serve.
func (r *Router) RouteToolCall(ctx context.Context, userID, tool string, params json.RawMessage, timeout time.Duration) RouteResult {
	cap, ok := capability.Resolve(tool)
	if !ok {
		return RouteResult{Routed: false, Error: fmt.Sprintf("unknown device tool %q", tool)}
	}
	if timeout <= 0 {
		timeout = r.hub.DefaultCallTimeout()
	}

	// Fast path: a matching device is attached to this very process.
	if r.hub.HasLocalDevice(userID, cap) {
		deviceID, result, err := r.hub.SendToolCallToUser(ctx, userID, cap, tool, params, timeout)
		if err != nil {
			return RouteResult{Routed: true, DeviceID: deviceID, InstanceID: r.instanceID, Error: err.Error()}
		}
		r.logger.Info("tool call dispatched locally",
			"user_id", userID, "tool", tool, "capability", cap, "device_id", deviceID)
		return RouteResult{Routed: true, DeviceID: deviceID, InstanceID: r.instanceID, Result: result}
	}

	// Slow path: check the cluster-wide registry before enqueueing, so a call
	// nobody can serve fails immediately instead of sitting in the queue
	// until it expires.
	online, err := r.registry.GetOnlineDevices(ctx, userID, cap)
	if err != nil {
		return RouteResult{Routed: false, Error: fmt.Sprintf("presence lookup failed: %v", err)}
	}
	if len(online) == 0 {
		return RouteResult{Routed: false, Error: fmt.Sprintf("no device with capability %q is online", cap)}
	}

	job, err := r.queue.Enqueue(ctx, userID, cap, tool, params, timeout)
	if err != nil {
		return RouteResult{Routed: false, Error: fmt.Sprintf("enqueue failed: %v", err)}
	}
	r.logger.Info("tool call enqueued for remote dispatch",
		"user_id", userID, "tool", tool, "capability", cap, "job_id", job.ID)

	done, err := r.queue.Await(ctx, job.ID, timeout)
	if err != nil {
		if errors.Is(err, dispatch.ErrAwaitTimeout) {
			return RouteResult{Routed: false, InstanceID: job.InstanceID, Error: fmt.Sprintf("tool call timed out after %s", timeout)}
		}
		return RouteResult{Routed: false, Error: err.Error()}
	}

	switch done.Status {
	case store.StatusCompleted:
		return RouteResult{Routed: true, InstanceID: done.InstanceID, Result: done.Result}
	case store.StatusFailed:
		return RouteResult{Routed: true, InstanceID: done.InstanceID, Error: done.Error}
	default: // expired
		return RouteResult{Routed: false, InstanceID: done.InstanceID, Error: fmt.Sprintf("tool call timed out after %s", timeout)}
	}
}

// AvailableCapabilities returns the capabilities the user can reach right
// now. With cluster=false it only consults connections on this instance;
// with cluster=true it consults the registry's presence records, covering
// devices attached to any instance.
func (r *Router) AvailableCapabilities(ctx context.Context, userID string, cluster bool) ([]string, error) {
	if !cluster {
		caps := r.hub.LocalCapabilities(userID)
		sort.Strings(caps)
		return caps, nil
	}

	devices, err := r.registry.GetOnlineDevices(ctx, userID, "")
	if err != nil {
		return nil, err
	}
	capSet := make(map[string]bool)
	for _, d := range devices {
		for _, c := range d.Capabilities {
			capSet[c] = true
		}
	}
	caps := make([]string, 0, len(capSet))
	for c := range capSet {
		caps = append(caps, c)
	}
	sort.Strings(caps)
	return caps, nil
}

// DeviceSummary describes one reachable device for diagnostic listings.
type DeviceSummary struct {
	DeviceID       string    `json:"deviceId"`
	Name           string    `json:"name"`
	Platform       string    `json:"platform"`
	Capabilities   []string  `json:"capabilities"`
	LastActiveAt   time.Time `json:"lastActiveAt"`
	ConnectedLocal bool      `json:"connectedLocal"`
}

// DeviceSummaries returns the user's reachable devices. Cluster mode reads
// the shared presence records and flags which of them also hold a local
// connection here.
func (r *Router) DeviceSummaries(ctx context.Context, userID string, cluster bool) ([]DeviceSummary, error) {
	local := r.hub.LocalConnections(userID)

	if !cluster {
		out := make([]DeviceSummary, 0, len(local))
		for _, lc := range local {
			out = append(out, DeviceSummary{
				DeviceID:       lc.DeviceID,
				Name:           lc.Name,
				Platform:       lc.Platform,
				Capabilities:   lc.Capabilities,
				LastActiveAt:   lc.LastActiveAt,
				ConnectedLocal: true,
			})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
		return out, nil
	}

	localSet := make(map[string]bool, len(local))
	for _, lc := range local {
		localSet[lc.DeviceID] = true
	}

	devices, err := r.registry.GetOnlineDevices(ctx, userID, "")
	if err != nil {
		return nil, err
	}
	out := make([]DeviceSummary, 0, len(devices))
	for _, d := range devices {
		out = append(out, DeviceSummary{
			DeviceID:       d.ID,
			Name:           d.Name,
			Platform:       d.Platform,
			Capabilities:   d.Capabilities,
			LastActiveAt:   d.LastActiveAt,
			ConnectedLocal: localSet[d.ID],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

// InstanceID returns this process's dispatch instance id.
func (r *Router) InstanceID() string { return r.instanceID }
