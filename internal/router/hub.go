// Package router manages WebSocket connections from devices and routes tool
// calls to them, locally when the target device is attached to this process
// and through the dispatch queue otherwise.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/switchboard-ai/switchboard/internal/registry"
	"github.com/switchboard-ai/switchboard/pkg/protocol"
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// EventListener receives device-originated event frames.
type EventListener func(deviceID, userID string, event *protocol.EventPayload)

// Hub owns every live device connection on this process: the registration
// handshake, heartbeat liveness, direct tool-call dispatch, and event
// fan-out. Durable state stays in the registry; the hub holds only sockets
// and in-memory indexes, so cross-instance coordination never touches it.
type Hub struct {
	registry *registry.Service
	logger   *slog.Logger
	upgrader websocket.Upgrader
	stats    *Stats

	registrationTimeout    time.Duration
	heartbeatTimeout       time.Duration
	heartbeatSweepInterval time.Duration
	defaultCallTimeout     time.Duration
	maxMessageBytes        int64

	mu        sync.RWMutex
	byDevice  map[string]*deviceConn            // device_id -> conn
	byUser    map[string]map[string]*deviceConn // user_id -> device_id -> conn
	pending   map[string]*pendingCall           // request_id -> pending entry
	listeners []EventListener
}

// deviceConn is one live registered connection. At most one exists per
// device id on this process; a newer registration replaces the older one.
type deviceConn struct {
	deviceID     string
	userID       string
	name         string
	platform     string
	capabilities []string
	conn         *websocket.Conn
	mu           sync.Mutex // guards all writes to conn
	connectedAt  time.Time
	lastActive   time.Time // guarded by Hub.mu; any inbound frame stamps it
}

func (dc *deviceConn) hasCapability(cap string) bool {
	for _, c := range dc.capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// pendingCall is a cancellable in-flight tool call keyed by request id. It is
// removed from the pending map on completion or timeout, whichever fires
// first; a result arriving after removal is silently ignored.
type pendingCall struct {
	requestID string
	deviceID  string
	timer     *time.Timer
	ch        chan callOutcome // buffered, written exactly once
}

type callOutcome struct {
	result json.RawMessage
	err    error
}

// Options configures the Hub.
type Options struct {
	AllowedOrigins         []string
	RegistrationTimeout    time.Duration // register frame deadline; default 10s
	HeartbeatTimeout       time.Duration // close connections silent this long; default 90s
	HeartbeatSweepInterval time.Duration // sweep cadence; default 30s
	ToolCallTimeout        time.Duration // default per-call deadline; default 30s
	MaxMessageBytes        int64         // max inbound frame size; default 1MB
}

// NewHub creates a Hub.
func NewHub(reg *registry.Service, logger *slog.Logger, opts Options) *Hub {
	if opts.RegistrationTimeout == 0 {
		opts.RegistrationTimeout = 10 * time.Second
	}
	if opts.HeartbeatTimeout == 0 {
		opts.HeartbeatTimeout = 90 * time.Second
	}
	if opts.HeartbeatSweepInterval == 0 {
		opts.HeartbeatSweepInterval = 30 * time.Second
	}
	if opts.ToolCallTimeout == 0 {
		opts.ToolCallTimeout = 30 * time.Second
	}
	if opts.MaxMessageBytes == 0 {
		opts.MaxMessageBytes = 1024 * 1024
	}

	return &Hub{
		registry:               reg,
		logger:                 logger.With("component", "hub"),
		upgrader:               makeUpgrader(opts.AllowedOrigins),
		stats:                  &Stats{},
		registrationTimeout:    opts.RegistrationTimeout,
		heartbeatTimeout:       opts.HeartbeatTimeout,
		heartbeatSweepInterval: opts.HeartbeatSweepInterval,
		defaultCallTimeout:     opts.ToolCallTimeout,
		maxMessageBytes:        opts.MaxMessageBytes,
		byDevice:               make(map[string]*deviceConn),
		byUser:                 make(map[string]map[string]*deviceConn),
		pending:                make(map[string]*pendingCall),
	}
}

// Stats returns the hub's counters.
func (h *Hub) Stats() *Stats { return h.stats }

// DefaultCallTimeout returns the configured default tool-call deadline.
func (h *Hub) DefaultCallTimeout() time.Duration { return h.defaultCallTimeout }

// HandleDeviceWS upgrades a device connection and runs it to completion.
// The connection starts unauthenticated; the first frame must be a register
// message carrying a valid session token, or the socket is closed with a
// distinguishing close code.
func (h *Hub) HandleDeviceWS(w http.ResponseWriter, req *http.Request) {
	conn, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.logger.Warn("device websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	conn.SetReadLimit(h.maxMessageBytes)

	dc, ok := h.awaitRegistration(req.Context(), conn)
	if !ok {
		return
	}

	h.stats.Registrations.Add(1)
	h.stats.ConnectionsOpened.Add(1)
	h.logger.Info("device registered",
		"device_id", dc.deviceID, "user_id", dc.userID,
		"platform", dc.platform, "capabilities", dc.capabilities)

	defer h.cleanupConnection(dc)

	h.readLoop(dc)
}

// awaitRegistration runs the connecting state: it reads frames until a valid
// register arrives or the registration window closes. Malformed frames get an
// error answer and the window keeps running; only the deadline or an auth
// failure closes the socket.
func (h *Hub) awaitRegistration(ctx context.Context, conn *websocket.Conn) (*deviceConn, bool) {
	deadline := time.Now().Add(h.registrationTimeout)
	_ = conn.SetReadDeadline(deadline)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			h.closeWith(conn, nil, protocol.CloseRegistrationTimeout, "no registration received")
			return nil, false
		}

		msg, derr := protocol.DecodeClientMessage(data)
		if derr != nil {
			h.sendErrorFrame(conn, nil, protocol.ErrCodeProtocol, derr.Error())
			continue
		}
		if msg.Type != protocol.TypeRegister {
			h.sendErrorFrame(conn, nil, protocol.ErrCodeNotRegistered, "expected a register message first")
			continue
		}

		device, err := h.registry.ValidateSession(ctx, msg.Register.Token)
		if err != nil {
			h.closeWith(conn, nil, protocol.CloseAuthFailure, "invalid or expired session token")
			return nil, false
		}

		// Registration refreshes the durable record with whatever the
		// device app advertises now.
		caps := msg.Register.Capabilities
		upd := registry.DeviceUpdate{Capabilities: caps}
		if msg.Register.Metadata != nil {
			upd.Metadata = msg.Register.Metadata
		}
		if _, err := h.registry.UpdateDevice(ctx, device.UserID, device.ID, upd); err != nil {
			h.logger.Warn("registration device update failed", "device_id", device.ID, "error", err)
		}

		now := time.Now()
		dc := &deviceConn{
			deviceID:     device.ID,
			userID:       device.UserID,
			name:         device.Name,
			platform:     msg.Register.Platform,
			capabilities: caps,
			conn:         conn,
			connectedAt:  now,
			lastActive:   now,
		}

		h.indexConnection(dc)

		if err := h.registry.SetDeviceOnline(ctx, device.ID, true); err != nil {
			h.logger.Warn("set device online failed", "device_id", device.ID, "error", err)
		}

		// Connecting -> registered: lift the handshake deadline; liveness is
		// the heartbeat sweep's job from here.
		_ = conn.SetReadDeadline(time.Time{})

		h.send(dc, protocol.Envelope{
			Type:    protocol.TypeAck,
			Payload: protocol.AckPayload{OK: true, DeviceID: device.ID},
		})
		h.send(dc, protocol.Envelope{
			Type: protocol.TypeConfig,
			Payload: protocol.ConfigPayload{
				HeartbeatIntervalMs: (h.heartbeatTimeout / 3).Milliseconds(),
				ProtocolVersion:     protocol.Version,
				ServerTime:          time.Now(),
			},
		})

		return dc, true
	}
}

// indexConnection installs the connection, forcibly replacing any existing
// one for the same device id. Replacement and indexing happen under one lock,
// which is what upholds the one-live-connection-per-device invariant.
func (h *Hub) indexConnection(dc *deviceConn) {
	h.mu.Lock()
	existing := h.byDevice[dc.deviceID]
	h.byDevice[dc.deviceID] = dc
	if h.byUser[dc.userID] == nil {
		h.byUser[dc.userID] = make(map[string]*deviceConn)
	}
	h.byUser[dc.userID][dc.deviceID] = dc
	h.mu.Unlock()

	if existing != nil {
		h.logger.Info("replacing previous connection", "device_id", dc.deviceID)
		h.closeWith(existing.conn, &existing.mu, protocol.CloseReplaced, "replaced by a newer connection")
	}
}

// cleanupConnection tears down indexes and presence, unless a newer
// connection has already replaced this one.
func (h *Hub) cleanupConnection(dc *deviceConn) {
	h.mu.Lock()
	current, ok := h.byDevice[dc.deviceID]
	replaced := ok && current != dc
	var failed []*pendingCall
	if ok && current == dc {
		delete(h.byDevice, dc.deviceID)
		if userConns := h.byUser[dc.userID]; userConns != nil {
			delete(userConns, dc.deviceID)
			if len(userConns) == 0 {
				delete(h.byUser, dc.userID)
			}
		}
		// Pending entries are keyed by device id, so only the authoritative
		// connection may take them. A replaced connection tearing down must
		// not fail calls in flight on its successor.
		failed = h.takePendingForDevice(dc.deviceID)
	}
	h.mu.Unlock()

	for _, pc := range failed {
		pc.deliver(callOutcome{err: fmt.Errorf("device %s disconnected", dc.deviceID)})
	}

	h.stats.ConnectionsClosed.Add(1)
	if replaced {
		h.logger.Info("connection superseded, skipping presence cleanup", "device_id", dc.deviceID)
		return
	}
	if err := h.registry.SetDeviceOnline(context.Background(), dc.deviceID, false); err != nil {
		h.logger.Warn("set device offline failed", "device_id", dc.deviceID, "error", err)
	}
	h.logger.Info("device disconnected", "device_id", dc.deviceID, "user_id", dc.userID)
}

// takePendingForDevice removes and returns all pending calls targeting the
// device. Caller must hold h.mu.
func (h *Hub) takePendingForDevice(deviceID string) []*pendingCall {
	var out []*pendingCall
	for id, pc := range h.pending {
		if pc.deviceID == deviceID {
			pc.timer.Stop()
			delete(h.pending, id)
			out = append(out, pc)
		}
	}
	return out
}

// readLoop processes frames from a registered connection until it drops.
func (h *Hub) readLoop(dc *deviceConn) {
	for {
		_, data, err := dc.conn.ReadMessage()
		if err != nil {
			h.logger.Debug("device read error", "device_id", dc.deviceID, "error", err)
			return
		}

		h.mu.Lock()
		dc.lastActive = time.Now()
		h.mu.Unlock()

		msg, derr := protocol.DecodeClientMessage(data)
		if derr != nil {
			// Protocol errors answer with an error frame; the connection
			// stays open.
			h.sendErrorFrame(dc.conn, &dc.mu, protocol.ErrCodeProtocol, derr.Error())
			continue
		}

		switch msg.Type {
		case protocol.TypeHeartbeat:
			h.handleHeartbeat(dc)
		case protocol.TypeToolResult:
			h.handleToolResult(dc, msg.RequestID, msg.ToolResult)
		case protocol.TypeEvent:
			h.fanOutEvent(dc, msg.Event)
		case protocol.TypeRegister:
			// Already registered; re-ack so a confused client settles down.
			h.send(dc, protocol.Envelope{
				Type:    protocol.TypeAck,
				Payload: protocol.AckPayload{OK: true, DeviceID: dc.deviceID},
			})
		}
	}
}

func (h *Hub) handleHeartbeat(dc *deviceConn) {
	h.stats.Heartbeats.Add(1)
	if err := h.registry.TouchDevice(context.Background(), dc.deviceID); err != nil {
		h.logger.Warn("heartbeat touch failed", "device_id", dc.deviceID, "error", err)
	}
	h.send(dc, protocol.Envelope{
		Type:    protocol.TypeAck,
		Payload: protocol.AckPayload{OK: true, DeviceID: dc.deviceID},
	})
}

func (h *Hub) handleToolResult(dc *deviceConn, requestID string, res *protocol.ToolResultPayload) {
	h.mu.Lock()
	pc, ok := h.pending[requestID]
	if ok {
		pc.timer.Stop()
		delete(h.pending, requestID)
	}
	h.mu.Unlock()

	if !ok {
		// Late result after the caller's timeout; the call already failed.
		h.logger.Debug("ignoring result for unknown request", "request_id", requestID, "device_id", dc.deviceID)
		return
	}

	if res.Success {
		h.stats.ToolCallSuccesses.Add(1)
		pc.deliver(callOutcome{result: res.Result})
		return
	}
	errMsg := res.Error
	if errMsg == "" {
		errMsg = "device reported failure"
	}
	pc.deliver(callOutcome{err: fmt.Errorf("%s", errMsg)})
}

// deliver writes the outcome without blocking; the channel is buffered and
// written exactly once because the entry leaves the pending map first.
func (pc *pendingCall) deliver(out callOutcome) {
	select {
	case pc.ch <- out:
	default:
	}
}

// SendToolCall dispatches a tool call to a specific connected device and
// waits for the matching result. An unconnected device fails immediately
// with a descriptive error rather than a timeout.
func (h *Hub) SendToolCall(ctx context.Context, deviceID, tool string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = h.defaultCallTimeout
	}

	h.mu.RLock()
	dc, ok := h.byDevice[deviceID]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("device %s is not connected to this instance", deviceID)
	}

	requestID := uuid.New().String()
	pc := &pendingCall{
		requestID: requestID,
		deviceID:  deviceID,
		ch:        make(chan callOutcome, 1),
	}
	pc.timer = time.AfterFunc(timeout, func() { h.expirePending(requestID, timeout) })

	h.mu.Lock()
	h.pending[requestID] = pc
	h.mu.Unlock()

	h.send(dc, protocol.Envelope{
		Type:      protocol.TypeToolCall,
		RequestID: requestID,
		Payload: protocol.ToolCallPayload{
			Tool:      tool,
			Params:    params,
			TimeoutMs: timeout.Milliseconds(),
		},
	})

	select {
	case out := <-pc.ch:
		return out.result, out.err
	case <-ctx.Done():
		h.dropPending(requestID)
		return nil, ctx.Err()
	}
}

// expirePending fails a pending call whose timer fired before a result came
// back.
func (h *Hub) expirePending(requestID string, timeout time.Duration) {
	h.mu.Lock()
	pc, ok := h.pending[requestID]
	if ok {
		delete(h.pending, requestID)
	}
	h.mu.Unlock()
	if !ok {
		return // completed in the meantime
	}
	h.stats.ToolCallTimeouts.Add(1)
	pc.deliver(callOutcome{err: fmt.Errorf("tool call timed out after %s", timeout)})
}

// dropPending removes a pending entry without delivering an outcome.
func (h *Hub) dropPending(requestID string) {
	h.mu.Lock()
	if pc, ok := h.pending[requestID]; ok {
		pc.timer.Stop()
		delete(h.pending, requestID)
	}
	h.mu.Unlock()
}

// SendToolCallToUser dispatches to the best locally connected device for the
// user: among open, capability-matching connections, the most recently active
// one. It returns the chosen device id alongside the result.
func (h *Hub) SendToolCallToUser(ctx context.Context, userID, capability, tool string, params json.RawMessage, timeout time.Duration) (string, json.RawMessage, error) {
	h.mu.RLock()
	var best *deviceConn
	for _, dc := range h.byUser[userID] {
		if !dc.hasCapability(capability) {
			continue
		}
		if best == nil || dc.lastActive.After(best.lastActive) {
			best = dc
		}
	}
	h.mu.RUnlock()

	if best == nil {
		return "", nil, fmt.Errorf("no connected device with capability %q for this user", capability)
	}

	result, err := h.SendToolCall(ctx, best.deviceID, tool, params, timeout)
	return best.deviceID, result, err
}

// DispatchToUser implements the dispatch worker's local dispatcher.
func (h *Hub) DispatchToUser(ctx context.Context, userID, capability, tool string, params json.RawMessage, timeout time.Duration) (string, json.RawMessage, error) {
	return h.SendToolCallToUser(ctx, userID, capability, tool, params, timeout)
}

// HasLocalDevice reports whether a registered local connection for the user
// advertises the capability.
func (h *Hub) HasLocalDevice(userID, capability string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, dc := range h.byUser[userID] {
		if dc.hasCapability(capability) {
			return true
		}
	}
	return false
}

// LocalTargets returns the users with at least one registered connection on
// this instance and the union of their advertised capabilities. The dispatch
// worker feeds this into its claim filter each tick.
func (h *Hub) LocalTargets() ([]string, []string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	userIDs := make([]string, 0, len(h.byUser))
	capSet := make(map[string]bool)
	for userID, conns := range h.byUser {
		userIDs = append(userIDs, userID)
		for _, dc := range conns {
			for _, c := range dc.capabilities {
				capSet[c] = true
			}
		}
	}
	capabilities := make([]string, 0, len(capSet))
	for c := range capSet {
		capabilities = append(capabilities, c)
	}
	return userIDs, capabilities
}

// LocalCapabilities returns the capability union of the user's connections
// on this instance.
func (h *Hub) LocalCapabilities(userID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	capSet := make(map[string]bool)
	for _, dc := range h.byUser[userID] {
		for _, c := range dc.capabilities {
			capSet[c] = true
		}
	}
	caps := make([]string, 0, len(capSet))
	for c := range capSet {
		caps = append(caps, c)
	}
	return caps
}

// LocalConnection describes one live connection for summaries.
type LocalConnection struct {
	DeviceID     string    `json:"deviceId"`
	Name         string    `json:"name"`
	Platform     string    `json:"platform"`
	Capabilities []string  `json:"capabilities"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

// LocalConnections returns the user's live connections on this instance.
func (h *Hub) LocalConnections(userID string) []LocalConnection {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]LocalConnection, 0, len(h.byUser[userID]))
	for _, dc := range h.byUser[userID] {
		out = append(out, LocalConnection{
			DeviceID:     dc.deviceID,
			Name:         dc.name,
			Platform:     dc.platform,
			Capabilities: dc.capabilities,
			ConnectedAt:  dc.connectedAt,
			LastActiveAt: dc.lastActive,
		})
	}
	return out
}

// ConnectionCount returns the number of live registered connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byDevice)
}

// PendingCallCount returns the number of in-flight direct tool calls.
func (h *Hub) PendingCallCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.pending)
}

// PushSync sends a fresh device snapshot to a live connection, if one
// exists. Used when the durable record changes from the API side.
func (h *Hub) PushSync(deviceID string, snapshot protocol.DeviceSnapshot) bool {
	h.mu.RLock()
	dc, ok := h.byDevice[deviceID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	h.send(dc, protocol.Envelope{
		Type:    protocol.TypeSync,
		Payload: protocol.SyncPayload{Device: snapshot},
	})
	return true
}

// Subscribe registers an event listener. Listeners run synchronously on the
// delivering connection's read loop; a panicking listener is contained and
// must not prevent delivery to the others.
func (h *Hub) Subscribe(l EventListener) {
	h.mu.Lock()
	h.listeners = append(h.listeners, l)
	h.mu.Unlock()
}

func (h *Hub) fanOutEvent(dc *deviceConn, ev *protocol.EventPayload) {
	h.mu.RLock()
	listeners := make([]EventListener, len(h.listeners))
	copy(listeners, h.listeners)
	h.mu.RUnlock()

	for _, l := range listeners {
		h.callListener(l, dc, ev)
	}
}

func (h *Hub) callListener(l EventListener, dc *deviceConn, ev *protocol.EventPayload) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("event listener panicked", "device_id", dc.deviceID, "panic", r)
		}
	}()
	l(dc.deviceID, dc.userID, ev)
}

// StartHeartbeatSweep runs the liveness sweep until the context is canceled.
// Connections silent past the heartbeat timeout are force-closed and their
// devices marked offline.
func (h *Hub) StartHeartbeatSweep(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(h.heartbeatSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.sweepStaleConnections()
			}
		}
	}()
}

func (h *Hub) sweepStaleConnections() {
	cutoff := time.Now().Add(-h.heartbeatTimeout)

	h.mu.RLock()
	var stale []*deviceConn
	for _, dc := range h.byDevice {
		if dc.lastActive.Before(cutoff) {
			stale = append(stale, dc)
		}
	}
	h.mu.RUnlock()

	for _, dc := range stale {
		h.logger.Info("closing silent connection", "device_id", dc.deviceID, "last_active", dc.lastActive)
		h.closeWith(dc.conn, &dc.mu, protocol.CloseHeartbeatTimeout, "heartbeat timeout")
		// Closing the socket unblocks the read loop, which runs the normal
		// cleanup path (deindex, offline, pending-call failures).
	}
}

// Shutdown closes every connection with a going-away code and drops all
// pending calls. Called once at process exit.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	conns := make([]*deviceConn, 0, len(h.byDevice))
	for _, dc := range h.byDevice {
		conns = append(conns, dc)
	}
	pending := h.pending
	h.pending = make(map[string]*pendingCall)
	h.mu.Unlock()

	for _, pc := range pending {
		pc.timer.Stop()
		pc.deliver(callOutcome{err: fmt.Errorf("hub shutting down")})
	}
	for _, dc := range conns {
		h.closeWith(dc.conn, &dc.mu, websocket.CloseGoingAway, "hub shutting down")
	}
	h.logger.Info("hub shut down", "connections_closed", len(conns))
}

// --- Frame helpers ---

func (h *Hub) send(dc *deviceConn, env protocol.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Warn("marshal frame failed", "type", env.Type, "error", err)
		return
	}
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if err := dc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		h.logger.Debug("send to device failed", "device_id", dc.deviceID, "error", err)
	}
}

// sendErrorFrame answers a bad frame without closing the connection. mu may
// be nil during the handshake, before the connection has a write mutex owner.
func (h *Hub) sendErrorFrame(conn *websocket.Conn, mu *sync.Mutex, code, message string) {
	env := protocol.Envelope{
		Type:    protocol.TypeError,
		Payload: protocol.ErrorPayload{Code: code, Message: message},
	}
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	if mu != nil {
		mu.Lock()
		defer mu.Unlock()
	}
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

// closeWith sends a close frame with a meaningful code, then closes the
// socket.
func (h *Hub) closeWith(conn *websocket.Conn, mu *sync.Mutex, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if mu != nil {
		mu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
		mu.Unlock()
	} else {
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
	}
	_ = conn.Close()
}
