package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/switchboard-ai/switchboard/internal/registry"
	"github.com/switchboard-ai/switchboard/internal/store"
	"github.com/switchboard-ai/switchboard/pkg/protocol"
)

type hubFixture struct {
	hub   *Hub
	reg   *registry.Service
	store store.Store
	wsURL string
}

func setupHub(t *testing.T, opts Options) *hubFixture {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	reg := registry.New(s, slog.Default(), registry.Options{})
	hub := NewHub(reg, slog.Default(), opts)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleDeviceWS))
	t.Cleanup(srv.Close)

	return &hubFixture{
		hub:   hub,
		reg:   reg,
		store: s,
		wsURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

// seedDevice creates a user, a paired device, and a session token.
func (f *hubFixture) seedDevice(t *testing.T, name string, caps []string) (deviceID, token string) {
	t.Helper()
	ctx := context.Background()

	userID := f.seedUser(t)
	device, err := f.reg.RegisterDevice(ctx, userID, name, "macos", caps, nil)
	if err != nil {
		t.Fatal(err)
	}
	tok, _, err := f.reg.CreateSession(ctx, device.ID)
	if err != nil {
		t.Fatal(err)
	}
	return device.ID, tok
}

func (f *hubFixture) seedUser(t *testing.T) string {
	t.Helper()
	userID := uuid.New().String()
	err := f.store.CreateUser(context.Background(), &store.User{
		ID:        userID,
		Username:  "user-" + userID[:8],
		Role:      "user",
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return userID
}

// clientEnvelope mirrors the wire envelope for the device side of tests.
type clientEnvelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, env any) {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) clientEnvelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var env clientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return env
}

// registerConn performs the handshake and consumes the ack and config frames.
func registerConn(t *testing.T, conn *websocket.Conn, token string, caps []string) {
	t.Helper()
	sendFrame(t, conn, protocol.Envelope{
		Type: protocol.TypeRegister,
		Payload: protocol.RegisterPayload{
			Token:        token,
			Platform:     "macos",
			Version:      "1.0.0",
			Capabilities: caps,
		},
	})
	if env := readFrame(t, conn); env.Type != protocol.TypeAck {
		t.Fatalf("expected ack, got %q", env.Type)
	}
	if env := readFrame(t, conn); env.Type != protocol.TypeConfig {
		t.Fatalf("expected config, got %q", env.Type)
	}
}

// expectClose reads until the connection drops and returns the close code.
func expectClose(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return ce.Code
		}
		t.Fatalf("connection ended without close frame: %v", err)
	}
}

// answerNextToolCall reads frames until a tool_call arrives and answers it.
// Runs from goroutines, so failures use t.Error and bail out.
func answerNextToolCall(t *testing.T, conn *websocket.Conn, handler func(tool string, params json.RawMessage) (json.RawMessage, string)) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Errorf("read tool call: %v", err)
			return
		}
		var env clientEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Errorf("decode tool call: %v", err)
			return
		}
		if env.Type != protocol.TypeToolCall {
			continue
		}
		var call protocol.ToolCallPayload
		if err := json.Unmarshal(env.Payload, &call); err != nil {
			t.Errorf("decode tool call payload: %v", err)
			return
		}
		result, errMsg := handler(call.Tool, call.Params)
		payload := map[string]any{"success": errMsg == ""}
		if errMsg == "" {
			payload["result"] = result
		} else {
			payload["error"] = errMsg
		}
		reply, err := json.Marshal(map[string]any{
			"type":      protocol.TypeToolResult,
			"requestId": env.RequestID,
			"payload":   payload,
		})
		if err != nil {
			t.Errorf("encode tool result: %v", err)
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
			t.Errorf("write tool result: %v", err)
		}
		return
	}
}

func TestHandshake_RegisterAckConfig(t *testing.T) {
	f := setupHub(t, Options{})
	deviceID, token := f.seedDevice(t, "laptop", []string{"desktop"})

	conn := dialWS(t, f.wsURL)
	sendFrame(t, conn, protocol.Envelope{
		Type: protocol.TypeRegister,
		Payload: protocol.RegisterPayload{
			Token:        token,
			Platform:     "macos",
			Version:      "1.0.0",
			Capabilities: []string{"desktop"},
		},
	})

	ack := readFrame(t, conn)
	if ack.Type != protocol.TypeAck {
		t.Fatalf("expected ack, got %q", ack.Type)
	}
	var ackPayload protocol.AckPayload
	if err := json.Unmarshal(ack.Payload, &ackPayload); err != nil {
		t.Fatal(err)
	}
	if !ackPayload.OK || ackPayload.DeviceID != deviceID {
		t.Errorf("unexpected ack payload: %+v", ackPayload)
	}

	cfg := readFrame(t, conn)
	if cfg.Type != protocol.TypeConfig {
		t.Fatalf("expected config, got %q", cfg.Type)
	}
	var cfgPayload protocol.ConfigPayload
	if err := json.Unmarshal(cfg.Payload, &cfgPayload); err != nil {
		t.Fatal(err)
	}
	if cfgPayload.HeartbeatIntervalMs <= 0 {
		t.Error("expected a positive heartbeat interval")
	}
	if cfgPayload.ProtocolVersion != protocol.Version {
		t.Errorf("expected protocol version %d, got %d", protocol.Version, cfgPayload.ProtocolVersion)
	}

	if f.hub.ConnectionCount() != 1 {
		t.Errorf("expected 1 connection, got %d", f.hub.ConnectionCount())
	}

	// Presence must be durable, not just in-memory.
	device, err := f.store.GetDevice(context.Background(), deviceID)
	if err != nil {
		t.Fatal(err)
	}
	if !device.Online {
		t.Error("expected device flagged online after registration")
	}
}

func TestHandshake_InvalidTokenClosesWithAuthCode(t *testing.T) {
	f := setupHub(t, Options{})

	conn := dialWS(t, f.wsURL)
	sendFrame(t, conn, protocol.Envelope{
		Type: protocol.TypeRegister,
		Payload: protocol.RegisterPayload{
			Token:        "not-a-real-token",
			Platform:     "macos",
			Version:      "1.0.0",
			Capabilities: []string{"desktop"},
		},
	})

	if code := expectClose(t, conn); code != protocol.CloseAuthFailure {
		t.Errorf("expected close code %d, got %d", protocol.CloseAuthFailure, code)
	}
}

func TestHandshake_RegistrationWindowTimeout(t *testing.T) {
	f := setupHub(t, Options{RegistrationTimeout: 200 * time.Millisecond})

	conn := dialWS(t, f.wsURL)
	// Say nothing; the handshake window must close the socket.
	if code := expectClose(t, conn); code != protocol.CloseRegistrationTimeout {
		t.Errorf("expected close code %d, got %d", protocol.CloseRegistrationTimeout, code)
	}
}

func TestHandshake_MalformedFrameKeepsWindowOpen(t *testing.T) {
	f := setupHub(t, Options{})
	deviceID, token := f.seedDevice(t, "laptop", []string{"desktop"})

	conn := dialWS(t, f.wsURL)
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	env := readFrame(t, conn)
	if env.Type != protocol.TypeError {
		t.Fatalf("expected error frame, got %q", env.Type)
	}

	// A valid register on the same connection must still succeed.
	registerConn(t, conn, token, []string{"desktop"})
	if f.hub.ConnectionCount() != 1 {
		t.Errorf("expected 1 connection, got %d", f.hub.ConnectionCount())
	}
	_ = deviceID
}

func TestDuplicateRegistration_ReplacesOlderConnection(t *testing.T) {
	f := setupHub(t, Options{})
	deviceID, token := f.seedDevice(t, "laptop", []string{"desktop"})

	first := dialWS(t, f.wsURL)
	registerConn(t, first, token, []string{"desktop"})

	second := dialWS(t, f.wsURL)
	registerConn(t, second, token, []string{"desktop"})

	if code := expectClose(t, first); code != protocol.CloseReplaced {
		t.Errorf("expected close code %d, got %d", protocol.CloseReplaced, code)
	}

	// Wait for the first connection's read loop to finish its cleanup, then
	// confirm the replacement survived it.
	deadline := time.Now().Add(2 * time.Second)
	for f.hub.ConnectionCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if f.hub.ConnectionCount() != 1 {
		t.Fatalf("expected 1 connection after replacement, got %d", f.hub.ConnectionCount())
	}
	device, err := f.store.GetDevice(context.Background(), deviceID)
	if err != nil {
		t.Fatal(err)
	}
	if !device.Online {
		t.Error("device must stay online after a superseded connection cleans up")
	}

	// The surviving connection still serves tool calls.
	done := make(chan struct{})
	go func() {
		defer close(done)
		answerNextToolCall(t, second, func(tool string, params json.RawMessage) (json.RawMessage, string) {
			return json.RawMessage(`{"ok":true}`), ""
		})
	}()
	result, err := f.hub.SendToolCall(context.Background(), deviceID, "desktop.screenshot", nil, 2*time.Second)
	if err != nil {
		t.Fatalf("tool call on surviving connection failed: %v", err)
	}
	if string(result) != `{"ok":true}` {
		t.Errorf("unexpected result: %s", result)
	}
	<-done
}

func TestCleanupOfReplacedConnectionKeepsInFlightCalls(t *testing.T) {
	f := setupHub(t, Options{})
	deviceID, token := f.seedDevice(t, "laptop", []string{"desktop"})

	conn := dialWS(t, f.wsURL)
	registerConn(t, conn, token, []string{"desktop"})

	device, err := f.store.GetDevice(context.Background(), deviceID)
	if err != nil {
		t.Fatal(err)
	}

	// Hold the answer until the stale teardown below has run.
	answer := make(chan struct{})
	go func() {
		<-answer
		answerNextToolCall(t, conn, func(tool string, params json.RawMessage) (json.RawMessage, string) {
			return json.RawMessage(`{"ok":true}`), ""
		})
	}()

	callErr := make(chan error, 1)
	go func() {
		_, err := f.hub.SendToolCall(context.Background(), deviceID, "desktop.screenshot", nil, 2*time.Second)
		callErr <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for f.hub.PendingCallCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if f.hub.PendingCallCount() != 1 {
		t.Fatal("tool call never became pending")
	}

	// A connection this device abandoned earlier finishes tearing down now.
	// Pending entries belong to the authoritative connection and must survive.
	f.hub.cleanupConnection(&deviceConn{deviceID: deviceID, userID: device.UserID})

	close(answer)
	if err := <-callErr; err != nil {
		t.Fatalf("in-flight call on the live connection failed: %v", err)
	}
}

func TestSendToolCall_RoundTrip(t *testing.T) {
	f := setupHub(t, Options{})
	deviceID, token := f.seedDevice(t, "phone", []string{"imessage"})

	conn := dialWS(t, f.wsURL)
	registerConn(t, conn, token, []string{"imessage"})

	go answerNextToolCall(t, conn, func(tool string, params json.RawMessage) (json.RawMessage, string) {
		if tool != "imessage.send" {
			return nil, fmt.Sprintf("unexpected tool %q", tool)
		}
		return json.RawMessage(`{"messageId":"m-1"}`), ""
	})

	result, err := f.hub.SendToolCall(context.Background(), deviceID, "imessage.send",
		json.RawMessage(`{"to":"+15550100","body":"hi"}`), 2*time.Second)
	if err != nil {
		t.Fatalf("SendToolCall failed: %v", err)
	}
	if string(result) != `{"messageId":"m-1"}` {
		t.Errorf("unexpected result: %s", result)
	}
	if got := f.hub.Stats().ToolCallSuccesses.Load(); got != 1 {
		t.Errorf("expected 1 success counted, got %d", got)
	}
}

func TestSendToolCall_DeviceFailure(t *testing.T) {
	f := setupHub(t, Options{})
	deviceID, token := f.seedDevice(t, "phone", []string{"imessage"})

	conn := dialWS(t, f.wsURL)
	registerConn(t, conn, token, []string{"imessage"})

	go answerNextToolCall(t, conn, func(tool string, params json.RawMessage) (json.RawMessage, string) {
		return nil, "recipient not found"
	})

	_, err := f.hub.SendToolCall(context.Background(), deviceID, "imessage.send", nil, 2*time.Second)
	if err == nil || !strings.Contains(err.Error(), "recipient not found") {
		t.Fatalf("expected device error to propagate, got %v", err)
	}
}

func TestSendToolCall_TimeoutAndLateResultIgnored(t *testing.T) {
	f := setupHub(t, Options{})
	deviceID, token := f.seedDevice(t, "phone", []string{"imessage"})

	conn := dialWS(t, f.wsURL)
	registerConn(t, conn, token, []string{"imessage"})

	// Capture the request id but do not answer until after the timeout.
	env := make(chan clientEnvelope, 1)
	go func() {
		e := readFrame(t, conn)
		env <- e
	}()

	_, err := f.hub.SendToolCall(context.Background(), deviceID, "imessage.send", nil, 150*time.Millisecond)
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if got := f.hub.Stats().ToolCallTimeouts.Load(); got != 1 {
		t.Errorf("expected 1 timeout counted, got %d", got)
	}

	// Deliver the result late; it must be dropped without disturbing
	// anything.
	call := <-env
	sendFrame(t, conn, map[string]any{
		"type":      protocol.TypeToolResult,
		"requestId": call.RequestID,
		"payload":   map[string]any{"success": true, "result": map[string]any{"late": true}},
	})
	time.Sleep(100 * time.Millisecond)
	if got := f.hub.Stats().ToolCallSuccesses.Load(); got != 0 {
		t.Errorf("late result must not count as a success, got %d", got)
	}
	if f.hub.PendingCallCount() != 0 {
		t.Errorf("expected no pending calls, got %d", f.hub.PendingCallCount())
	}
}

func TestSendToolCall_UnconnectedDeviceFailsImmediately(t *testing.T) {
	f := setupHub(t, Options{})

	start := time.Now()
	_, err := f.hub.SendToolCall(context.Background(), "no-such-device", "desktop.screenshot", nil, 5*time.Second)
	if err == nil {
		t.Fatal("expected an error for an unconnected device")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("unconnected device must fail immediately, took %s", elapsed)
	}
}

func TestSendToolCallToUser_PicksMostRecentlyActive(t *testing.T) {
	f := setupHub(t, Options{})
	ctx := context.Background()

	userID := f.seedUser(t)
	var tokens []string
	var ids []string
	for _, name := range []string{"older", "newer"} {
		device, err := f.reg.RegisterDevice(ctx, userID, name, "macos", []string{"desktop"}, nil)
		if err != nil {
			t.Fatal(err)
		}
		tok, _, err := f.reg.CreateSession(ctx, device.ID)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, device.ID)
		tokens = append(tokens, tok)
	}

	older := dialWS(t, f.wsURL)
	registerConn(t, older, tokens[0], []string{"desktop"})
	newer := dialWS(t, f.wsURL)
	registerConn(t, newer, tokens[1], []string{"desktop"})

	// A heartbeat from the second device makes it the most recently active.
	sendFrame(t, newer, protocol.Envelope{Type: protocol.TypeHeartbeat})
	if env := readFrame(t, newer); env.Type != protocol.TypeAck {
		t.Fatalf("expected heartbeat ack, got %q", env.Type)
	}

	go answerNextToolCall(t, newer, func(tool string, params json.RawMessage) (json.RawMessage, string) {
		return json.RawMessage(`{}`), ""
	})

	deviceID, _, err := f.hub.SendToolCallToUser(ctx, userID, "desktop", "desktop.screenshot", nil, 2*time.Second)
	if err != nil {
		t.Fatalf("SendToolCallToUser failed: %v", err)
	}
	if deviceID != ids[1] {
		t.Errorf("expected dispatch to most recently active device %s, got %s", ids[1], deviceID)
	}
}

func TestSendToolCallToUser_NoCapableDevice(t *testing.T) {
	f := setupHub(t, Options{})
	_, token := f.seedDevice(t, "phone", []string{"imessage"})

	conn := dialWS(t, f.wsURL)
	registerConn(t, conn, token, []string{"imessage"})

	_, _, err := f.hub.SendToolCallToUser(context.Background(), "some-user", "desktop", "desktop.screenshot", nil, time.Second)
	if err == nil || !strings.Contains(err.Error(), "no connected device") {
		t.Fatalf("expected no-device error, got %v", err)
	}
}

func TestHeartbeat_AckAndDurableTouch(t *testing.T) {
	f := setupHub(t, Options{})
	deviceID, token := f.seedDevice(t, "phone", []string{"imessage"})

	conn := dialWS(t, f.wsURL)
	registerConn(t, conn, token, []string{"imessage"})

	before, err := f.store.GetDevice(context.Background(), deviceID)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	sendFrame(t, conn, protocol.Envelope{Type: protocol.TypeHeartbeat})
	if env := readFrame(t, conn); env.Type != protocol.TypeAck {
		t.Fatalf("expected heartbeat ack, got %q", env.Type)
	}

	after, err := f.store.GetDevice(context.Background(), deviceID)
	if err != nil {
		t.Fatal(err)
	}
	if !after.LastActiveAt.After(before.LastActiveAt) {
		t.Error("heartbeat must advance the durable last-active timestamp")
	}
	if got := f.hub.Stats().Heartbeats.Load(); got != 1 {
		t.Errorf("expected 1 heartbeat counted, got %d", got)
	}
}

func TestHeartbeatSweep_ClosesSilentConnections(t *testing.T) {
	f := setupHub(t, Options{
		HeartbeatTimeout:       150 * time.Millisecond,
		HeartbeatSweepInterval: 50 * time.Millisecond,
	})
	deviceID, token := f.seedDevice(t, "phone", []string{"imessage"})

	conn := dialWS(t, f.wsURL)
	registerConn(t, conn, token, []string{"imessage"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.hub.StartHeartbeatSweep(ctx)

	if code := expectClose(t, conn); code != protocol.CloseHeartbeatTimeout {
		t.Errorf("expected close code %d, got %d", protocol.CloseHeartbeatTimeout, code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		device, err := f.store.GetDevice(ctx, deviceID)
		if err != nil {
			t.Fatal(err)
		}
		if !device.Online && f.hub.ConnectionCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("swept device was not cleaned up")
}

func TestEventFanOut_PanickingListenerIsContained(t *testing.T) {
	f := setupHub(t, Options{})
	deviceID, token := f.seedDevice(t, "phone", []string{"imessage"})

	received := make(chan string, 1)
	f.hub.Subscribe(func(devID, userID string, ev *protocol.EventPayload) {
		panic("listener bug")
	})
	f.hub.Subscribe(func(devID, userID string, ev *protocol.EventPayload) {
		received <- ev.Event
	})

	conn := dialWS(t, f.wsURL)
	registerConn(t, conn, token, []string{"imessage"})

	sendFrame(t, conn, protocol.Envelope{
		Type:    protocol.TypeEvent,
		Payload: protocol.EventPayload{Event: "message.received", Data: json.RawMessage(`{"from":"+15550100"}`)},
	})

	select {
	case ev := <-received:
		if ev != "message.received" {
			t.Errorf("unexpected event %q", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second listener never received the event despite the first panicking")
	}
	_ = deviceID
}

func TestShutdown_ClosesWithGoingAway(t *testing.T) {
	f := setupHub(t, Options{})
	_, token := f.seedDevice(t, "phone", []string{"imessage"})

	conn := dialWS(t, f.wsURL)
	registerConn(t, conn, token, []string{"imessage"})

	f.hub.Shutdown()

	if code := expectClose(t, conn); code != websocket.CloseGoingAway {
		t.Errorf("expected close code %d, got %d", websocket.CloseGoingAway, code)
	}
}

func TestLocalTargets_ReflectsConnections(t *testing.T) {
	f := setupHub(t, Options{})
	_, token := f.seedDevice(t, "phone", []string{"imessage", "notifications"})

	users, caps := f.hub.LocalTargets()
	if len(users) != 0 || len(caps) != 0 {
		t.Fatalf("expected empty targets before any connection, got %v / %v", users, caps)
	}

	conn := dialWS(t, f.wsURL)
	registerConn(t, conn, token, []string{"imessage", "notifications"})

	users, caps = f.hub.LocalTargets()
	if len(users) != 1 {
		t.Fatalf("expected 1 user target, got %v", users)
	}
	capSet := make(map[string]bool)
	for _, c := range caps {
		capSet[c] = true
	}
	if !capSet["imessage"] || !capSet["notifications"] {
		t.Errorf("expected advertised capabilities in targets, got %v", caps)
	}
}
