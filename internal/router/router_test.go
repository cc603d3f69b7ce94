package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/switchboard-ai/switchboard/internal/dispatch"
	"github.com/switchboard-ai/switchboard/internal/registry"
)

type routerFixture struct {
	*hubFixture
	router *Router
	queue  *dispatch.Queue
}

func setupRouter(t *testing.T, opts Options) *routerFixture {
	t.Helper()
	f := setupHub(t, opts)
	queue := dispatch.NewQueue(f.store, slog.Default(), 20*time.Millisecond)
	rt := NewRouter(f.hub, f.reg, queue, "instance-1", slog.Default())
	return &routerFixture{hubFixture: f, router: rt, queue: queue}
}

func TestRouteToolCall_UnknownToolWritesNothing(t *testing.T) {
	f := setupRouter(t, Options{})
	ctx := context.Background()
	userID := f.seedUser(t)

	res := f.router.RouteToolCall(ctx, userID, "made.up.tool", nil, time.Second)
	if res.Routed {
		t.Error("unknown tool must not be routed")
	}
	if !strings.Contains(res.Error, "unknown device tool") {
		t.Errorf("unexpected error %q", res.Error)
	}

	// The queue must stay untouched for unroutable calls.
	n, err := f.queue.PendingCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("expected empty queue, found %d pending jobs", n)
	}
	jobs, err := f.store.ListGatewayToolCallsByUser(ctx, userID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 0 {
		t.Errorf("expected no persisted jobs, found %d", len(jobs))
	}
}

func TestRouteToolCall_NoOnlineDeviceFailsImmediately(t *testing.T) {
	f := setupRouter(t, Options{})
	ctx := context.Background()
	userID := f.seedUser(t)

	start := time.Now()
	res := f.router.RouteToolCall(ctx, userID, "imessage.send", nil, 5*time.Second)
	if res.Routed {
		t.Error("call with no online device must not be routed")
	}
	if !strings.Contains(res.Error, `no device with capability "imessage" is online`) {
		t.Errorf("unexpected error %q", res.Error)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("no-device calls must fail immediately, took %s", elapsed)
	}

	jobs, err := f.store.ListGatewayToolCallsByUser(ctx, userID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 0 {
		t.Errorf("expected no persisted jobs, found %d", len(jobs))
	}
}

func TestRouteToolCall_LocalFastPath(t *testing.T) {
	f := setupRouter(t, Options{})
	ctx := context.Background()

	userID := f.seedUser(t)
	device, err := f.reg.RegisterDevice(ctx, userID, "laptop", "macos", []string{"desktop"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	token, _, err := f.reg.CreateSession(ctx, device.ID)
	if err != nil {
		t.Fatal(err)
	}

	conn := dialWS(t, f.wsURL)
	registerConn(t, conn, token, []string{"desktop"})

	go answerNextToolCall(t, conn, func(tool string, params json.RawMessage) (json.RawMessage, string) {
		return json.RawMessage(`{"path":"/tmp/shot.png"}`), ""
	})

	res := f.router.RouteToolCall(ctx, userID, "desktop.screenshot", nil, 2*time.Second)
	if !res.Routed {
		t.Fatalf("expected routed result, got error %q", res.Error)
	}
	if res.DeviceID != device.ID {
		t.Errorf("expected device %s, got %s", device.ID, res.DeviceID)
	}
	if res.InstanceID != "instance-1" {
		t.Errorf("expected local instance id, got %q", res.InstanceID)
	}
	if string(res.Result) != `{"path":"/tmp/shot.png"}` {
		t.Errorf("unexpected result: %s", res.Result)
	}

	// The fast path must bypass the durable queue entirely.
	jobs, err := f.store.ListGatewayToolCallsByUser(ctx, userID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 0 {
		t.Errorf("local dispatch must not persist jobs, found %d", len(jobs))
	}
}

// TestRouteToolCall_CrossInstance runs two hubs over one store: the device
// connects to instance-2 while the call arrives at instance-1, forcing the
// queue handoff.
func TestRouteToolCall_CrossInstance(t *testing.T) {
	f := setupRouter(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Second instance sharing the same store.
	reg2 := registry.New(f.store, slog.Default(), registry.Options{})
	hub2 := NewHub(reg2, slog.Default(), Options{})
	srv2 := httptest.NewServer(http.HandlerFunc(hub2.HandleDeviceWS))
	defer srv2.Close()

	worker := dispatch.NewWorker(f.store, hub2, "instance-2", 20*time.Millisecond, slog.Default())
	go worker.Run(ctx)

	userID := f.seedUser(t)
	device, err := f.reg.RegisterDevice(ctx, userID, "phone", "ios", []string{"imessage"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	token, _, err := f.reg.CreateSession(ctx, device.ID)
	if err != nil {
		t.Fatal(err)
	}

	conn := dialWS(t, "ws"+strings.TrimPrefix(srv2.URL, "http"))
	registerConn(t, conn, token, []string{"imessage"})

	go answerNextToolCall(t, conn, func(tool string, params json.RawMessage) (json.RawMessage, string) {
		if tool != "imessage.send" {
			return nil, "unexpected tool " + tool
		}
		return json.RawMessage(`{"messageId":"m-42"}`), ""
	})

	res := f.router.RouteToolCall(ctx, userID, "imessage.send",
		json.RawMessage(`{"to":"+15550100","body":"hi"}`), 5*time.Second)
	if !res.Routed {
		t.Fatalf("expected routed result, got error %q", res.Error)
	}
	if res.InstanceID != "instance-2" {
		t.Errorf("expected executing instance id instance-2, got %q", res.InstanceID)
	}
	if string(res.Result) != `{"messageId":"m-42"}` {
		t.Errorf("unexpected result: %s", res.Result)
	}
}

func TestRouteToolCall_CrossInstanceDeviceFailure(t *testing.T) {
	f := setupRouter(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg2 := registry.New(f.store, slog.Default(), registry.Options{})
	hub2 := NewHub(reg2, slog.Default(), Options{})
	srv2 := httptest.NewServer(http.HandlerFunc(hub2.HandleDeviceWS))
	defer srv2.Close()

	worker := dispatch.NewWorker(f.store, hub2, "instance-2", 20*time.Millisecond, slog.Default())
	go worker.Run(ctx)

	userID := f.seedUser(t)
	device, err := f.reg.RegisterDevice(ctx, userID, "phone", "ios", []string{"imessage"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	token, _, err := f.reg.CreateSession(ctx, device.ID)
	if err != nil {
		t.Fatal(err)
	}

	conn := dialWS(t, "ws"+strings.TrimPrefix(srv2.URL, "http"))
	registerConn(t, conn, token, []string{"imessage"})

	go answerNextToolCall(t, conn, func(tool string, params json.RawMessage) (json.RawMessage, string) {
		return nil, "send blocked by carrier"
	})

	res := f.router.RouteToolCall(ctx, userID, "imessage.send", nil, 5*time.Second)
	if !res.Routed {
		t.Fatalf("a device-reported failure still counts as routed, got error %q", res.Error)
	}
	if !strings.Contains(res.Error, "send blocked by carrier") {
		t.Errorf("expected device error to surface, got %q", res.Error)
	}
	if res.Result != nil {
		t.Errorf("failed call must carry no result, got %s", res.Result)
	}
}

func TestRouteToolCall_AliasResolution(t *testing.T) {
	f := setupRouter(t, Options{})
	ctx := context.Background()

	userID := f.seedUser(t)
	device, err := f.reg.RegisterDevice(ctx, userID, "phone", "ios", []string{"imessage"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	token, _, err := f.reg.CreateSession(ctx, device.ID)
	if err != nil {
		t.Fatal(err)
	}

	conn := dialWS(t, f.wsURL)
	registerConn(t, conn, token, []string{"imessage"})

	var gotTool string
	go answerNextToolCall(t, conn, func(tool string, params json.RawMessage) (json.RawMessage, string) {
		gotTool = tool
		return json.RawMessage(`{}`), ""
	})

	// sms.send is an alias for the imessage capability; the device receives
	// the tool name the caller used.
	res := f.router.RouteToolCall(ctx, userID, "sms.send", nil, 2*time.Second)
	if !res.Routed {
		t.Fatalf("expected routed result, got error %q", res.Error)
	}
	if gotTool != "sms.send" {
		t.Errorf("expected original tool name on the wire, got %q", gotTool)
	}
}

func TestAvailableCapabilities_LocalVsCluster(t *testing.T) {
	f := setupRouter(t, Options{})
	ctx := context.Background()

	userID := f.seedUser(t)
	local, err := f.reg.RegisterDevice(ctx, userID, "laptop", "macos", []string{"desktop"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	token, _, err := f.reg.CreateSession(ctx, local.ID)
	if err != nil {
		t.Fatal(err)
	}

	// A second device online elsewhere: presence record only, no local
	// connection.
	remote, err := f.reg.RegisterDevice(ctx, userID, "phone", "ios", []string{"imessage"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.reg.SetDeviceOnline(ctx, remote.ID, true); err != nil {
		t.Fatal(err)
	}

	conn := dialWS(t, f.wsURL)
	registerConn(t, conn, token, []string{"desktop"})

	localCaps, err := f.router.AvailableCapabilities(ctx, userID, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(localCaps) != 1 || localCaps[0] != "desktop" {
		t.Errorf("expected local capabilities [desktop], got %v", localCaps)
	}

	clusterCaps, err := f.router.AvailableCapabilities(ctx, userID, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(clusterCaps) != 2 || clusterCaps[0] != "desktop" || clusterCaps[1] != "imessage" {
		t.Errorf("expected cluster capabilities [desktop imessage], got %v", clusterCaps)
	}

	summaries, err := f.router.DeviceSummaries(ctx, userID, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 cluster devices, got %d", len(summaries))
	}
	for _, s := range summaries {
		wantLocal := s.DeviceID == local.ID
		if s.ConnectedLocal != wantLocal {
			t.Errorf("device %s: ConnectedLocal = %v, want %v", s.DeviceID, s.ConnectedLocal, wantLocal)
		}
	}
}
