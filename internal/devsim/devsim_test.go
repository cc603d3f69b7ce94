package devsim

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/switchboard-ai/switchboard/internal/registry"
	"github.com/switchboard-ai/switchboard/internal/router"
	"github.com/switchboard-ai/switchboard/internal/store"
)

func TestSimulator_RegistersAndAnswersToolCalls(t *testing.T) {
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	reg := registry.New(s, slog.Default(), registry.Options{})
	hub := router.NewHub(reg, slog.Default(), router.Options{})
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleDeviceWS))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.CreateUser(ctx, &store.User{ID: "u-1", Username: "sim", Role: "user", CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	device, err := reg.RegisterDevice(ctx, "u-1", "simulated", "linux", []string{"desktop"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	token, _, err := reg.CreateSession(ctx, device.ID)
	if err != nil {
		t.Fatal(err)
	}

	sim := New(Options{
		URL:          "ws" + strings.TrimPrefix(srv.URL, "http"),
		Token:        token,
		Platform:     "linux",
		Capabilities: []string{"desktop"},
	})
	go func() { _ = sim.Run(ctx) }()

	// Wait for the simulator to register.
	deadline := time.Now().Add(5 * time.Second)
	for hub.ConnectionCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.ConnectionCount() != 1 {
		t.Fatal("simulator never registered")
	}

	result, err := hub.SendToolCall(ctx, device.ID, "desktop.screenshot",
		json.RawMessage(`{"display":1}`), 5*time.Second)
	if err != nil {
		t.Fatalf("tool call against simulator failed: %v", err)
	}

	var echoed struct {
		Tool      string `json:"tool"`
		Simulated bool   `json:"simulated"`
	}
	if err := json.Unmarshal(result, &echoed); err != nil {
		t.Fatal(err)
	}
	if echoed.Tool != "desktop.screenshot" || !echoed.Simulated {
		t.Errorf("unexpected simulated result: %s", result)
	}
}

func TestNew_DefaultsCapabilitiesToEmptyList(t *testing.T) {
	sim := New(Options{URL: "ws://unused", Token: "tok"})
	// nil would serialize as JSON null and be rejected during registration
	// before the token is ever validated.
	if sim.opts.Capabilities == nil {
		t.Fatal("expected capabilities defaulted to an empty list")
	}
	if len(sim.opts.Capabilities) != 0 {
		t.Errorf("expected no capabilities by default, got %v", sim.opts.Capabilities)
	}
}

func TestSimulator_AuthRejectionIsFatal(t *testing.T) {
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	reg := registry.New(s, slog.Default(), registry.Options{})
	hub := router.NewHub(reg, slog.Default(), router.Options{})
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleDeviceWS))
	t.Cleanup(srv.Close)

	sim := New(Options{
		URL:   "ws" + strings.TrimPrefix(srv.URL, "http"),
		Token: "bogus-token",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = sim.Run(ctx)
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("expected ErrAuthRejected, got %v", err)
	}
}
