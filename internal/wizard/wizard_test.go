package wizard

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/switchboard-ai/switchboard/internal/config"
	"github.com/switchboard-ai/switchboard/pkg/cli"
)

func TestRun_WritesLoadableConfig(t *testing.T) {
	out := filepath.Join(t.TempDir(), "switchboard.json")

	// Answers: listen addr, admin user, admin password, driver choice,
	// sqlite path, device limit confirm (no).
	input := strings.Join([]string{
		":9090",
		"root",
		"hunter2-hunter2",
		"1",
		"test.db",
		"n",
	}, "\n") + "\n"

	var buf bytes.Buffer
	w := New(&cli.Prompter{In: strings.NewReader(input), Out: &buf})
	if err := w.Run(out); err != nil {
		t.Fatalf("wizard run failed: %v", err)
	}

	cfg, err := config.Load(out)
	if err != nil {
		t.Fatalf("generated config does not load: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("expected addr :9090, got %q", cfg.Server.Addr)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.DSN != "test.db" {
		t.Errorf("unexpected storage config: %+v", cfg.Storage)
	}
	if cfg.Auth.InitialAdmin == nil || cfg.Auth.InitialAdmin.Username != "root" {
		t.Errorf("unexpected initial admin: %+v", cfg.Auth.InitialAdmin)
	}
	if len(cfg.Auth.JWTSecret) < 32 {
		t.Error("expected a generated JWT secret")
	}

	info, err := os.Stat(out)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("config file should be 0600, got %v", info.Mode().Perm())
	}
}

func TestRunDefaults_EnvOverrides(t *testing.T) {
	out := filepath.Join(t.TempDir(), "switchboard.json")
	t.Setenv("SWITCHBOARD_ADDR", ":7070")
	t.Setenv("SWITCHBOARD_ADMIN_USER", "ops")
	t.Setenv("SWITCHBOARD_ADMIN_PASSWORD", "env-password-123")
	t.Setenv("SWITCHBOARD_STORAGE_DRIVER", "sqlite")
	t.Setenv("SWITCHBOARD_STORAGE_DSN", "env.db")

	var buf bytes.Buffer
	w := New(&cli.Prompter{In: strings.NewReader(""), Out: &buf})
	if err := w.RunDefaults(out); err != nil {
		t.Fatalf("RunDefaults failed: %v", err)
	}

	cfg, err := config.Load(out)
	if err != nil {
		t.Fatalf("generated config does not load: %v", err)
	}
	if cfg.Server.Addr != ":7070" {
		t.Errorf("expected addr :7070, got %q", cfg.Server.Addr)
	}
	if cfg.Auth.InitialAdmin.Username != "ops" || cfg.Auth.InitialAdmin.Password != "env-password-123" {
		t.Errorf("unexpected initial admin: %+v", cfg.Auth.InitialAdmin)
	}
	if cfg.Storage.DSN != "env.db" {
		t.Errorf("expected env DSN, got %q", cfg.Storage.DSN)
	}
}
