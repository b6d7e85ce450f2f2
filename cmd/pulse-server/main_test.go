package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"pulse/internal/server/bootstrap"
)

// resolveServe parses the given serve arguments and runs the same config
// resolution serve's RunE performs, without starting the server.
func resolveServe(t *testing.T, args ...string) bootstrap.Config {
	t.Helper()

	root := NewRootCommand()
	serve, _, err := root.Find([]string{"serve"})
	if err != nil {
		t.Fatalf("find serve: %v", err)
	}
	if err := serve.ParseFlags(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	v, err := newViper(serve)
	if err != nil {
		t.Fatalf("newViper: %v", err)
	}
	if err := bindServeFlags(v, serve); err != nil {
		t.Fatalf("bindServeFlags: %v", err)
	}

	cfg, err := bootstrap.Load(lookupFrom(v))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return cfg
}

func TestServeResolvesEnvThroughViper(t *testing.T) {
	t.Setenv("PULSE_PORT", "9191")
	t.Setenv("PULSE_STORE", "sqlite")
	t.Setenv("PULSE_SQLITE_PATH", filepath.Join(t.TempDir(), "relay.db"))

	cfg := resolveServe(t)
	if cfg.Port != "9191" {
		t.Errorf("Port = %q, want 9191", cfg.Port)
	}
	if cfg.Store.Kind != "sqlite" {
		t.Errorf("Store.Kind = %q, want sqlite", cfg.Store.Kind)
	}
}

func TestServeFlagOverridesEnv(t *testing.T) {
	t.Setenv("PULSE_PORT", "9191")

	cfg := resolveServe(t, "--port", "7070")
	if cfg.Port != "7070" {
		t.Errorf("Port = %q, want flag value 7070", cfg.Port)
	}
}

func TestServeReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "pulse.yaml")
	if err := os.WriteFile(configPath, []byte("port: \"8484\"\nrate_limit_rpm: 600\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := resolveServe(t, "--config", configPath)
	if cfg.Port != "8484" {
		t.Errorf("Port = %q, want config file value 8484", cfg.Port)
	}
	if cfg.RateLimitRequestsPerMinute != 600 {
		t.Errorf("rpm = %d, want 600", cfg.RateLimitRequestsPerMinute)
	}
}

func TestServeEnvOverridesConfigFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "pulse.yaml")
	if err := os.WriteFile(configPath, []byte("port: \"8484\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PULSE_PORT", "9191")

	cfg := resolveServe(t, "--config", configPath)
	if cfg.Port != "9191" {
		t.Errorf("Port = %q, want env value 9191 over config file", cfg.Port)
	}
}

func TestMigrateMemoryIsNoop(t *testing.T) {
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"migrate", "--store", "memory"})

	if err := root.Execute(); err != nil {
		t.Fatalf("migrate: %v (output: %s)", err, out.String())
	}
}

func TestMigrateSQLiteCreatesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.db")

	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"migrate", "--store", "sqlite", "--sqlite-path", path})

	if err := root.Execute(); err != nil {
		t.Fatalf("migrate: %v (output: %s)", err, out.String())
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("database file missing: %v", err)
	}
}
