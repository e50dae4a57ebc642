package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Queue.WorkerCount != 5 {
		t.Errorf("expected default worker count 5, got %d", cfg.Queue.WorkerCount)
	}
	if cfg.Audit.MaxEvents != 10000 {
		t.Errorf("expected default max events 10000, got %d", cfg.Audit.MaxEvents)
	}
	if cfg.DefaultTimeout != 30*time.Second {
		t.Errorf("expected default timeout 30s, got %s", cfg.DefaultTimeout)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capcore.yaml")
	content := `
queue:
  worker_count: 12
  capacity: 500
  cleanup_max_age: 1h
audit:
  max_events: 250
default_timeout: 45s
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Queue.WorkerCount != 12 {
		t.Errorf("expected worker count 12, got %d", cfg.Queue.WorkerCount)
	}
	if cfg.Queue.Capacity != 500 {
		t.Errorf("expected capacity 500, got %d", cfg.Queue.Capacity)
	}
	if cfg.Queue.CleanupMaxAge != time.Hour {
		t.Errorf("expected cleanup max age 1h, got %s", cfg.Queue.CleanupMaxAge)
	}
	if cfg.Audit.MaxEvents != 250 {
		t.Errorf("expected max events 250, got %d", cfg.Audit.MaxEvents)
	}
	if cfg.DefaultTimeout != 45*time.Second {
		t.Errorf("expected timeout 45s, got %s", cfg.DefaultTimeout)
	}

	// Unset fields keep their defaults.
	if cfg.Queue.ShutdownTimeout != 30*time.Second {
		t.Errorf("expected default shutdown timeout, got %s", cfg.Queue.ShutdownTimeout)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("CAPCORE_WORKER_COUNT", "3")
	t.Setenv("CAPCORE_AUDIT_MAX_EVENTS", "42")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Queue.WorkerCount != 3 {
		t.Errorf("expected env worker count 3, got %d", cfg.Queue.WorkerCount)
	}
	if cfg.Audit.MaxEvents != 42 {
		t.Errorf("expected env max events 42, got %d", cfg.Audit.MaxEvents)
	}
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	t.Setenv("CAPCORE_WORKER_COUNT", "zero")
	if _, err := LoadConfig(""); err == nil {
		t.Error("expected error for non-numeric worker count")
	}

	t.Setenv("CAPCORE_WORKER_COUNT", "5")
	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("queue: ["), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected error for malformed YAML")
	}
}
