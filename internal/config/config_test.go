package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigFillsExpectedDefaults(t *testing.T) {
	cfg := defaultConfig()

	if cfg.ProjectID != "default" {
		t.Errorf("ProjectID = %q, want %q", cfg.ProjectID, "default")
	}
	if cfg.Server.Port != 8787 {
		t.Errorf("Server.Port = %d, want 8787", cfg.Server.Port)
	}
	if cfg.Poller.TickInterval != 150*time.Millisecond {
		t.Errorf("Poller.TickInterval = %s, want 150ms", cfg.Poller.TickInterval)
	}
	if cfg.Ring.Capacity != 1000 {
		t.Errorf("Ring.Capacity = %d, want 1000", cfg.Ring.Capacity)
	}
	if cfg.OTLP.Port != 4318 || cfg.OTLP.MetricsPort != 4319 {
		t.Errorf("unexpected OTLP ports: %+v", cfg.OTLP)
	}
}

func TestLoadOrDefaultFallsBackWhenFileMissing(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if cfg.Server.Port != 8787 {
		t.Errorf("expected default config, got port %d", cfg.Server.Port)
	}
}

func TestLoadOverridesFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yamlBody := "project_id: my-project\nserver:\n  port: 9000\n  host: 0.0.0.0\npoller:\n  tick_interval: 250ms\n"
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ProjectID != "my-project" {
		t.Errorf("ProjectID = %q, want my-project", cfg.ProjectID)
	}
	if cfg.Server.Port != 9000 || cfg.Server.Host != "0.0.0.0" {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Poller.TickInterval != 250*time.Millisecond {
		t.Errorf("Poller.TickInterval = %s, want 250ms", cfg.Poller.TickInterval)
	}
	// Load starts from defaultConfig() and unmarshals the YAML on top, so
	// fields the file doesn't mention keep their default value.
	if cfg.Ring.Capacity != 1000 {
		t.Errorf("expected Ring.Capacity to retain its default of 1000, got %d", cfg.Ring.Capacity)
	}
}

func TestDiffReportsHotReloadableChangesOnly(t *testing.T) {
	old := defaultConfig()
	updated := defaultConfig()
	updated.Poller.TickInterval = 300 * time.Millisecond
	updated.Store.MaxEvents = 5000
	updated.Server.Port = 9999 // not hot-reloadable; must not appear in the diff

	changes := Diff(old, updated)
	if len(changes) != 2 {
		t.Fatalf("expected 2 changes, got %d: %v", len(changes), changes)
	}
}

func TestDiffReturnsEmptyForIdenticalConfigs(t *testing.T) {
	a := defaultConfig()
	b := defaultConfig()
	if changes := Diff(a, b); len(changes) != 0 {
		t.Fatalf("expected no changes, got %v", changes)
	}
}
