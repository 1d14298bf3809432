package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.QuarantineRoot != DefaultQuarantineRoot {
		t.Fatalf("expected default quarantine root, got %s", cfg.QuarantineRoot)
	}
}

func TestLoadOverlaysOntoDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := "watch_dirs:\n  - /home\n  - /srv\nworker_count: 8\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.WatchDirs) != 2 {
		t.Fatalf("expected 2 watch dirs, got %v", cfg.WatchDirs)
	}
	if cfg.WorkerCount != 8 {
		t.Fatalf("expected overridden worker_count 8, got %d", cfg.WorkerCount)
	}
	if cfg.QuarantineRoot != DefaultQuarantineRoot {
		t.Fatalf("expected untouched quarantine_root default, got %s", cfg.QuarantineRoot)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("watch_dirs: [unterminated"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected malformed YAML to return an error")
	}
}

func TestValidateRequiresWatchDirs(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation failure with no watch dirs")
	}
	cfg.WatchDirs = []string{"/home"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected validation to pass, got %v", err)
	}
}

func TestValidateFillsZeroDefaults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WatchDirs = []string{"/home"}
	cfg.WorkerCount = 0
	cfg.QueueCapacity = 0
	cfg.HistoryRetentionDays = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.WorkerCount != 4 || cfg.QueueCapacity != 256 || cfg.HistoryRetentionDays != 30 {
		t.Fatalf("expected zero values backfilled, got %+v", cfg)
	}
}
