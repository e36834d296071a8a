package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/fcgirelay/internal/config"
	"github.com/danmuck/fcgirelay/internal/worker"
)

func TestLoadWorkerConfigTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.toml")
	if err := config.WriteTemplate(path, "worker", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	cfg, err := loadWorkerConfig(path, worker.DefaultConfig())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Title != "fcgiworker" {
		t.Fatalf("unexpected title: %q", cfg.Title)
	}
	if cfg.IdleTimeout != 15*time.Minute {
		t.Fatalf("unexpected idle timeout: %v", cfg.IdleTimeout)
	}
	if cfg.MaxRequests != 0 {
		t.Fatalf("unexpected max requests: %d", cfg.MaxRequests)
	}
}

func TestLoadWorkerConfigOverridesOnlyDefinedKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.toml")
	body := "idle_timeout = \"30s\"\nscript_name = \"/demo\"\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	base := worker.DefaultConfig()
	base.Title = "kept"
	base.MaxRequests = 7

	cfg, err := loadWorkerConfig(path, base)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Title != "kept" || cfg.MaxRequests != 7 {
		t.Fatalf("undefined keys must keep their values: %+v", cfg)
	}
	if cfg.IdleTimeout != 30*time.Second || cfg.ScriptName != "/demo" {
		t.Fatalf("defined keys not applied: %+v", cfg)
	}
}

func TestLoadWorkerConfigRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"bad duration":     "idle_timeout = \"forever\"",
		"negative budget":  "max_requests = -1",
		"unknown key":      "titel = \"typo\"",
		"negative timeout": "idle_timeout = \"-1s\"",
	}
	for name, body := range cases {
		path := filepath.Join(t.TempDir(), "worker.toml")
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("write config: %v", err)
		}
		if _, err := loadWorkerConfig(path, worker.DefaultConfig()); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
