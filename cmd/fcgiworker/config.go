package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/fcgirelay/internal/worker"
)

// fcgiworker config.toml key mapping to worker runtime settings.
type fileConfig struct {
	Title       string `toml:"title"`
	ScriptName  string `toml:"script_name"`
	IdleTimeout string `toml:"idle_timeout"`
	MaxRequests int64  `toml:"max_requests"`
}

func loadWorkerConfig(path string, cfg worker.Config) (worker.Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return worker.Config{}, fmt.Errorf("load worker config: %w", err)
	}

	if meta.IsDefined("title") {
		if title := strings.TrimSpace(raw.Title); title != "" {
			cfg.Title = title
		}
	}

	if meta.IsDefined("script_name") {
		cfg.ScriptName = strings.TrimSpace(raw.ScriptName)
	}

	if meta.IsDefined("idle_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.IdleTimeout))
		if err != nil {
			return worker.Config{}, fmt.Errorf("parse idle_timeout: %w", err)
		}
		if d < 0 {
			return worker.Config{}, fmt.Errorf("idle_timeout must not be negative")
		}
		cfg.IdleTimeout = d
	}

	if meta.IsDefined("max_requests") {
		if raw.MaxRequests < 0 {
			return worker.Config{}, fmt.Errorf("max_requests must not be negative")
		}
		cfg.MaxRequests = raw.MaxRequests
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return worker.Config{}, fmt.Errorf("unknown worker config key %q", undecoded[0].String())
	}
	return cfg, nil
}
