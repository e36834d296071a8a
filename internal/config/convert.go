package config

import (
	"github.com/danmuck/fcgirelay/internal/relay"
	"github.com/danmuck/fcgirelay/internal/supervisor"
)

func SupervisorConfig(cfg RelayConfig) supervisor.Config {
	out := supervisor.DefaultConfig()
	out.Policy = supervisor.Policy(cfg.Policy)
	out.RunDir = cfg.RunDir
	out.MaxSessions = cfg.MaxSessions
	out.PoolSize = cfg.PoolSize
	if cfg.RestartCeiling != nil {
		out.RestartCeiling = *cfg.RestartCeiling
	}
	out.IDs = supervisor.RandomIDs{Length: cfg.SessionIDLength}
	out.Spawner = supervisor.ExecSpawner{
		Binary: cfg.WorkerBinary,
		Args:   append([]string{}, cfg.WorkerArgs...),
	}
	return out
}

func RouterConfig(cfg RelayConfig) (relay.RouterConfig, error) {
	matcher, err := relay.NewSessionMatcher(
		cfg.SessionIDLength,
		cfg.SessionParam,
		relay.Tracking(cfg.Tracking),
		cfg.ReloadIsNewSession,
	)
	if err != nil {
		return relay.RouterConfig{}, err
	}
	out := relay.DefaultRouterConfig()
	out.Matcher = matcher
	out.ConnectAttempts = cfg.ConnectAttempts
	out.Backoff.InitialDelay = cfg.ConnectDelay.Duration
	out.Backoff.Jitter = cfg.ConnectJitter
	out.IdleTimeout = cfg.PumpIdleTimeout.Duration
	return out, nil
}
