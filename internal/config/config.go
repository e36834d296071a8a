package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// unix(7) sun_path holds 108 bytes including the terminator.
const maxSocketPath = 107

type RelayConfig struct {
	Listen             string   `toml:"listen"`
	RunDir             string   `toml:"run_dir"`
	WorkerBinary       string   `toml:"worker_binary"`
	WorkerArgs         []string `toml:"worker_args"`
	Policy             string   `toml:"policy"`
	PoolSize           int      `toml:"pool_size"`
	MaxSessions        int      `toml:"max_sessions"`
	SessionIDLength    int      `toml:"session_id_length"`
	SessionParam       string   `toml:"session_param"`
	Tracking           string   `toml:"tracking"`
	ReloadIsNewSession bool     `toml:"reload_is_new_session"`
	RestartCeiling     *int     `toml:"restart_ceiling"`
	ConnectAttempts    int      `toml:"connect_attempts"`
	ConnectDelay       Duration `toml:"connect_delay"`
	ConnectJitter      bool     `toml:"connect_jitter"`
	PumpIdleTimeout    Duration `toml:"pump_idle_timeout"`
	AdminAddr          string   `toml:"admin_addr"`
	CorsOrigins        []string `toml:"cors_origins"`
}

// Duration decodes TOML strings such as "250ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func DefaultRelayConfig() RelayConfig {
	ceiling := 5
	return RelayConfig{
		RunDir:          "/var/run/fcgirelay",
		Policy:          "dedicated",
		PoolSize:        4,
		MaxSessions:     100,
		SessionIDLength: 16,
		SessionParam:    "sid",
		Tracking:        "url",
		RestartCeiling:  &ceiling,
		ConnectAttempts: 20,
		ConnectDelay:    Duration{50 * time.Millisecond},
	}
}

func LoadRelayConfig(path string) (RelayConfig, error) {
	cfg := DefaultRelayConfig()
	if err := loadToml(path, &cfg); err != nil {
		return RelayConfig{}, err
	}
	cfg.applyDefaults()
	if err := ValidateRelayConfig(cfg); err != nil {
		return RelayConfig{}, err
	}
	return cfg, nil
}

func (c *RelayConfig) applyDefaults() {
	def := DefaultRelayConfig()
	if strings.TrimSpace(c.RunDir) == "" {
		c.RunDir = def.RunDir
	}
	if strings.TrimSpace(c.Policy) == "" {
		c.Policy = def.Policy
	}
	if c.SessionIDLength == 0 {
		c.SessionIDLength = def.SessionIDLength
	}
	if strings.TrimSpace(c.SessionParam) == "" {
		c.SessionParam = def.SessionParam
	}
	if strings.TrimSpace(c.Tracking) == "" {
		c.Tracking = def.Tracking
	}
	if c.RestartCeiling == nil {
		c.RestartCeiling = def.RestartCeiling
	}
	if c.ConnectAttempts == 0 {
		c.ConnectAttempts = def.ConnectAttempts
	}
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateRelayConfig(cfg RelayConfig) error {
	if strings.TrimSpace(cfg.WorkerBinary) == "" {
		return fmt.Errorf("relay config missing worker_binary")
	}
	if strings.TrimSpace(cfg.RunDir) == "" {
		return fmt.Errorf("relay config missing run_dir")
	}
	switch cfg.Policy {
	case "dedicated":
		if cfg.MaxSessions <= 0 {
			return fmt.Errorf("max_sessions must be positive, got %d", cfg.MaxSessions)
		}
	case "shared":
		if cfg.PoolSize <= 0 {
			return fmt.Errorf("pool_size must be positive, got %d", cfg.PoolSize)
		}
	default:
		return fmt.Errorf("unknown policy %q (want dedicated|shared)", cfg.Policy)
	}
	switch cfg.Tracking {
	case "url", "cookies":
	default:
		return fmt.Errorf("unknown tracking %q (want url|cookies)", cfg.Tracking)
	}
	if cfg.SessionIDLength < 4 || cfg.SessionIDLength > 64 {
		return fmt.Errorf("session_id_length out of range: %d", cfg.SessionIDLength)
	}
	if cfg.RestartCeiling != nil && *cfg.RestartCeiling < 0 {
		return fmt.Errorf("restart_ceiling must not be negative")
	}
	if cfg.ConnectAttempts < 1 {
		return fmt.Errorf("connect_attempts must be at least 1")
	}
	if cfg.ConnectDelay.Duration < 0 || cfg.PumpIdleTimeout.Duration < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if n := longestSocketPath(cfg); n > maxSocketPath {
		return fmt.Errorf("run_dir too long: worker socket paths reach %d bytes (max %d)", n, maxSocketPath)
	}
	return nil
}

func longestSocketPath(cfg RelayConfig) int {
	name := cfg.SessionIDLength
	if cfg.Policy == "shared" {
		// server-<pid>, pid_max is at most 2^22.
		name = len("server-4194304")
	}
	return len(filepath.Join(cfg.RunDir, strings.Repeat("x", name)))
}
