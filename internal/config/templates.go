package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "relay":
		return relayTemplate, nil
	case "worker":
		return workerTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const relayTemplate = `# empty listen uses the FastCGI socket inherited on fd 0
listen = "unix:/var/run/fcgirelay/relay.sock"
run_dir = "/var/run/fcgirelay/workers"
worker_binary = "/usr/local/bin/fcgiworker"
worker_args = ["-config", "/etc/fcgirelay/worker.toml"]

policy = "dedicated"
max_sessions = 100
pool_size = 4
restart_ceiling = 5

session_id_length = 16
session_param = "sid"
tracking = "url"
reload_is_new_session = false

connect_attempts = 20
connect_delay = "50ms"
connect_jitter = false
pump_idle_timeout = "0s"

admin_addr = "127.0.0.1:9180"
cors_origins = ["http://localhost:3000"]
`

const workerTemplate = `title = "fcgiworker"
idle_timeout = "15m"
max_requests = 0
`
