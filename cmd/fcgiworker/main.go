package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/fcgirelay/internal/logging"
	"github.com/danmuck/fcgirelay/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "worker config file (toml)")
	socket := flag.String("socket", "", "dedicated socket path")
	session := flag.String("session", "", "session id served by this worker")
	runDir := flag.String("rundir", "", "run directory for a pool member socket (server-<pid>)")
	idle := flag.Duration("idle", -1, "idle timeout override (0 disables)")
	flag.Parse()

	logging.ConfigureRuntime("fcgiworker")

	cfg := worker.DefaultConfig()
	if *configPath != "" {
		loaded, err := loadWorkerConfig(*configPath, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "fcgiworker: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	cfg.SocketPath = *socket
	cfg.SessionID = *session
	cfg.RunDir = *runDir
	if *idle >= 0 {
		cfg.IdleTimeout = *idle
	}
	if cfg.SessionID == "" {
		// Pool members serve every session; only dedicated workers expire.
		cfg.IdleTimeout = 0
	}

	rt, err := worker.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fcgiworker: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if _, err := rt.Run(ctx, worker.DemoHandler(cfg)); err != nil {
		fmt.Fprintf(os.Stderr, "fcgiworker: %v\n", err)
		os.Exit(1)
	}
}
