package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/fcgirelay/internal/admin"
	"github.com/danmuck/fcgirelay/internal/config"
	"github.com/danmuck/fcgirelay/internal/logging"
	"github.com/danmuck/fcgirelay/internal/relay"
	"github.com/danmuck/fcgirelay/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "/etc/fcgirelay/relay.toml", "relay config file (toml)")
	listen := flag.String("listen", "", "listen address override (unix:<path>, /path or host:port)")
	adminAddr := flag.String("admin", "", "admin api address override")
	flag.Parse()

	logging.ConfigureRuntime("fcgirelay")

	cfg, err := config.LoadRelayConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fcgirelay: %v\n", err)
		os.Exit(2)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *adminAddr != "" {
		cfg.AdminAddr = *adminAddr
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "fcgirelay: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.RelayConfig) error {
	log := logging.Component("main")

	removed, err := supervisor.CleanRunDir(cfg.RunDir)
	if err != nil {
		return err
	}
	if removed > 0 {
		log.Info().Int("removed", removed).Str("run_dir", cfg.RunDir).Msg("stale worker sockets removed")
	}

	sup, err := supervisor.New(config.SupervisorConfig(cfg))
	if err != nil {
		return err
	}
	routerCfg, err := config.RouterConfig(cfg)
	if err != nil {
		return err
	}
	router, err := relay.NewRouter(sup, routerCfg)
	if err != nil {
		return err
	}
	l, err := relay.Listen(cfg.Listen)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	defer func() {
		closeCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		_ = sup.Close(closeCtx)
	}()
	if err := sup.Start(ctx); err != nil {
		_ = l.Close()
		return err
	}

	svc := relay.NewService(router, relay.DefaultServiceConfig())
	serveErr := make(chan error, 1)
	go func() { serveErr <- svc.Serve(ctx, l) }()

	adminErr := make(chan error, 1)
	if strings.TrimSpace(cfg.AdminAddr) != "" {
		api := admin.New("fcgirelay", cfg.AdminAddr, cfg.CorsOrigins, sup, logging.Component("admin"))
		go func() { adminErr <- api.Serve(ctx) }()
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown requested")
	case runErr = <-sup.Fatal():
		log.Error().Err(runErr).Msg("worker spawn failed, relay exiting")
	case runErr = <-adminErr:
		if runErr != nil {
			log.Error().Err(runErr).Msg("admin api failed")
		}
	case runErr = <-serveErr:
		cancel()
		return runErr
	}
	cancel()
	if err := <-serveErr; err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
