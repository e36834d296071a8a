package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/fcgirelay/internal/logging"
	"github.com/rs/zerolog"
)

// ServiceConfig configures the accept loop.
type ServiceConfig struct {
	// ShutdownTimeout bounds how long in-flight connections may finish after
	// the listener closes.
	ShutdownTimeout time.Duration
	Logger          zerolog.Logger
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ShutdownTimeout: 10 * time.Second,
		Logger:          logging.Component("relay"),
	}
}

// Service accepts front-end connections and hands each to the Router on its
// own goroutine.
type Service struct {
	cfg    ServiceConfig
	router *Router

	mu     sync.Mutex
	active map[net.Conn]struct{}
	wg     sync.WaitGroup
}

func NewService(router *Router, cfg ServiceConfig) *Service {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultServiceConfig().ShutdownTimeout
	}
	return &Service{cfg: cfg, router: router, active: make(map[net.Conn]struct{})}
}

// Listen opens the front-end listener. An empty address uses the FastCGI
// listen socket inherited on fd 0; "unix:<path>" or an absolute path binds a
// unix socket; anything else is a TCP address.
func Listen(addr string) (net.Listener, error) {
	addr = strings.TrimSpace(addr)
	switch {
	case addr == "":
		f := os.NewFile(0, "fcgi-listen")
		l, err := net.FileListener(f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("relay: inherited listen socket: %w", err)
		}
		return l, nil
	case strings.HasPrefix(addr, "unix:") || strings.HasPrefix(addr, "/"):
		path := strings.TrimPrefix(addr, "unix:")
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("relay: clear listen socket %s: %w", path, err)
		}
		return net.Listen("unix", path)
	default:
		return net.Listen("tcp", strings.TrimPrefix(addr, "tcp:"))
	}
}

// Serve accepts until ctx is cancelled or l fails, then waits for in-flight
// connections.
func (s *Service) Serve(ctx context.Context, l net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()

	s.cfg.Logger.Info().Str("addr", l.Addr().String()).Msg("relay listening")
	connCtx := context.WithoutCancel(ctx)

	var (
		serveErr  error
		tempDelay time.Duration
	)
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				tempDelay = nextAcceptDelay(tempDelay)
				s.cfg.Logger.Warn().Err(err).Dur("retry_in", tempDelay).Msg("accept failed")
				time.Sleep(tempDelay)
				continue
			}
			serveErr = fmt.Errorf("relay: accept: %w", err)
			break
		}
		tempDelay = 0
		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			_ = s.router.HandleConnection(connCtx, conn)
		}()
	}

	s.drain()
	return serveErr
}

func nextAcceptDelay(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}

func (s *Service) track(c net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.active[c] = struct{}{}
		return
	}
	delete(s.active, c)
}

// Active returns the number of connections being relayed.
func (s *Service) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Service) drain() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return
	case <-time.After(s.cfg.ShutdownTimeout):
	}

	s.mu.Lock()
	n := len(s.active)
	for c := range s.active {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.cfg.Logger.Warn().Int("connections", n).Msg("shutdown timeout, closing in-flight connections")
	<-done
}
