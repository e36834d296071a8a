// Package worker is the runtime of the FastCGI worker processes the relay
// supervises. A worker binds one unix socket, serves FastCGI on it and exits
// when it is told to, when it has been idle too long or when it has served
// its request budget.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/fcgi"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/fcgirelay/internal/logging"
	"github.com/danmuck/fcgirelay/internal/reactor"
	"github.com/danmuck/fcgirelay/internal/supervisor"
	"github.com/rs/zerolog"
)

var ErrNoSocket = errors.New("worker: socket path or run dir required")

// Exit reasons reported by Run.
const (
	ExitSignal   = "signal"
	ExitIdle     = "idle"
	ExitBudget   = "budget"
	ExitListener = "listener"
)

type Config struct {
	// SocketPath is the dedicated socket. When empty, RunDir names a pool
	// socket after the process id.
	SocketPath string
	RunDir     string
	SessionID  string
	Title      string
	ScriptName string
	// IdleTimeout ends the process after a quiet period. Zero disables it.
	IdleTimeout time.Duration
	// MaxRequests ends the process after that many requests. Zero disables it.
	MaxRequests int64
	Logger      zerolog.Logger
}

func DefaultConfig() Config {
	return Config{
		Title:       "fcgiworker",
		IdleTimeout: 15 * time.Minute,
		Logger:      logging.Component("worker"),
	}
}

// ResolveSocketPath returns the socket this worker binds.
func (c Config) ResolveSocketPath() (string, error) {
	if p := strings.TrimSpace(c.SocketPath); p != "" {
		return p, nil
	}
	if d := strings.TrimSpace(c.RunDir); d != "" {
		return supervisor.PoolSocketPath(d, os.Getpid()), nil
	}
	return "", ErrNoSocket
}

// Runtime serves one worker socket.
type Runtime struct {
	cfg  Config
	path string
	log  zerolog.Logger

	handled  atomic.Int64
	inFlight atomic.Int64
	lastSeen atomic.Int64
	exit     atomic.Value
	stop     context.CancelFunc
}

func New(cfg Config) (*Runtime, error) {
	path, err := cfg.ResolveSocketPath()
	if err != nil {
		return nil, err
	}
	return &Runtime{
		cfg:  cfg,
		path: path,
		log:  cfg.Logger.With().Str("socket", path).Int("pid", os.Getpid()).Logger(),
	}, nil
}

func (rt *Runtime) SocketPath() string {
	return rt.path
}

// Handled is the number of completed requests.
func (rt *Runtime) Handled() int64 {
	return rt.handled.Load()
}

// Run binds the socket and serves handler until ctx ends, the idle timeout
// passes or the request budget is spent. It returns the exit reason.
func (rt *Runtime) Run(ctx context.Context, handler http.Handler) (string, error) {
	if err := supervisor.RemoveSocket(rt.path); err != nil {
		return "", fmt.Errorf("worker: clear socket: %w", err)
	}
	inner, err := net.Listen("unix", rt.path)
	if err != nil {
		return "", fmt.Errorf("worker: listen %s: %w", rt.path, err)
	}
	defer supervisor.RemoveSocket(rt.path)

	rcfg := reactor.DefaultConfig()
	rcfg.Logger = rt.cfg.Logger
	re, err := reactor.New(rcfg)
	if err != nil {
		_ = inner.Close()
		return "", err
	}
	defer re.Close()

	l, err := re.Listen(inner)
	if err != nil {
		_ = inner.Close()
		return "", err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	rt.stop = cancel
	rt.touch()

	go func() {
		<-runCtx.Done()
		_ = l.Close()
	}()
	if rt.cfg.IdleTimeout > 0 {
		go rt.watchIdle(runCtx)
	}

	rt.log.Info().Str("session", rt.cfg.SessionID).Msg("worker serving")
	var conns sync.WaitGroup
	serveErr := fcgi.Serve(trackedListener{Listener: l, wg: &conns}, rt.track(handler))
	rt.drain(&conns)

	reason := ExitListener
	switch {
	case ctx.Err() != nil:
		reason = ExitSignal
	case rt.exit.Load() != nil:
		reason = rt.exit.Load().(string)
	}
	rt.log.Info().Str("reason", reason).Int64("handled", rt.handled.Load()).Msg("worker exiting")
	if reason == ExitListener && serveErr != nil && !errors.Is(serveErr, net.ErrClosed) {
		return reason, serveErr
	}
	return reason, nil
}

// drain lets responses still being written reach the relay.
func (rt *Runtime) drain(conns *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		rt.log.Warn().Msg("connections still open at exit")
	}
}

func (rt *Runtime) track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rt.inFlight.Add(1)
		rt.touch()
		defer func() {
			rt.touch()
			rt.inFlight.Add(-1)
			n := rt.handled.Add(1)
			if rt.cfg.MaxRequests > 0 && n >= rt.cfg.MaxRequests {
				rt.finish(ExitBudget)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (rt *Runtime) touch() {
	rt.lastSeen.Store(time.Now().UnixNano())
}

func (rt *Runtime) finish(reason string) {
	rt.exit.CompareAndSwap(nil, reason)
	if rt.stop != nil {
		rt.stop()
	}
}

func (rt *Runtime) watchIdle(ctx context.Context) {
	tick := rt.cfg.IdleTimeout / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if rt.inFlight.Load() > 0 {
				continue
			}
			quiet := time.Since(time.Unix(0, rt.lastSeen.Load()))
			if quiet >= rt.cfg.IdleTimeout {
				rt.log.Info().Dur("idle", quiet).Msg("idle timeout reached")
				rt.finish(ExitIdle)
				return
			}
		}
	}
}

type trackedListener struct {
	net.Listener
	wg *sync.WaitGroup
}

func (l trackedListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	l.wg.Add(1)
	return &trackedConn{Conn: c, done: l.wg.Done}, nil
}

type trackedConn struct {
	net.Conn
	once sync.Once
	done func()
}

func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.done)
	return err
}
