package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/danmuck/fcgirelay/internal/fcgi"
	"github.com/danmuck/fcgirelay/internal/logging"
	"github.com/danmuck/fcgirelay/internal/observability"
	"github.com/danmuck/fcgirelay/internal/supervisor"
	"github.com/rs/zerolog"
)

var (
	ErrWorkerUnreachable = errors.New("relay: worker unreachable")
	ErrNoMatcher         = errors.New("relay: session matcher required")
)

// Connection outcomes, used as metric labels.
const (
	OutcomeRelayed     = "relayed"
	OutcomeAborted     = "aborted"
	OutcomeFraming     = "framing"
	OutcomeCapacity    = "capacity"
	OutcomeSpawn       = "spawn"
	OutcomeUnreachable = "unreachable"
	OutcomeError       = "error"
)

// Resolver maps a session id (possibly empty) to a worker socket.
type Resolver interface {
	Resolve(ctx context.Context, sessionID string) (supervisor.Handle, error)
}

// DialFunc opens a connection to a worker socket.
type DialFunc func(ctx context.Context, socketPath string) (net.Conn, error)

// RouterConfig configures a Router.
type RouterConfig struct {
	Matcher         *SessionMatcher
	ConnectAttempts int
	Backoff         BackoffConfig
	// IdleTimeout bounds each read once relaying has started. Zero disables it.
	IdleTimeout time.Duration
	Dial        DialFunc
	Logger      zerolog.Logger
}

func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		ConnectAttempts: 20,
		Backoff:         DefaultBackoff(),
		Logger:          logging.Component("relay"),
	}
}

// Router relays front-end connections to workers.
type Router struct {
	cfg      RouterConfig
	resolver Resolver
	log      zerolog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewRouter(resolver Resolver, cfg RouterConfig) (*Router, error) {
	if cfg.Matcher == nil {
		return nil, ErrNoMatcher
	}
	if resolver == nil {
		return nil, errors.New("relay: resolver required")
	}
	if cfg.ConnectAttempts <= 0 {
		cfg.ConnectAttempts = 1
	}
	if cfg.Dial == nil {
		cfg.Dial = dialUnix
	}
	return &Router{
		cfg:      cfg,
		resolver: resolver,
		log:      cfg.Logger,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

func dialUnix(ctx context.Context, socketPath string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", socketPath)
}

// HandleConnection relays one front-end connection and closes it.
func (r *Router) HandleConnection(ctx context.Context, upstream net.Conn) error {
	start := time.Now()
	outcome, err := r.relay(ctx, upstream)
	_ = upstream.Close()
	observability.RecordConnection(outcome, time.Since(start))
	return err
}

func (r *Router) relay(ctx context.Context, upstream net.Conn) (string, error) {
	buffered, params, err := r.readPreamble(upstream)
	if err != nil {
		r.log.Debug().Err(err).Str("remote", remoteAddr(upstream)).Msg("request preamble unreadable")
		return OutcomeFraming, err
	}

	sessionID := r.cfg.Matcher.Match(params)
	handle, err := r.resolver.Resolve(ctx, sessionID)
	switch {
	case errors.Is(err, supervisor.ErrCapacity):
		r.log.Warn().Err(err).Str("session", sessionID).Msg("no worker capacity, connection dropped")
		return OutcomeCapacity, err
	case errors.Is(err, supervisor.ErrSpawn):
		return OutcomeSpawn, err
	case err != nil:
		r.log.Warn().Err(err).Str("session", sessionID).Msg("worker resolution failed")
		return OutcomeError, err
	}

	worker, err := r.dialWorker(ctx, handle.SocketPath)
	if err != nil {
		if rmErr := supervisor.RemoveSocket(handle.SocketPath); rmErr != nil {
			r.log.Warn().Err(rmErr).Str("socket", handle.SocketPath).Msg("stale socket removal failed")
		}
		r.log.Warn().Err(err).Str("session", handle.SessionID).Str("socket", handle.SocketPath).
			Msg("worker unreachable, socket unlinked")
		return OutcomeUnreachable, err
	}

	for _, rec := range buffered {
		if err := fcgi.WriteRaw(worker, rec); err != nil {
			_ = worker.Close()
			r.log.Debug().Err(err).Str("socket", handle.SocketPath).Msg("replay to worker failed")
			return OutcomeAborted, err
		}
	}

	log := r.log.With().Str("session", handle.SessionID).Int("pid", handle.Pid).Logger()
	if handle.Spawned {
		log.Debug().Str("socket", handle.SocketPath).Msg("relaying to new worker")
	}
	if err := r.pump(upstream, worker); err != nil {
		log.Debug().Err(err).Msg("relay ended early")
		return OutcomeAborted, err
	}
	log.Debug().Int("replayed", len(buffered)).Msg("request relayed")
	return OutcomeRelayed, nil
}

// readPreamble buffers records until the parameter stream is complete or a
// record other than BEGIN_REQUEST/PARAMS arrives.
func (r *Router) readPreamble(upstream net.Conn) ([]fcgi.Record, fcgi.Params, error) {
	var (
		records []fcgi.Record
		content []byte
	)
	for {
		r.armDeadline(upstream)
		rec, err := fcgi.ReadRecord(upstream)
		if err != nil {
			return nil, nil, err
		}
		records = append(records, rec)
		if rec.Type == fcgi.TypeBeginRequest {
			continue
		}
		if rec.Type != fcgi.TypeParams || rec.IsEndOfParams() {
			break
		}
		content = append(content, rec.Content...)
	}

	params, err := fcgi.DecodeParams(content)
	if err != nil {
		// The worker sees the same bytes; route on what decoded.
		r.log.Debug().Err(err).Int("decoded", len(params)).Msg("partial params")
	}
	return records, params, nil
}

func (r *Router) retryDelay(attempt int) time.Duration {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	return NextBackoffDelay(r.cfg.Backoff, attempt, r.rng)
}

func (r *Router) dialWorker(ctx context.Context, socketPath string) (net.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.ConnectAttempts; attempt++ {
		conn, err := r.cfg.Dial(ctx, socketPath)
		if err == nil {
			observability.RecordConnectAttempts(attempt)
			return conn, nil
		}
		lastErr = err
		if attempt == r.cfg.ConnectAttempts {
			break
		}
		timer := time.NewTimer(r.retryDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %s: %w", ErrWorkerUnreachable, socketPath, ctx.Err())
		case <-timer.C:
		}
	}
	observability.RecordConnectAttempts(r.cfg.ConnectAttempts)
	return nil, fmt.Errorf("%w: %s after %d attempts: %w", ErrWorkerUnreachable, socketPath, r.cfg.ConnectAttempts, lastErr)
}

// pump copies records both ways until the worker ends the request or either
// side fails. Both connections are closed on return.
func (r *Router) pump(upstream, worker net.Conn) error {
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			_ = upstream.Close()
			_ = worker.Close()
		})
	}

	errs := make(chan error, 2)
	go func() {
		errs <- r.copyRecords(worker, upstream, false)
		closeBoth()
	}()
	go func() {
		errs <- r.copyRecords(upstream, worker, true)
		closeBoth()
	}()

	first := <-errs
	<-errs
	return first
}

func (r *Router) copyRecords(dst io.Writer, src net.Conn, stopAtEnd bool) error {
	for {
		r.armDeadline(src)
		rec, err := fcgi.ReadRecord(src)
		if err != nil {
			return err
		}
		if err := fcgi.WriteRaw(dst, rec); err != nil {
			return err
		}
		if stopAtEnd && rec.Type == fcgi.TypeEndRequest {
			return nil
		}
	}
}

func (r *Router) armDeadline(c net.Conn) {
	if r.cfg.IdleTimeout > 0 {
		_ = c.SetReadDeadline(time.Now().Add(r.cfg.IdleTimeout))
	}
}

func remoteAddr(c net.Conn) string {
	if a := c.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}
