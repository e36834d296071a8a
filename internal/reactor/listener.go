//go:build linux || darwin || freebsd || netbsd || openbsd

package reactor

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
)

var ErrNoDescriptor = errors.New("reactor: listener exposes no descriptor")

// Listener gates Accept on read readiness reported by a Reactor.
//
// The Listener owns the wrapped listener's lifetime: the descriptor number
// read at Listen stays valid until Close, and callers must not close the
// wrapped listener themselves. Close removes the watch and then releases the
// descriptor while holding fdMu, the same lock Accept registers under, so a
// reused descriptor number never gets watched or inherits a stale callback.
type Listener struct {
	net.Listener
	r      *Reactor
	fd     int
	closed chan struct{}

	acceptMu  sync.Mutex
	fdMu      sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// Listen wraps l, which must expose its descriptor through syscall.Conn.
func (r *Reactor) Listen(l net.Listener) (*Listener, error) {
	sc, ok := l.(syscall.Conn)
	if !ok {
		return nil, ErrNoDescriptor
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("reactor: syscall conn: %w", err)
	}
	// The number outlives Control; see the Listener ownership rule.
	fd := -1
	if err := rc.Control(func(raw uintptr) { fd = int(raw) }); err != nil {
		return nil, fmt.Errorf("reactor: listener fd: %w", err)
	}
	if fd < 0 {
		return nil, ErrNoDescriptor
	}
	return &Listener{Listener: l, r: r, fd: fd, closed: make(chan struct{})}, nil
}

// Accept waits for the reactor to report a pending connection, then accepts it.
func (l *Listener) Accept() (net.Conn, error) {
	l.acceptMu.Lock()
	defer l.acceptMu.Unlock()

	ready := make(chan struct{})
	if err := l.watch(ready); err != nil {
		return nil, err
	}
	select {
	case <-ready:
	case <-l.closed:
		return nil, net.ErrClosed
	}
	return l.Listener.Accept()
}

func (l *Listener) watch(ready chan struct{}) error {
	l.fdMu.Lock()
	defer l.fdMu.Unlock()
	select {
	case <-l.closed:
		return net.ErrClosed
	default:
	}
	if err := l.r.AddWatch(l.fd, Read, func() { close(ready) }); err != nil {
		if errors.Is(err, ErrClosed) {
			return net.ErrClosed
		}
		return err
	}
	return nil
}

func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.fdMu.Lock()
		defer l.fdMu.Unlock()
		l.r.RemoveWatch(l.fd, Read)
		l.closeErr = l.Listener.Close()
	})
	return l.closeErr
}
