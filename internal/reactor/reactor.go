//go:build linux || darwin || freebsd || netbsd || openbsd

package reactor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/fcgirelay/internal/logging"
	"github.com/eapache/queue"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

var (
	ErrClosed    = errors.New("reactor: closed")
	ErrInvalidFD = errors.New("reactor: invalid descriptor")
)

// Kind selects one of the three watch sets.
type Kind uint8

const (
	Read Kind = iota
	Write
	Except
	numKinds
)

func (k Kind) String() string {
	switch k {
	case Read:
		return "read"
	case Write:
		return "write"
	case Except:
		return "except"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func (k Kind) pollEvents() int16 {
	switch k {
	case Write:
		return unix.POLLOUT
	case Except:
		return unix.POLLPRI
	default:
		return unix.POLLIN
	}
}

// Config configures a Reactor.
type Config struct {
	Logger zerolog.Logger
	// ErrorPause throttles the loop after a failed poll.
	ErrorPause time.Duration
}

func DefaultConfig() Config {
	return Config{
		Logger:     logging.Component("reactor"),
		ErrorPause: 10 * time.Millisecond,
	}
}

type watchKey struct {
	fd   int
	kind Kind
}

type readyCall struct {
	key watchKey
	fn  func()
}

// Reactor multiplexes readiness for registered descriptors.
type Reactor struct {
	cfg  Config
	log  zerolog.Logger
	mu   sync.Mutex
	cond *sync.Cond
	sets [numKinds]map[int]func()

	wakeR int
	wakeW int

	// requested counts recorded removals; completed is the requested value
	// observed at the start of the last fully dispatched cycle.
	requested uint64
	completed uint64

	closed    bool
	stopped   bool
	fdsClosed bool
	done      chan struct{}
	closeOnce sync.Once
}

// New starts a reactor goroutine.
func New(cfg Config) (*Reactor, error) {
	if cfg.ErrorPause <= 0 {
		cfg.ErrorPause = DefaultConfig().ErrorPause
	}
	pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("reactor: socketpair: %w", err)
	}
	for _, fd := range pair {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(pair[0])
			_ = unix.Close(pair[1])
			return nil, fmt.Errorf("reactor: nonblock: %w", err)
		}
	}

	r := &Reactor{
		cfg:   cfg,
		log:   cfg.Logger,
		wakeR: pair[0],
		wakeW: pair[1],
		done:  make(chan struct{}),
	}
	r.cond = sync.NewCond(&r.mu)
	for k := range r.sets {
		r.sets[k] = make(map[int]func())
	}
	go r.run()
	return r, nil
}

// AddWatch registers onReady for the next readiness of fd in kind's set,
// replacing any previous registration for the same pair.
func (r *Reactor) AddWatch(fd int, kind Kind, onReady func()) error {
	if fd < 0 || kind >= numKinds || onReady == nil {
		return ErrInvalidFD
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.sets[kind][fd] = onReady
	r.wakeLocked()
	r.mu.Unlock()
	return nil
}

// RemoveWatch drops the registration for fd in kind's set and blocks until the
// reactor has completed a cycle that began after the removal. It reports
// whether a registration was present.
func (r *Reactor) RemoveWatch(fd int, kind Kind) bool {
	if kind >= numKinds {
		return false
	}
	r.mu.Lock()
	_, found := r.sets[kind][fd]
	delete(r.sets[kind], fd)
	if r.stopped {
		r.mu.Unlock()
		return found
	}
	r.requested++
	target := r.requested
	r.wakeLocked()
	for r.completed < target && !r.stopped {
		r.cond.Wait()
	}
	r.mu.Unlock()
	return found
}

// Len returns the number of live registrations across all sets.
func (r *Reactor) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, set := range r.sets {
		n += len(set)
	}
	return n
}

// Close stops the loop and waits for any in-flight callbacks to return.
func (r *Reactor) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.wakeLocked()
		r.mu.Unlock()
		<-r.done

		r.mu.Lock()
		r.fdsClosed = true
		_ = unix.Close(r.wakeW)
		_ = unix.Close(r.wakeR)
		r.mu.Unlock()
	})
	return nil
}

// wakeLocked interrupts a blocked poll. Must hold r.mu.
func (r *Reactor) wakeLocked() {
	if r.fdsClosed {
		return
	}
	for {
		_, err := unix.Write(r.wakeW, []byte{1})
		if err == unix.EINTR {
			continue
		}
		// EAGAIN means a wake is already pending.
		return
	}
}

// drainWake empties the wake descriptor. Must hold r.mu.
func (r *Reactor) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(r.wakeR, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil || n < len(buf) {
			return
		}
	}
}

func (r *Reactor) run() {
	defer close(r.done)

	fds := make([]unix.PollFd, 0, 16)
	keys := make([]watchKey, 0, 16)
	ready := queue.New()

	for {
		r.mu.Lock()
		if r.closed {
			r.stopped = true
			r.cond.Broadcast()
			r.mu.Unlock()
			return
		}
		// Drain before the snapshot: a wake written after this point stays
		// pending and makes the next poll return at once.
		r.drainWake()
		cycle := r.requested
		fds = append(fds[:0], unix.PollFd{Fd: int32(r.wakeR), Events: unix.POLLIN})
		keys = append(keys[:0], watchKey{fd: -1})
		for kind, set := range r.sets {
			for fd := range set {
				fds = append(fds, unix.PollFd{Fd: int32(fd), Events: Kind(kind).pollEvents()})
				keys = append(keys, watchKey{fd: fd, kind: Kind(kind)})
			}
		}
		r.mu.Unlock()

		_, err := unix.Poll(fds, -1)
		if err != nil && err != unix.EINTR {
			r.log.Warn().Err(err).Int("fds", len(fds)).Msg("reactor poll failed")
			time.Sleep(r.cfg.ErrorPause)
		}
		if err == nil {
			r.mu.Lock()
			for i := 1; i < len(fds); i++ {
				if fds[i].Revents == 0 {
					continue
				}
				key := keys[i]
				fn, ok := r.sets[key.kind][key.fd]
				if !ok {
					continue
				}
				delete(r.sets[key.kind], key.fd)
				ready.Add(readyCall{key: key, fn: fn})
			}
			r.mu.Unlock()

			for ready.Length() > 0 {
				r.dispatch(ready.Remove().(readyCall))
			}
		}

		r.mu.Lock()
		r.completed = cycle
		r.cond.Broadcast()
		r.mu.Unlock()
	}
}

func (r *Reactor) dispatch(call readyCall) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Int("fd", call.key.fd).Stringer("kind", call.key.kind).
				Interface("panic", p).Msg("reactor callback panicked")
		}
	}()
	call.fn()
}
