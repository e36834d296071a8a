package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/fcgirelay/internal/logging"
	"github.com/danmuck/fcgirelay/internal/observability"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

var (
	ErrCapacity         = errors.New("supervisor: capacity exhausted")
	ErrSpawn            = errors.New("supervisor: spawn failed")
	ErrNotStarted       = errors.New("supervisor: not started")
	ErrClosed           = errors.New("supervisor: closed")
	ErrUnknownSession   = errors.New("supervisor: unknown session")
	ErrInvalidSessionID = errors.New("supervisor: invalid session id")
	ErrInvalidPolicy    = errors.New("supervisor: invalid policy")
)

// Policy selects how requests map to worker processes.
type Policy string

const (
	PolicyDedicated Policy = "dedicated"
	PolicyShared    Policy = "shared"
)

// Config configures a Supervisor.
type Config struct {
	Policy         Policy
	RunDir         string
	MaxSessions    int
	PoolSize       int
	RestartCeiling int
	StopTimeout    time.Duration
	Spawner        Spawner
	IDs            IDGenerator
	Logger         zerolog.Logger
	Rand           *rand.Rand
}

func DefaultConfig() Config {
	return Config{
		Policy:         PolicyDedicated,
		RunDir:         "/var/run/fcgirelay",
		MaxSessions:    100,
		PoolSize:       1,
		RestartCeiling: 5,
		StopTimeout:    5 * time.Second,
		IDs:            RandomIDs{Length: 16},
		Logger:         logging.Component("supervisor"),
	}
}

// Handle is a resolved worker endpoint.
type Handle struct {
	SessionID  string
	SocketPath string
	Pid        int
	// Spawned is set when Resolve started the worker.
	Spawned bool
}

// Session is a dedicated-policy registry entry.
type Session struct {
	ID         string    `json:"id"`
	SocketPath string    `json:"socket_path"`
	Pid        int       `json:"pid"`
	CreatedAt  time.Time `json:"created_at"`
}

// PoolMember is a shared-policy pool slot.
type PoolMember struct {
	Pid        int    `json:"pid"`
	SocketPath string `json:"socket_path"`
	Alive      bool   `json:"alive"`
}

// PoolStatus summarizes the shared pool.
type PoolStatus struct {
	Members            []PoolMember `json:"members"`
	Alive              int          `json:"alive"`
	Restarts           int          `json:"restarts"`
	RestartCeiling     int          `json:"restart_ceiling"`
	AutoRestartEnabled bool         `json:"auto_restart_enabled"`
}

// child is one started worker. Exit events carry the child itself, so a pid
// reused by a later worker can never be mistaken for the one that died.
type child struct {
	proc    Process
	pid     int
	session string
	member  *PoolMember
}

type exitEvent struct {
	child *child
	err   error
}

// Supervisor owns every worker registry. All mutation happens under mu, and
// exit-driven mutation happens only on the reaper goroutine. Spawning runs
// outside mu against a reserved slot.
type Supervisor struct {
	cfg Config
	log zerolog.Logger
	rng *rand.Rand

	mu             sync.Mutex
	started        bool
	closing        bool
	sessions       map[string]*Session
	sessionWorkers map[string]*child
	pending        map[string]chan struct{}
	members        []*PoolMember
	children       map[*child]struct{}
	restarts       int
	autoRestart    bool
	spawning       sync.WaitGroup

	exits    chan exitEvent
	stop     chan struct{}
	reaped   chan struct{}
	fatal    chan error
	stopOnce sync.Once
}

func New(cfg Config) (*Supervisor, error) {
	def := DefaultConfig()
	switch cfg.Policy {
	case PolicyDedicated, PolicyShared:
	case "":
		cfg.Policy = def.Policy
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidPolicy, cfg.Policy)
	}
	if strings.TrimSpace(cfg.RunDir) == "" {
		cfg.RunDir = def.RunDir
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = def.PoolSize
	}
	if cfg.RestartCeiling < 0 {
		cfg.RestartCeiling = 0
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	if cfg.IDs == nil {
		cfg.IDs = def.IDs
	}
	if cfg.Spawner == nil {
		return nil, errors.New("supervisor: spawner required")
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Supervisor{
		cfg:            cfg,
		log:            cfg.Logger.With().Str("policy", string(cfg.Policy)).Logger(),
		rng:            rng,
		sessions:       make(map[string]*Session),
		sessionWorkers: make(map[string]*child),
		pending:        make(map[string]chan struct{}),
		children:       make(map[*child]struct{}),
		autoRestart:    true,
		exits:          make(chan exitEvent),
		stop:           make(chan struct{}),
		reaped:         make(chan struct{}),
		fatal:          make(chan error, 1),
	}, nil
}

func (s *Supervisor) Policy() Policy {
	return s.cfg.Policy
}

// Fatal delivers the first unrecoverable error (a failed spawn).
func (s *Supervisor) Fatal() <-chan error {
	return s.fatal
}

// Start launches the reaper and, under the shared policy, the pool.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	go s.reapLoop()
	observability.SetAutoRestart(true)

	if s.cfg.Policy != PolicyShared {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < s.cfg.PoolSize; i++ {
		member, err := s.spawnMemberLocked(ctx)
		if err != nil {
			return err
		}
		s.members = append(s.members, member)
	}
	s.log.Info().Int("pool_size", s.cfg.PoolSize).Msg("supervisor pool started")
	observability.SetPoolAlive(s.aliveLocked())
	return nil
}

// Resolve maps a session id (possibly empty) to a worker, spawning one when
// the policy requires it.
func (s *Supervisor) Resolve(ctx context.Context, sessionID string) (Handle, error) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return Handle{}, ErrNotStarted
	}
	if s.closing {
		s.mu.Unlock()
		return Handle{}, ErrClosed
	}
	if s.cfg.Policy == PolicyShared {
		defer s.mu.Unlock()
		return s.pickMemberLocked()
	}
	if sessionID != "" && !ValidID(sessionID) {
		s.mu.Unlock()
		return Handle{}, fmt.Errorf("%w: %q", ErrInvalidSessionID, sessionID)
	}
	return s.resolveSession(ctx, sessionID)
}

// resolveSession is entered with s.mu held and returns with it released.
func (s *Supervisor) resolveSession(ctx context.Context, sessionID string) (Handle, error) {
	for sessionID != "" {
		if sess, ok := s.sessions[sessionID]; ok {
			s.mu.Unlock()
			return Handle{SessionID: sess.ID, SocketPath: sess.SocketPath, Pid: sess.Pid}, nil
		}
		wait, ok := s.pending[sessionID]
		if !ok {
			break
		}
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return Handle{}, ctx.Err()
		}
		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			return Handle{}, ErrClosed
		}
	}
	if live := len(s.sessions) + len(s.pending); s.cfg.MaxSessions > 0 && live >= s.cfg.MaxSessions {
		s.mu.Unlock()
		return Handle{}, fmt.Errorf("%w: %d sessions live, max %d", ErrCapacity, live, s.cfg.MaxSessions)
	}
	if sessionID == "" {
		sessionID = s.cfg.IDs.NewID()
		for s.sessions[sessionID] != nil || s.pending[sessionID] != nil {
			sessionID = s.cfg.IDs.NewID()
		}
	}
	reserved := make(chan struct{})
	s.pending[sessionID] = reserved
	s.spawning.Add(1)
	s.mu.Unlock()
	defer s.spawning.Done()

	path := DedicatedSocketPath(s.cfg.RunDir, sessionID)
	proc, err := s.cfg.Spawner.Spawn(ctx, WorkerSpec{SessionID: sessionID, SocketPath: path, RunDir: s.cfg.RunDir})

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, sessionID)
	close(reserved)
	if err != nil {
		return Handle{}, s.spawnFailed(err)
	}
	c := s.trackLocked(&child{proc: proc, pid: proc.Pid(), session: sessionID})
	sess := &Session{ID: sessionID, SocketPath: path, Pid: c.pid, CreatedAt: time.Now()}
	s.sessions[sessionID] = sess
	s.sessionWorkers[sessionID] = c

	observability.RecordSpawn(string(s.cfg.Policy))
	observability.SetSessions(len(s.sessions))
	s.log.Info().Str("session", sessionID).Int("pid", c.pid).Str("socket", path).Msg("session worker spawned")
	if s.closing {
		return Handle{}, ErrClosed
	}
	return Handle{SessionID: sessionID, SocketPath: path, Pid: c.pid, Spawned: true}, nil
}

func (s *Supervisor) pickMemberLocked() (Handle, error) {
	alive := make([]*PoolMember, 0, len(s.members))
	for _, m := range s.members {
		if m.Alive {
			alive = append(alive, m)
		}
	}
	if len(alive) == 0 {
		return Handle{}, fmt.Errorf("%w: no live pool members", ErrCapacity)
	}
	m := alive[s.rng.Intn(len(alive))]
	return Handle{SocketPath: m.SocketPath, Pid: m.Pid}, nil
}

// trackLocked registers a started child and begins watching it.
func (s *Supervisor) trackLocked(c *child) *child {
	s.children[c] = struct{}{}
	go s.watch(c)
	return c
}

func (s *Supervisor) spawnMemberLocked(ctx context.Context) (*PoolMember, error) {
	proc, err := s.cfg.Spawner.Spawn(ctx, WorkerSpec{RunDir: s.cfg.RunDir, Pool: true})
	if err != nil {
		return nil, s.spawnFailed(err)
	}
	return s.adoptMemberLocked(proc), nil
}

func (s *Supervisor) adoptMemberLocked(proc Process) *PoolMember {
	pid := proc.Pid()
	member := &PoolMember{Pid: pid, SocketPath: PoolSocketPath(s.cfg.RunDir, pid), Alive: true}
	s.trackLocked(&child{proc: proc, pid: pid, member: member})
	observability.RecordSpawn(string(s.cfg.Policy))
	return member
}

func (s *Supervisor) spawnFailed(err error) error {
	wrapped := fmt.Errorf("%w: %w", ErrSpawn, err)
	s.log.Error().Err(err).Msg("worker spawn failed")
	select {
	case s.fatal <- wrapped:
	default:
	}
	return wrapped
}

// watch is the only work done on exit notification: forward the child.
func (s *Supervisor) watch(c *child) {
	err := c.proc.Wait()
	select {
	case s.exits <- exitEvent{child: c, err: err}:
	case <-s.stop:
	}
}

func (s *Supervisor) reapLoop() {
	defer close(s.reaped)
	for {
		select {
		case ev := <-s.exits:
			s.reap(ev)
		case <-s.stop:
			return
		}
	}
}

func (s *Supervisor) reap(ev exitEvent) {
	observability.RecordExit(string(s.cfg.Policy))
	if ev.child.member != nil {
		s.reapMember(ev)
		return
	}

	s.mu.Lock()
	delete(s.children, ev.child)
	var sess *Session
	if id := ev.child.session; s.sessionWorkers[id] == ev.child {
		sess = s.sessions[id]
		delete(s.sessions, id)
		delete(s.sessionWorkers, id)
	}
	observability.SetSessions(len(s.sessions))
	s.mu.Unlock()

	if sess == nil {
		s.log.Debug().Int("pid", ev.child.pid).AnErr("exit", ev.err).Msg("reaped unknown worker")
		return
	}
	if err := RemoveSocket(sess.SocketPath); err != nil {
		s.log.Warn().Err(err).Str("socket", sess.SocketPath).Msg("stale socket removal failed")
	}
	s.log.Info().Str("session", sess.ID).Int("pid", ev.child.pid).AnErr("exit", ev.err).
		Dur("lifetime", time.Since(sess.CreatedAt)).Msg("session worker reaped")
}

func (s *Supervisor) reapMember(ev exitEvent) {
	pid := ev.child.pid
	s.mu.Lock()
	delete(s.children, ev.child)
	idx := -1
	for i, m := range s.members {
		if m == ev.child.member {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	dead := s.members[idx]
	dead.Alive = false
	if err := RemoveSocket(dead.SocketPath); err != nil {
		s.log.Warn().Err(err).Str("socket", dead.SocketPath).Msg("stale socket removal failed")
	}
	if s.closing {
		observability.SetPoolAlive(s.aliveLocked())
		s.mu.Unlock()
		return
	}

	if !s.autoRestart || s.restarts >= s.cfg.RestartCeiling {
		s.autoRestart = false
		alive := s.aliveLocked()
		observability.SetAutoRestart(false)
		observability.SetPoolAlive(alive)
		s.mu.Unlock()
		s.log.Warn().Int("pid", pid).AnErr("exit", ev.err).Int("alive", alive).
			Int("pool_size", s.cfg.PoolSize).Int("ceiling", s.cfg.RestartCeiling).
			Msg("pool member lost, auto-restart disabled")
		return
	}

	// Only the reaper replaces members, so idx stays valid while unlocked.
	s.restarts++
	s.spawning.Add(1)
	s.mu.Unlock()
	defer s.spawning.Done()
	proc, err := s.cfg.Spawner.Spawn(context.Background(), WorkerSpec{RunDir: s.cfg.RunDir, Pool: true})

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.restarts--
		_ = s.spawnFailed(err)
		observability.SetPoolAlive(s.aliveLocked())
		return
	}
	member := s.adoptMemberLocked(proc)
	s.members[idx] = member
	observability.RecordRestart()
	observability.SetPoolAlive(s.aliveLocked())
	s.log.Info().Int("old_pid", pid).Int("pid", member.Pid).AnErr("exit", ev.err).
		Int("restarts", s.restarts).Int("ceiling", s.cfg.RestartCeiling).Msg("pool member replaced")
}

func (s *Supervisor) aliveLocked() int {
	n := 0
	for _, m := range s.members {
		if m.Alive {
			n++
		}
	}
	return n
}

// Retire asks a session's worker to terminate. The entry disappears when the
// reaper observes the exit.
func (s *Supervisor) Retire(sessionID string) error {
	s.mu.Lock()
	c, ok := s.sessionWorkers[sessionID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSession, sessionID)
	}
	s.log.Info().Str("session", sessionID).Int("pid", c.pid).Msg("retiring session worker")
	return c.proc.Signal(unix.SIGTERM)
}

// Lookup returns the live session for id.
func (s *Supervisor) Lookup(sessionID string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// Sessions returns a snapshot of live sessions ordered by creation time.
func (s *Supervisor) Sessions() []Session {
	s.mu.Lock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Pool returns a snapshot of the shared pool.
func (s *Supervisor) Pool() PoolStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := make([]PoolMember, 0, len(s.members))
	for _, m := range s.members {
		members = append(members, *m)
	}
	return PoolStatus{
		Members:            members,
		Alive:              s.aliveLocked(),
		Restarts:           s.restarts,
		RestartCeiling:     s.cfg.RestartCeiling,
		AutoRestartEnabled: s.autoRestart,
	}
}

// Close terminates every worker, waits for them to be reaped (escalating to
// SIGKILL after StopTimeout or ctx expiry) and stops the reaper.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	started := s.started
	s.mu.Unlock()

	if !started {
		return nil
	}
	s.spawning.Wait()
	s.mu.Lock()
	procs := s.procSnapshotLocked()
	s.mu.Unlock()
	for _, p := range procs {
		_ = p.Signal(unix.SIGTERM)
	}

	timer := time.NewTimer(s.cfg.StopTimeout)
	defer timer.Stop()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	killed := false
	for {
		s.mu.Lock()
		remaining := s.procSnapshotLocked()
		s.mu.Unlock()
		if len(remaining) == 0 {
			break
		}
		select {
		case <-tick.C:
			continue
		case <-ctx.Done():
		case <-timer.C:
		}
		if killed {
			s.log.Warn().Int("remaining", len(remaining)).Msg("workers did not exit")
			break
		}
		killed = true
		for _, p := range remaining {
			_ = p.Signal(unix.SIGKILL)
		}
		timer.Reset(s.cfg.StopTimeout)
	}

	s.stopOnce.Do(func() { close(s.stop) })
	<-s.reaped

	s.mu.Lock()
	for _, sess := range s.sessions {
		_ = RemoveSocket(sess.SocketPath)
	}
	for _, m := range s.members {
		_ = RemoveSocket(m.SocketPath)
	}
	s.mu.Unlock()
	s.log.Info().Msg("supervisor stopped")
	return nil
}

func (s *Supervisor) procSnapshotLocked() []Process {
	out := make([]Process, 0, len(s.children))
	for c := range s.children {
		out = append(out, c.proc)
	}
	return out
}
