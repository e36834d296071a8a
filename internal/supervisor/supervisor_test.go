package supervisor

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/fcgirelay/internal/testutil/testlog"
)

type fakeProcess struct {
	pid  int
	done chan error
	once sync.Once
}

func (p *fakeProcess) Pid() int    { return p.pid }
func (p *fakeProcess) Wait() error { return <-p.done }
func (p *fakeProcess) Signal(os.Signal) error {
	p.exit(nil)
	return nil
}

func (p *fakeProcess) exit(err error) {
	p.once.Do(func() {
		p.done <- err
		close(p.done)
	})
}

type fakeSpawner struct {
	mu    sync.Mutex
	next  int
	fail  error
	procs []*fakeProcess
	specs []WorkerSpec
	// samePid makes every worker report this pid, the way the kernel can
	// hand a freed pid to the next fork.
	samePid int
	// gate, when set, parks Spawn after announcing itself on entered.
	gate    chan struct{}
	entered chan struct{}
}

func (f *fakeSpawner) Spawn(_ context.Context, spec WorkerSpec) (Process, error) {
	f.mu.Lock()
	gate, entered := f.gate, f.entered
	f.mu.Unlock()
	if gate != nil {
		entered <- struct{}{}
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	f.next++
	pid := 1000 + f.next
	if f.samePid != 0 {
		pid = f.samePid
	}
	p := &fakeProcess{pid: pid, done: make(chan error, 1)}
	f.procs = append(f.procs, p)
	f.specs = append(f.specs, spec)
	return p, nil
}

func (f *fakeSpawner) hold() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
	f.entered = make(chan struct{}, 1)
}

func (f *fakeSpawner) release() {
	f.mu.Lock()
	gate := f.gate
	f.gate = nil
	f.mu.Unlock()
	close(gate)
}

func (f *fakeSpawner) nth(i int) *fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[i]
}

func (f *fakeSpawner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.procs)
}

func (f *fakeSpawner) proc(pid int) *fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.procs {
		if p.pid == pid {
			return p
		}
	}
	return nil
}

type fixedIDs struct {
	mu  sync.Mutex
	ids []string
}

func (f *fixedIDs) NewID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.ids[0]
	f.ids = f.ids[1:]
	return id
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestSupervisor(t *testing.T, cfg Config) (*Supervisor, *fakeSpawner, *testlog.Capture) {
	t.Helper()
	testlog.Start(t)
	sp := &fakeSpawner{}
	capture := testlog.NewCapture()
	cfg.Spawner = sp
	cfg.Logger = capture.Logger()
	cfg.Rand = rand.New(rand.NewSource(1))
	if cfg.RunDir == "" {
		cfg.RunDir = t.TempDir()
	}
	sup, err := New(cfg)
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = sup.Close(context.Background()) })
	return sup, sp, capture
}

func TestDedicatedResolveSpawnsOnceAndReuses(t *testing.T) {
	sup, sp, _ := newTestSupervisor(t, Config{
		Policy:      PolicyDedicated,
		MaxSessions: 10,
		IDs:         &fixedIDs{ids: []string{"AAAABBBBCCCCDDDD"}},
	})

	first, err := sup.Resolve(context.Background(), "")
	if err != nil {
		t.Fatalf("resolve new: %v", err)
	}
	if !first.Spawned || first.SessionID != "AAAABBBBCCCCDDDD" {
		t.Fatalf("unexpected handle: %+v", first)
	}
	if first.SocketPath != filepath.Join(sup.cfg.RunDir, "AAAABBBBCCCCDDDD") {
		t.Fatalf("unexpected socket path: %q", first.SocketPath)
	}

	second, err := sup.Resolve(context.Background(), first.SessionID)
	if err != nil {
		t.Fatalf("resolve existing: %v", err)
	}
	if second.Spawned || second.SocketPath != first.SocketPath || second.Pid != first.Pid {
		t.Fatalf("expected reuse, got %+v", second)
	}
	if sp.count() != 1 {
		t.Fatalf("expected one spawn, got %d", sp.count())
	}
	if spec := sp.specs[0]; spec.SessionID != first.SessionID || spec.SocketPath != first.SocketPath || spec.Pool {
		t.Fatalf("unexpected worker spec: %+v", spec)
	}
}

func TestDedicatedResolveUnknownIDKeepsIt(t *testing.T) {
	sup, sp, _ := newTestSupervisor(t, Config{Policy: PolicyDedicated, MaxSessions: 10})

	h, err := sup.Resolve(context.Background(), "expiredSession01")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if h.SessionID != "expiredSession01" || !h.Spawned || sp.count() != 1 {
		t.Fatalf("unexpected handle: %+v", h)
	}
}

func TestDedicatedResolveRejectsInvalidID(t *testing.T) {
	sup, sp, _ := newTestSupervisor(t, Config{Policy: PolicyDedicated, MaxSessions: 10})
	_, err := sup.Resolve(context.Background(), "../../etc/passwd")
	if !errors.Is(err, ErrInvalidSessionID) {
		t.Fatalf("expected ErrInvalidSessionID, got %v", err)
	}
	if sp.count() != 0 {
		t.Fatalf("no worker should be spawned")
	}
}

func TestDedicatedCapacity(t *testing.T) {
	sup, sp, _ := newTestSupervisor(t, Config{Policy: PolicyDedicated, MaxSessions: 2})

	for i := 0; i < 2; i++ {
		if _, err := sup.Resolve(context.Background(), ""); err != nil {
			t.Fatalf("resolve %d: %v", i, err)
		}
	}
	if _, err := sup.Resolve(context.Background(), ""); !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected ErrCapacity, got %v", err)
	}
	if sp.count() != 2 {
		t.Fatalf("capacity rejection must not spawn, spawns=%d", sp.count())
	}

	// Existing sessions still resolve at capacity.
	live := sup.Sessions()
	if _, err := sup.Resolve(context.Background(), live[0].ID); err != nil {
		t.Fatalf("existing session at capacity: %v", err)
	}
}

func TestDedicatedSpawnFailureIsFatal(t *testing.T) {
	sup, sp, _ := newTestSupervisor(t, Config{Policy: PolicyDedicated, MaxSessions: 2})
	sp.fail = errors.New("exec: no such file")

	_, err := sup.Resolve(context.Background(), "")
	if !errors.Is(err, ErrSpawn) {
		t.Fatalf("expected ErrSpawn, got %v", err)
	}
	select {
	case ferr := <-sup.Fatal():
		if !errors.Is(ferr, ErrSpawn) {
			t.Fatalf("unexpected fatal error: %v", ferr)
		}
	case <-time.After(time.Second):
		t.Fatalf("spawn failure not reported as fatal")
	}
	if len(sup.Sessions()) != 0 {
		t.Fatalf("failed spawn must not register a session")
	}
}

func TestDedicatedReaperRemovesSessionAndSocket(t *testing.T) {
	sup, sp, capture := newTestSupervisor(t, Config{Policy: PolicyDedicated, MaxSessions: 2})

	h, err := sup.Resolve(context.Background(), "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	l, err := net.Listen("unix", h.SocketPath)
	if err != nil {
		t.Fatalf("bind fake worker socket: %v", err)
	}
	// Leave the socket file behind the way a crashed worker would.
	l.(*net.UnixListener).SetUnlinkOnClose(false)
	_ = l.Close()

	sp.proc(h.Pid).exit(&ExitError{Pid: h.Pid, Signal: "killed"})
	waitFor(t, "session removal", func() bool {
		_, ok := sup.Lookup(h.SessionID)
		return !ok
	})
	waitFor(t, "socket removal", func() bool {
		_, err := os.Stat(h.SocketPath)
		return os.IsNotExist(err)
	})
	if len(capture.Lines("session worker reaped", h.SessionID)) != 1 {
		t.Fatalf("expected one reap record")
	}

	// A reaped id spawns a fresh worker on the next request.
	again, err := sup.Resolve(context.Background(), h.SessionID)
	if err != nil || !again.Spawned {
		t.Fatalf("expected respawn for reaped id: %+v %v", again, err)
	}
}

func TestDedicatedReaperMatchesWorkerNotPid(t *testing.T) {
	sup, sp, capture := newTestSupervisor(t, Config{
		Policy:      PolicyDedicated,
		MaxSessions: 10,
		IDs:         &fixedIDs{ids: []string{"AAAAAAAAAAAAAAAA", "BBBBBBBBBBBBBBBB"}},
	})
	sp.samePid = 777

	a, err := sup.Resolve(context.Background(), "")
	if err != nil {
		t.Fatalf("resolve a: %v", err)
	}
	b, err := sup.Resolve(context.Background(), "")
	if err != nil {
		t.Fatalf("resolve b: %v", err)
	}
	if a.Pid != b.Pid {
		t.Fatalf("both workers should share pid 777: %d %d", a.Pid, b.Pid)
	}

	sp.nth(0).exit(&ExitError{Pid: 777, Code: 1})
	waitFor(t, "reap of first worker", func() bool {
		_, ok := sup.Lookup(a.SessionID)
		return !ok
	})
	live := sup.Sessions()
	if len(live) != 1 || live[0].ID != b.SessionID {
		t.Fatalf("the second worker must stay registered: %+v", live)
	}
	if len(capture.Lines("session worker reaped", b.SessionID)) != 0 {
		t.Fatalf("second session reaped by the first worker's exit")
	}

	// Retire reaches the second worker's own process.
	if err := sup.Retire(b.SessionID); err != nil {
		t.Fatalf("retire b: %v", err)
	}
	waitFor(t, "reap of second worker", func() bool { return len(sup.Sessions()) == 0 })
}

func TestDedicatedSpawnDoesNotBlockExistingSessions(t *testing.T) {
	sup, sp, _ := newTestSupervisor(t, Config{
		Policy:      PolicyDedicated,
		MaxSessions: 2,
		IDs:         &fixedIDs{ids: []string{"AAAAAAAAAAAAAAAA", "BBBBBBBBBBBBBBBB"}},
	})
	a, err := sup.Resolve(context.Background(), "")
	if err != nil {
		t.Fatalf("resolve a: %v", err)
	}

	sp.hold()
	type result struct {
		h   Handle
		err error
	}
	spawned := make(chan result, 1)
	go func() {
		h, err := sup.Resolve(context.Background(), "")
		spawned <- result{h, err}
	}()
	select {
	case <-sp.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("second spawn never started")
	}

	lookup := make(chan error, 1)
	go func() {
		h, err := sup.Resolve(context.Background(), a.SessionID)
		if err == nil && (h.Spawned || h.Pid != a.Pid) {
			err = errors.New("existing session was not reused")
		}
		lookup <- err
	}()
	select {
	case err := <-lookup:
		if err != nil {
			t.Fatalf("existing session during spawn: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("existing session lookup stalled behind a spawn")
	}
	if n := len(sup.Sessions()); n != 1 {
		t.Fatalf("in-flight spawn must not be listed yet, got %d sessions", n)
	}
	// The reserved slot counts against capacity.
	if _, err := sup.Resolve(context.Background(), ""); !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected ErrCapacity with a reserved slot, got %v", err)
	}

	sp.release()
	res := <-spawned
	if res.err != nil || !res.h.Spawned || res.h.SessionID != "BBBBBBBBBBBBBBBB" {
		t.Fatalf("unexpected spawn result: %+v %v", res.h, res.err)
	}
	if n := len(sup.Sessions()); n != 2 {
		t.Fatalf("expected 2 sessions, got %d", n)
	}
}

func TestRetireSignalsWorker(t *testing.T) {
	sup, _, _ := newTestSupervisor(t, Config{Policy: PolicyDedicated, MaxSessions: 2})
	h, err := sup.Resolve(context.Background(), "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := sup.Retire(h.SessionID); err != nil {
		t.Fatalf("retire: %v", err)
	}
	waitFor(t, "retired session removal", func() bool {
		_, ok := sup.Lookup(h.SessionID)
		return !ok
	})
	if err := sup.Retire(h.SessionID); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
}

func TestSharedPoolStartAndPick(t *testing.T) {
	sup, sp, _ := newTestSupervisor(t, Config{Policy: PolicyShared, PoolSize: 3, RestartCeiling: 5})

	if sp.count() != 3 {
		t.Fatalf("expected 3 pool members, got %d", sp.count())
	}
	pool := sup.Pool()
	sockets := make(map[string]bool)
	for _, m := range pool.Members {
		if !m.Alive {
			t.Fatalf("member should be alive: %+v", m)
		}
		if m.SocketPath != PoolSocketPath(sup.cfg.RunDir, m.Pid) {
			t.Fatalf("unexpected pool socket: %q", m.SocketPath)
		}
		sockets[m.SocketPath] = true
	}
	for _, spec := range sp.specs {
		if !spec.Pool || spec.RunDir != sup.cfg.RunDir {
			t.Fatalf("unexpected pool spec: %+v", spec)
		}
	}

	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		h, err := sup.Resolve(context.Background(), "ignoredSessionId")
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if !sockets[h.SocketPath] {
			t.Fatalf("resolved unknown socket %q", h.SocketPath)
		}
		seen[h.SocketPath] = true
	}
	if len(seen) != 3 {
		t.Fatalf("random pick should reach every member, saw %d", len(seen))
	}
	if sp.count() != 3 {
		t.Fatalf("shared resolve must never spawn")
	}
}

func TestSharedPoolRestartCeiling(t *testing.T) {
	sup, sp, capture := newTestSupervisor(t, Config{Policy: PolicyShared, PoolSize: 2, RestartCeiling: 5})

	for death := 1; death <= 6; death++ {
		var victim PoolMember
		for _, m := range sup.Pool().Members {
			if m.Alive {
				victim = m
				break
			}
		}
		sp.proc(victim.Pid).exit(&ExitError{Pid: victim.Pid, Code: 1})

		if death <= 5 {
			want := 2 + death
			waitFor(t, "respawn", func() bool { return sp.count() == want })
			continue
		}
		waitFor(t, "capacity loss", func() bool { return sup.Pool().Alive == 1 })
	}

	// Let any stray respawn surface before counting.
	time.Sleep(50 * time.Millisecond)
	if sp.count() != 2+5 {
		t.Fatalf("expected exactly 5 respawns, spawns=%d", sp.count())
	}
	pool := sup.Pool()
	if pool.Restarts != 5 || pool.AutoRestartEnabled {
		t.Fatalf("unexpected pool state: %+v", pool)
	}
	if n := len(capture.Lines("pool member replaced")); n != 5 {
		t.Fatalf("expected 5 replacement records, got %d", n)
	}
	if n := len(capture.Lines("auto-restart disabled")); n != 1 {
		t.Fatalf("expected one capacity-loss record, got %d", n)
	}

	// The remaining member still serves.
	if _, err := sup.Resolve(context.Background(), ""); err != nil {
		t.Fatalf("resolve with reduced pool: %v", err)
	}
}

func TestSharedPoolExhaustedIsCapacityError(t *testing.T) {
	sup, sp, _ := newTestSupervisor(t, Config{Policy: PolicyShared, PoolSize: 1, RestartCeiling: 0})

	pid := sup.Pool().Members[0].Pid
	sp.proc(pid).exit(nil)
	waitFor(t, "pool empty", func() bool { return sup.Pool().Alive == 0 })

	if _, err := sup.Resolve(context.Background(), ""); !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected ErrCapacity, got %v", err)
	}
}

func TestResolveBeforeStart(t *testing.T) {
	testlog.Start(t)
	sup, err := New(Config{Policy: PolicyDedicated, RunDir: t.TempDir(), Spawner: &fakeSpawner{}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := sup.Resolve(context.Background(), ""); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
}

func TestNewRejectsUnknownPolicy(t *testing.T) {
	testlog.Start(t)
	if _, err := New(Config{Policy: "roundrobin", Spawner: &fakeSpawner{}}); !errors.Is(err, ErrInvalidPolicy) {
		t.Fatalf("expected ErrInvalidPolicy, got %v", err)
	}
}

func TestCloseTerminatesWorkers(t *testing.T) {
	testlog.Start(t)
	sp := &fakeSpawner{}
	sup, err := New(Config{Policy: PolicyShared, PoolSize: 2, RunDir: t.TempDir(), Spawner: sp, Logger: testlog.NewCapture().Logger()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := sup.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if sp.count() != 2 {
		t.Fatalf("closing must not respawn, spawns=%d", sp.count())
	}
	if _, err := sup.Resolve(context.Background(), ""); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
