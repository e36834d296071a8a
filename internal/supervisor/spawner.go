package supervisor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

// WorkerSpec describes one worker to start. Dedicated workers get SocketPath
// and SessionID; pool members get RunDir and name their socket after their
// own pid.
type WorkerSpec struct {
	SessionID  string
	SocketPath string
	RunDir     string
	Pool       bool
}

// Process is a started worker.
type Process interface {
	Pid() int
	// Wait blocks until the process exits.
	Wait() error
	Signal(sig os.Signal) error
}

// Spawner starts worker processes.
type Spawner interface {
	Spawn(ctx context.Context, spec WorkerSpec) (Process, error)
}

// ExecSpawner starts workers with os/exec (fork+exec). Stdout and stderr are
// inherited; stdin is not, because the relay's own stdin may be the FastCGI
// listen socket.
type ExecSpawner struct {
	Binary string
	Args   []string
	Env    []string
}

func (s ExecSpawner) Spawn(_ context.Context, spec WorkerSpec) (Process, error) {
	if strings.TrimSpace(s.Binary) == "" {
		return nil, errors.New("supervisor: worker binary not configured")
	}
	cmd := exec.Command(s.Binary, s.workerArgs(spec)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), s.Env...)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd}, nil
}

func (s ExecSpawner) workerArgs(spec WorkerSpec) []string {
	args := append([]string{}, s.Args...)
	if spec.Pool {
		return append(args, "-rundir", spec.RunDir)
	}
	args = append(args, "-socket", spec.SocketPath)
	if spec.SessionID != "" {
		args = append(args, "-session", spec.SessionID)
	}
	return args
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() error {
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return &ExitError{Pid: p.Pid(), Signal: status.Signal().String()}
		}
		return &ExitError{Pid: p.Pid(), Code: exitErr.ExitCode()}
	}
	return err
}

func (p *execProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

// ExitError describes an abnormal worker exit.
type ExitError struct {
	Pid    int
	Code   int
	Signal string
}

func (e *ExitError) Error() string {
	if e.Signal != "" {
		return "supervisor: worker killed by " + e.Signal
	}
	return "supervisor: worker exited with code " + strconv.Itoa(e.Code)
}
