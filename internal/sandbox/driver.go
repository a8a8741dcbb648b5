package sandbox

import (
	"context"
	"io"
)

// Driver abstracts the container engine that hosts agent sandboxes.
type Driver interface {
	// Spawn creates and starts a sandbox, returning its engine ID.
	Spawn(ctx context.Context, cfg SpawnConfig) (string, error)
	Stop(ctx context.Context, sandboxID string) error
	Remove(ctx context.Context, sandboxID string, force bool) error

	// Exec runs a command to completion inside a running sandbox.
	Exec(ctx context.Context, sandboxID string, cfg ExecConfig) (*ExecResult, error)
	// ExecInteractive starts a long-lived process with attached pipes.
	ExecInteractive(ctx context.Context, sandboxID string, cfg ExecConfig) (*Process, error)

	Status(ctx context.Context, sandboxID string) (Status, error)
	Logs(ctx context.Context, sandboxID string, tail string) (string, error)

	// EnsureImage pulls the image when it is not present locally.
	EnsureImage(ctx context.Context, imageName string) error

	Ping(ctx context.Context) error
	Close() error
	Name() string
}

// SpawnConfig describes the sandbox to create.
type SpawnConfig struct {
	Name       string
	Image      string
	Cmd        []string
	Env        []string
	WorkingDir string
	Mounts     []Mount
	Labels     map[string]string
	// ExtraHosts adds /etc/hosts entries, used to map the host gateway
	// name so bridged loopback ports are reachable from the sandbox.
	ExtraHosts []string
	Memory     string
	CPUs       int
	AutoRemove bool
}

// Mount is a bind mount into the sandbox.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ExecConfig describes a command to run inside a sandbox.
type ExecConfig struct {
	Cmd        []string
	Env        []string
	WorkingDir string
	User       string
}

// ExecResult carries the output of a completed Exec.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Status enum
type Status string

const (
	StatusCreated Status = "created"
	StatusRunning Status = "running"
	StatusExited  Status = "exited"
	StatusDead    Status = "dead"
	StatusUnknown Status = "unknown"
)

// Process is a long-lived interactive execution with attached pipes.
// The agent runtime speaks its line protocol over Stdin/Stdout.
type Process struct {
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr io.ReadCloser
	done   chan struct{}
	wait   func() (int, error)
}

// NewProcess wraps the pipes and wait function of a started process.
func NewProcess(stdin io.WriteCloser, stdout, stderr io.ReadCloser, wait func() (int, error)) *Process {
	return &Process{
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,
		done:   make(chan struct{}),
		wait:   wait,
	}
}

// Done is closed once Wait has observed process exit.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process exits and returns its exit code.
func (p *Process) Wait() (int, error) {
	code, err := p.wait()
	select {
	case <-p.done:
	default:
		close(p.done)
	}
	return code, err
}

// Close closes all attached pipes.
func (p *Process) Close() error {
	if p.Stdin != nil {
		_ = p.Stdin.Close()
	}
	if p.Stdout != nil {
		_ = p.Stdout.Close()
	}
	if p.Stderr != nil {
		_ = p.Stderr.Close()
	}
	return nil
}
