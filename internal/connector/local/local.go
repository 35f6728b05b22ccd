// Package local provides a connector for running commands on the local machine.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/user"
	"runtime"
	"sync"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/eugenetaranov/daggy/internal/connector"
	"github.com/eugenetaranov/daggy/internal/source"
)

// Connector runs commands as local child processes.
type Connector struct {
	shell     string
	shellArgs []string
	env       []string
}

// Option configures the local connector.
type Option func(*Connector)

// WithShell sets a custom shell for command execution.
func WithShell(shell string, args ...string) Option {
	return func(c *Connector) {
		c.shell = shell
		c.shellArgs = args
	}
}

// WithEnv adds KEY=VALUE entries to the environment of spawned commands.
func WithEnv(env ...string) Option {
	return func(c *Connector) {
		c.env = append(c.env, env...)
	}
}

// New creates a new local connector.
func New(opts ...Option) *Connector {
	c := &Connector{}

	// Set default shell based on OS
	switch runtime.GOOS {
	case "windows":
		c.shell = "cmd"
		c.shellArgs = []string{"/C"}
	default:
		c.shell = "/bin/sh"
		c.shellArgs = []string{"-c"}
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Connect verifies the platform is supported.
func (c *Connector) Connect(ctx context.Context) error {
	switch runtime.GOOS {
	case "darwin", "linux", "freebsd":
		return nil
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// Start spawns the command through the shell.
func (c *Connector) Start(ctx context.Context, cmd source.Command) (connector.Process, error) {
	args := append(append([]string{}, c.shellArgs...), cmd.Exec)
	execCmd := exec.Command(c.shell, args...)
	execCmd.Dir = cmd.WorkDir
	if len(c.env) > 0 {
		execCmd.Env = append(os.Environ(), c.env...)
	}
	return Spawn(execCmd)
}

// Spawn starts an already configured command with both output streams
// captured. Other connectors use it to run their client programs.
func Spawn(cmd *exec.Cmd) (*Process, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	setProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start command: %w", err)
	}
	return &Process{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

// Close is a no-op for local connections.
func (c *Connector) Close() error {
	return nil
}

// String returns a description of the connection.
func (c *Connector) String() string {
	u, err := user.Current()
	if err != nil {
		return "local"
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	return fmt.Sprintf("local://%s@%s", u.Username, hostname)
}

// Process is a local child process.
type Process struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader

	// mu keeps signals away from a reaped pid.
	mu     sync.Mutex
	reaped bool
}

// Pid returns the operating system process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Stdout returns the standard output pipe.
func (p *Process) Stdout() io.Reader { return p.stdout }

// Stderr returns the standard error pipe.
func (p *Process) Stderr() io.Reader { return p.stderr }

// Wait reaps the process. Termination by signal reports exit code -1.
// Terminate and Kill do nothing once Wait returned.
func (p *Process) Wait() (int, error) {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.reaped = true
	p.mu.Unlock()

	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// Terminate sends SIGTERM to the process and all of its descendants.
func (p *Process) Terminate() error {
	return p.signal(false)
}

// Kill sends SIGKILL to the process and all of its descendants.
func (p *Process) Kill() error {
	return p.signal(true)
}

// signal collects the process tree first, so children are still found after
// the shell exits. The root is signalled through its os.Process handle,
// which never reaches a reused pid; the rest of the tree and the process
// group are only signalled while the root is still there.
func (p *Process) signal(kill bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reaped {
		return nil
	}

	pid := p.cmd.Process.Pid
	var tree []*process.Process
	if root, err := process.NewProcess(int32(pid)); err == nil {
		tree = descendants(root)
	}

	if err := p.cmd.Process.Signal(rootSignal(kill)); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return err
	}

	for _, proc := range tree {
		if kill {
			_ = proc.Kill()
		} else {
			_ = proc.Terminate()
		}
	}
	signalGroup(pid, kill)
	return nil
}

// descendants walks the children of root, breadth first.
func descendants(root *process.Process) []*process.Process {
	var tree []*process.Process
	queue := []*process.Process{root}
	for len(queue) > 0 {
		children, err := queue[0].Children()
		queue = queue[1:]
		if err != nil {
			continue
		}
		tree = append(tree, children...)
		queue = append(queue, children...)
	}
	return tree
}

// Ensure Connector implements the connector.Connector interface.
var _ connector.Connector = (*Connector)(nil)

// Ensure Process implements the connector.Process interface.
var _ connector.Process = (*Process)(nil)
