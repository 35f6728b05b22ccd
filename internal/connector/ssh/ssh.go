// Package ssh provides a connector that shares one OpenSSH ControlMaster
// connection between every command run on a host.
//
// Connect starts a master client (ssh -M -N) bound to a control socket.
// Each command then runs in a lightweight slave client (ssh -S) that opens a
// new channel over the master's authenticated transport.
package ssh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eugenetaranov/daggy/internal/connector"
	"github.com/eugenetaranov/daggy/internal/connector/local"
	"github.com/eugenetaranov/daggy/internal/source"
)

const (
	defaultBinary  = "ssh"
	defaultTimeout = 10
	checkInterval  = 100 * time.Millisecond
)

// Connector runs commands through an OpenSSH control master.
type Connector struct {
	cfg         connector.Config
	binary      string
	keyFile     string
	configFile  string
	controlPath string
	options     []string

	mu      sync.Mutex
	master  *local.Process
	stderr  bytes.Buffer
	done    chan struct{}
	err     error
	closing bool
}

// Option configures the ssh connector.
type Option func(*Connector)

// WithUser sets the remote login name.
func WithUser(user string) Option {
	return func(c *Connector) {
		c.cfg.User = user
	}
}

// WithPort sets the remote port.
func WithPort(port int) Option {
	return func(c *Connector) {
		c.cfg.Port = port
	}
}

// WithTimeout sets the connection timeout in seconds.
func WithTimeout(seconds int) Option {
	return func(c *Connector) {
		c.cfg.Timeout = seconds
	}
}

// WithKeyFile selects the identity file.
func WithKeyFile(path string) Option {
	return func(c *Connector) {
		c.keyFile = path
	}
}

// WithConfigFile selects an ssh_config file.
func WithConfigFile(path string) Option {
	return func(c *Connector) {
		c.configFile = path
	}
}

// WithControlPath sets the control socket path. By default a unique path in
// the temporary directory is used.
func WithControlPath(path string) Option {
	return func(c *Connector) {
		c.controlPath = path
	}
}

// WithOptions adds -o options (KEY=VALUE) to every client invocation.
func WithOptions(opts ...string) Option {
	return func(c *Connector) {
		c.options = append(c.options, opts...)
	}
}

// WithBinary sets the ssh client executable.
func WithBinary(path string) Option {
	return func(c *Connector) {
		c.binary = path
	}
}

// New creates a new ssh connector for host.
func New(host string, opts ...Option) *Connector {
	c := &Connector{
		cfg:    connector.Config{Host: host, Timeout: defaultTimeout},
		binary: defaultBinary,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.controlPath == "" {
		c.controlPath = filepath.Join(os.TempDir(), "daggy-"+uuid.NewString()[:8]+".sock")
	}

	return c
}

// ControlPath returns the control socket path of the master.
func (c *Connector) ControlPath() string {
	return c.controlPath
}

// Connect starts the master and waits until its control socket answers.
func (c *Connector) Connect(ctx context.Context) error {
	if _, err := exec.LookPath(c.binary); err != nil {
		return fmt.Errorf("ssh command not found: %w", err)
	}

	c.mu.Lock()
	if c.master != nil {
		c.mu.Unlock()
		return fmt.Errorf("already connected to %s", c.cfg.Host)
	}
	c.stderr.Reset()
	c.err = nil
	c.closing = false
	c.mu.Unlock()

	master, err := local.Spawn(exec.Command(c.binary, c.masterArgs()...))
	if err != nil {
		return fmt.Errorf("failed to start ssh master for %s: %w", c.cfg.Host, err)
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.master = master
	c.done = done
	c.mu.Unlock()

	go c.watch(master, done)

	timeout := time.Duration(c.cfg.Timeout) * time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout+time.Second)
	defer cancel()

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		if c.check(ctx) == nil {
			return nil
		}
		select {
		case <-done:
			err := c.Err()
			c.reset(master)
			return err
		case <-ctx.Done():
			c.Close()
			return fmt.Errorf("ssh master for %s not ready: %w", c.cfg.Host, ctx.Err())
		case <-ticker.C:
		}
	}
}

// watch reaps the master and records why it went away.
func (c *Connector) watch(master *local.Process, done chan struct{}) {
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		buf := make([]byte, 4096)
		for {
			n, err := master.Stderr().Read(buf)
			if n > 0 {
				c.mu.Lock()
				if c.stderr.Len() < 64*1024 {
					c.stderr.Write(buf[:n])
				}
				c.mu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}()
	_, _ = io.Copy(io.Discard, master.Stdout())
	<-stderrDone

	code, waitErr := master.Wait()

	c.mu.Lock()
	if !c.closing {
		msg := bytes.TrimSpace(c.stderr.Bytes())
		switch {
		case waitErr != nil:
			c.err = fmt.Errorf("ssh master for %s failed: %w", c.cfg.Host, waitErr)
		case len(msg) > 0:
			c.err = fmt.Errorf("ssh master for %s exited with code %d: %s", c.cfg.Host, code, msg)
		default:
			c.err = fmt.Errorf("ssh master for %s exited with code %d", c.cfg.Host, code)
		}
	}
	c.mu.Unlock()
	close(done)
}

// check asks the master whether it is ready to serve slaves.
func (c *Connector) check(ctx context.Context) error {
	args := append(c.controlArgs(), "-O", "check", c.cfg.Host)
	return exec.CommandContext(ctx, c.binary, args...).Run()
}

// reset forgets a master that exited.
func (c *Connector) reset(master *local.Process) {
	c.mu.Lock()
	if c.master == master {
		c.master = nil
	}
	c.mu.Unlock()
	_ = os.Remove(c.controlPath)
}

// Start runs the command in a slave client over the master connection.
func (c *Connector) Start(ctx context.Context, cmd source.Command) (connector.Process, error) {
	c.mu.Lock()
	ready := c.master != nil && !c.closing
	c.mu.Unlock()
	if !ready {
		return nil, fmt.Errorf("not connected to %s", c.cfg.Host)
	}

	proc, err := local.Spawn(exec.Command(c.binary, c.slaveArgs(cmd)...))
	if err != nil {
		return nil, fmt.Errorf("failed to start ssh client for %s: %w", c.cfg.Host, err)
	}
	return proc, nil
}

// Done is closed when the master exits.
func (c *Connector) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Err returns why the master exited, nil when Close asked it to.
func (c *Connector) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close stops the master and removes its control socket.
func (c *Connector) Close() error {
	c.mu.Lock()
	master := c.master
	done := c.done
	c.closing = true
	c.err = nil
	c.master = nil
	c.mu.Unlock()

	if master == nil {
		return nil
	}

	exitArgs := append(c.controlArgs(), "-O", "exit", c.cfg.Host)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	_ = exec.CommandContext(ctx, c.binary, exitArgs...).Run()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		_ = master.Terminate()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			_ = master.Kill()
			<-done
		}
	}

	_ = os.Remove(c.controlPath)
	return nil
}

// String returns a description of the connection.
func (c *Connector) String() string {
	if c.cfg.User != "" {
		return fmt.Sprintf("ssh://%s@%s", c.cfg.User, c.cfg.Address(22))
	}
	return fmt.Sprintf("ssh://%s", c.cfg.Address(22))
}

// commonArgs are shared by the master and its slaves.
func (c *Connector) commonArgs() []string {
	var args []string
	if c.configFile != "" {
		args = append(args, "-F", c.configFile)
	}
	if c.cfg.Port != 0 {
		args = append(args, "-p", strconv.Itoa(c.cfg.Port))
	}
	if c.cfg.User != "" {
		args = append(args, "-l", c.cfg.User)
	}
	for _, opt := range c.options {
		args = append(args, "-o", opt)
	}
	return args
}

// controlArgs address the master through its socket.
func (c *Connector) controlArgs() []string {
	return append(c.commonArgs(), "-S", c.controlPath)
}

func (c *Connector) masterArgs() []string {
	args := []string{"-M", "-N", "-S", c.controlPath,
		"-o", "ControlPersist=no",
		"-o", "BatchMode=yes",
		"-o", fmt.Sprintf("ConnectTimeout=%d", c.cfg.Timeout),
	}
	if c.keyFile != "" {
		args = append(args, "-i", c.keyFile)
	}
	args = append(args, c.commonArgs()...)
	return append(args, c.cfg.Host)
}

func (c *Connector) slaveArgs(cmd source.Command) []string {
	args := append(c.controlArgs(), "-o", "ControlMaster=no", "-T", c.cfg.Host, "--")
	return append(args, connector.ShellLine(cmd))
}

// Ensure Connector implements the connector interfaces.
var (
	_ connector.Connector = (*Connector)(nil)
	_ connector.Watcher   = (*Connector)(nil)
)
