// Package ssh2 provides a native SSH connector. One authenticated client is
// kept per connector and every command runs in its own session channel.
package ssh2

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/eugenetaranov/daggy/internal/connector"
	"github.com/eugenetaranov/daggy/internal/source"
)

const defaultTimeout = 10

// Connector runs commands over a golang.org/x/crypto/ssh client.
type Connector struct {
	cfg        connector.Config
	password   string
	keyFile    string
	passphrase string
	knownHosts string
	insecure   bool

	mu      sync.Mutex
	client  *ssh.Client
	done    chan struct{}
	err     error
	closing bool
}

// Option configures the ssh2 connector.
type Option func(*Connector)

// WithUser sets the login name. Defaults to the current user.
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

// WithTimeout sets the handshake timeout in seconds.
func WithTimeout(seconds int) Option {
	return func(c *Connector) {
		c.cfg.Timeout = seconds
	}
}

// WithPassword enables password authentication.
func WithPassword(password string) Option {
	return func(c *Connector) {
		c.password = password
	}
}

// WithKeyFile enables public key authentication with the given private key.
func WithKeyFile(path, passphrase string) Option {
	return func(c *Connector) {
		c.keyFile = path
		c.passphrase = passphrase
	}
}

// WithKnownHosts verifies the server key against a known_hosts file
// instead of ~/.ssh/known_hosts.
func WithKnownHosts(path string) Option {
	return func(c *Connector) {
		c.knownHosts = path
	}
}

// WithInsecureHostKey accepts any server key when no known_hosts file is
// given explicitly.
func WithInsecureHostKey() Option {
	return func(c *Connector) {
		c.insecure = true
	}
}

// New creates a new ssh2 connector for host.
func New(host string, opts ...Option) *Connector {
	c := &Connector{
		cfg: connector.Config{Host: host, Timeout: defaultTimeout},
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.cfg.User == "" {
		c.cfg.User = os.Getenv("USER")
	}

	return c
}

// Connect dials the host and authenticates once.
func (c *Connector) Connect(ctx context.Context) error {
	clientCfg, err := c.clientConfig()
	if err != nil {
		return err
	}

	addr := c.cfg.Address(22)
	dialer := net.Dialer{Timeout: clientCfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(clientCfg.Timeout))
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		return fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	client := ssh.NewClient(sshConn, chans, reqs)
	done := make(chan struct{})

	c.mu.Lock()
	if c.client != nil {
		c.mu.Unlock()
		client.Close()
		return fmt.Errorf("already connected to %s", addr)
	}
	c.client = client
	c.done = done
	c.err = nil
	c.closing = false
	c.mu.Unlock()

	go c.watch(client, done)
	return nil
}

func (c *Connector) watch(client *ssh.Client, done chan struct{}) {
	err := client.Wait()

	c.mu.Lock()
	if !c.closing {
		if err == nil {
			err = io.EOF
		}
		c.err = fmt.Errorf("ssh connection to %s lost: %w", c.cfg.Host, err)
	}
	c.mu.Unlock()
	close(done)
}

func (c *Connector) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod

	if c.keyFile != "" {
		signer, err := loadKey(c.keyFile, c.passphrase)
		if err != nil {
			return nil, err
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}

	if c.password != "" {
		auth = append(auth, ssh.Password(c.password))
	}

	if len(auth) == 0 {
		if signers := defaultKeys(); len(signers) > 0 {
			auth = append(auth, ssh.PublicKeys(signers...))
		}
	}

	if len(auth) == 0 {
		return nil, fmt.Errorf("no authentication method configured for %s", c.cfg.Host)
	}

	hostKeyCallback, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	return &ssh.ClientConfig{
		User:            c.cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         time.Duration(c.cfg.Timeout) * time.Second,
	}, nil
}

// hostKeyCallback checks server keys against the configured known_hosts
// file, or ~/.ssh/known_hosts unless insecure mode was asked for.
func (c *Connector) hostKeyCallback() (ssh.HostKeyCallback, error) {
	path := c.knownHosts
	if path == "" {
		if c.insecure {
			return ssh.InsecureIgnoreHostKey(), nil
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot locate known_hosts for %s: %w", c.cfg.Host, err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}

	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load known hosts: %w", err)
	}
	return cb, nil
}

func loadKey(path, passphrase string) (ssh.Signer, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key %s: %w", path, err)
	}
	return signer, nil
}

// defaultKeys loads unencrypted keys from the usual locations.
func defaultKeys() []ssh.Signer {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}

	var signers []ssh.Signer
	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		signer, err := loadKey(filepath.Join(home, ".ssh", name), "")
		if err == nil {
			signers = append(signers, signer)
		}
	}
	return signers
}

// Start opens a session channel and runs the command in it.
func (c *Connector) Start(ctx context.Context, cmd source.Command) (connector.Process, error) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return nil, fmt.Errorf("not connected to %s", c.cfg.Host)
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create SSH session: %w", err)
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := session.Start(connector.ShellLine(cmd)); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to start command: %w", err)
	}

	return &Process{session: session, stdout: stdout, stderr: stderr}, nil
}

// Done is closed when the connection is gone.
func (c *Connector) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Err returns why the connection is gone, nil after Close.
func (c *Connector) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the client and every session running over it.
func (c *Connector) Close() error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.closing = true
	c.err = nil
	c.mu.Unlock()

	if client == nil {
		return nil
	}
	if err := client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("failed to close connection to %s: %w", c.cfg.Host, err)
	}
	return nil
}

// String returns a description of the connection.
func (c *Connector) String() string {
	return fmt.Sprintf("ssh2://%s@%s", c.cfg.User, c.cfg.Address(22))
}

// Process is a command running in an SSH session channel.
type Process struct {
	session *ssh.Session
	stdout  io.Reader
	stderr  io.Reader
}

// Stdout returns the remote standard output.
func (p *Process) Stdout() io.Reader { return p.stdout }

// Stderr returns the remote standard error.
func (p *Process) Stderr() io.Reader { return p.stderr }

// Wait blocks until the remote command exits. A command ended by a signal
// or a channel closed without exit status reports -1.
func (p *Process) Wait() (int, error) {
	err := p.session.Wait()
	_ = p.session.Close()
	if err == nil {
		return 0, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Signal() != "" {
			return -1, nil
		}
		return exitErr.ExitStatus(), nil
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		return -1, nil
	}
	return -1, err
}

// Terminate delivers SIGTERM to the remote command.
func (p *Process) Terminate() error {
	if err := p.session.Signal(ssh.SIGTERM); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Kill delivers SIGKILL and closes the channel, which ends the session
// even when the server ignores signals.
func (p *Process) Kill() error {
	_ = p.session.Signal(ssh.SIGKILL)
	if err := p.session.Close(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Ensure Connector implements the connector interfaces.
var (
	_ connector.Connector = (*Connector)(nil)
	_ connector.Watcher   = (*Connector)(nil)
	_ connector.Process   = (*Process)(nil)
)
