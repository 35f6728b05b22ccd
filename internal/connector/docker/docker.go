// Package docker provides a connector for running commands in Docker containers.
package docker

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/eugenetaranov/daggy/internal/connector"
	"github.com/eugenetaranov/daggy/internal/connector/local"
	"github.com/eugenetaranov/daggy/internal/source"
)

// Connector executes commands inside Docker containers.
type Connector struct {
	container string
	binary    string
	user      string
	workdir   string
	env       map[string]string
}

// Option configures the Docker connector.
type Option func(*Connector)

// WithUser sets the user for command execution.
func WithUser(user string) Option {
	return func(c *Connector) {
		c.user = user
	}
}

// WithWorkdir sets the default working directory for command execution.
func WithWorkdir(dir string) Option {
	return func(c *Connector) {
		c.workdir = dir
	}
}

// WithEnv adds an environment variable for command execution.
func WithEnv(key, value string) Option {
	return func(c *Connector) {
		if c.env == nil {
			c.env = make(map[string]string)
		}
		c.env[key] = value
	}
}

// WithBinary sets the docker client executable.
func WithBinary(path string) Option {
	return func(c *Connector) {
		c.binary = path
	}
}

// New creates a new Docker connector for the specified container.
func New(container string, opts ...Option) *Connector {
	c := &Connector{
		container: container,
		binary:    "docker",
		env:       make(map[string]string),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Connect verifies the container exists and is running.
func (c *Connector) Connect(ctx context.Context) error {
	// Check if docker is available
	if _, err := exec.LookPath(c.binary); err != nil {
		return fmt.Errorf("docker command not found: %w", err)
	}

	// Check if container exists and is running
	cmd := exec.CommandContext(ctx, c.binary, "inspect", "-f", "{{.State.Running}}", c.container)
	output, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("container '%s' not found or not accessible: %w", c.container, err)
	}

	if strings.TrimSpace(string(output)) != "true" {
		return fmt.Errorf("container '%s' is not running", c.container)
	}

	return nil
}

// Start runs a command inside the container through docker exec.
func (c *Connector) Start(ctx context.Context, cmd source.Command) (connector.Process, error) {
	proc, err := local.Spawn(exec.Command(c.binary, c.buildExecArgs(cmd)...))
	if err != nil {
		return nil, fmt.Errorf("failed to execute command in container: %w", err)
	}
	return proc, nil
}

// buildExecArgs builds the docker exec command arguments.
func (c *Connector) buildExecArgs(cmd source.Command) []string {
	args := []string{"exec"}

	// Keep stdin attached so the exec session ends with the client
	args = append(args, "-i")

	// Add user if specified
	if c.user != "" {
		args = append(args, "-u", c.user)
	}

	// The command's own directory wins over the connector default
	workdir := cmd.WorkDir
	if workdir == "" {
		workdir = c.workdir
	}
	if workdir != "" {
		args = append(args, "-w", workdir)
	}

	// Add environment variables
	keys := make([]string, 0, len(c.env))
	for k := range c.env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, c.env[k]))
	}

	// Add container and command
	args = append(args, c.container, "/bin/sh", "-c", cmd.Exec)

	return args
}

// Close is a no-op for Docker connections.
func (c *Connector) Close() error {
	return nil
}

// String returns a description of the connection.
func (c *Connector) String() string {
	desc := fmt.Sprintf("docker://%s", c.container)
	if c.user != "" {
		desc = fmt.Sprintf("docker://%s@%s", c.user, c.container)
	}
	return desc
}

// Ensure Connector implements the connector.Connector interface.
var _ connector.Connector = (*Connector)(nil)
