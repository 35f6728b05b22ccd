// Package connector defines the interface for running streaming commands on
// target systems.
package connector

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/eugenetaranov/daggy/internal/source"
)

// Process is a running command whose output is streamed.
type Process interface {
	// Stdout returns the command's standard output stream.
	Stdout() io.Reader

	// Stderr returns the command's standard error stream.
	Stderr() io.Reader

	// Wait blocks until the command exits and returns its exit code.
	// Both streams must be drained before calling Wait.
	Wait() (int, error)

	// Terminate asks the command to exit gracefully.
	Terminate() error

	// Kill forces the command to exit.
	Kill() error
}

// Connector is the interface for connecting to and running commands on targets.
type Connector interface {
	// Connect establishes a connection to the target.
	Connect(ctx context.Context) error

	// Start launches a command on the target.
	Start(ctx context.Context, cmd source.Command) (Process, error)

	// Close terminates the connection.
	Close() error

	// String returns a human-readable description of the connection.
	String() string
}

// Watcher is implemented by connectors holding a live transport that can
// fail after Connect succeeded.
type Watcher interface {
	// Done is closed when the transport is gone.
	Done() <-chan struct{}

	// Err returns why the transport is gone, nil after a requested Close.
	Err() error
}

// Config holds common configuration for remote connectors.
type Config struct {
	// Host is the target hostname or IP address.
	Host string

	// User is the username for authentication.
	User string

	// Port is the remote port; zero selects the protocol default.
	Port int

	// Timeout is the connection timeout in seconds.
	Timeout int
}

// Address returns host:port, using defaultPort when Port is unset.
func (c Config) Address(defaultPort int) string {
	port := c.Port
	if port == 0 {
		port = defaultPort
	}
	return fmt.Sprintf("%s:%d", c.Host, port)
}

// ShellLine returns the command's exec line, prefixed with a change of
// directory when a working directory is set.
func ShellLine(cmd source.Command) string {
	if cmd.WorkDir == "" {
		return cmd.Exec
	}
	return fmt.Sprintf("cd %s && %s", ShellQuote(cmd.WorkDir), cmd.Exec)
}

// ShellQuote quotes a string for safe use in shell commands.
func ShellQuote(s string) string {
	// Use single quotes and escape any single quotes in the string
	return "'" + strings.ReplaceAll(s, "'", "'\"'\"'") + "'"
}
