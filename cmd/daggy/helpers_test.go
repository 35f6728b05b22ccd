//go:build integration

package main

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/docker/docker/pkg/stdcopy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
)

// execInContainer runs a command in the container and returns stdout
func execInContainer(ctx context.Context, container testcontainers.Container, cmd []string) (int, string, error) {
	exitCode, reader, err := container.Exec(ctx, cmd)
	if err != nil {
		return exitCode, "", err
	}

	// Demux the Docker stream (stdout/stderr are multiplexed)
	var stdout, stderr bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdout, &stderr, reader)

	return exitCode, stdout.String(), nil
}

// assertContainerFileContains checks that a file in the container contains all expected substrings
func assertContainerFileContains(t *testing.T, ctx context.Context, container testcontainers.Container, path string, expected []string) {
	t.Helper()
	exitCode, content, err := execInContainer(ctx, container, []string{"cat", path})
	require.NoError(t, err)
	require.Equal(t, 0, exitCode, "failed to read file %s", path)

	for _, substr := range expected {
		assert.Contains(t, content, substr, "file %s should contain %q", path, substr)
	}
}

// assertOutputFile checks that a collected output file contains all expected substrings
func assertOutputFile(t *testing.T, path string, expected []string) {
	t.Helper()
	content, err := os.ReadFile(path)
	require.NoError(t, err, "output file %s should exist", path)

	for _, substr := range expected {
		assert.Contains(t, string(content), substr, "file %s should contain %q", path, substr)
	}
}
