//go:build !windows

package runner

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eugenetaranov/daggy/internal/config"
	"github.com/eugenetaranov/daggy/internal/fabric"
	"github.com/eugenetaranov/daggy/internal/result"
)

func baseConfig(input, outDir string) config.Config {
	return config.Config{
		Input:          input,
		Output:         outDir,
		Grace:          time.Second,
		QueueSize:      16,
		Overflow:       "drop-oldest",
		ConnectRetries: 0,
		LogLevel:       "error",
		LogFormat:      "text",
		NoColor:        true,
	}
}

func writeSources(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRunWritesOutputFiles(t *testing.T) {
	input := writeSources(t, "sources.yaml", `
sources:
  greet:
    type: local
    commands:
      hello:
        exec: echo "hello {{ env_DAGGY_TEST_NAME }}"
        extension: txt
      oops:
        exec: echo oops >&2
`)
	t.Setenv("DAGGY_TEST_NAME", "world")
	outDir := filepath.Join(t.TempDir(), "out")

	var stdout, stderr bytes.Buffer
	code := Run(context.Background(), baseConfig(input, outDir), Options{Stdout: &stdout, Stderr: &stderr})
	require.Equal(t, ExitOK, code, stdout.String())

	got, err := os.ReadFile(filepath.Join(outDir, "greet", "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", string(got))

	got, err = os.ReadFile(filepath.Join(outDir, "greet", "oops.log"))
	require.NoError(t, err)
	assert.Equal(t, "oops\n", string(got))

	assert.Contains(t, stdout.String(), "SESSION")
	assert.Contains(t, stdout.String(), "RECAP")
	assert.Contains(t, stdout.String(), "STATE finished")
}

func TestRunFromStdinWithEcho(t *testing.T) {
	cfg := baseConfig("", t.TempDir())
	cfg.Stdin = true
	cfg.Format = "json"
	cfg.Echo = true

	doc := `{"sources": {
		"s": {"commands": {"c": {"exec": "echo piped"}}},
		"t": {"commands": {"c": {"exec": "for i in 1 2 3 4 5; do echo t$i; done"}}},
		"u": {"commands": {"c": {"exec": "for i in 1 2 3 4 5; do echo u$i; done"}}}
	}}`
	var stdout bytes.Buffer
	code := Run(context.Background(), cfg, Options{Stdin: strings.NewReader(doc), Stdout: &stdout, Stderr: &bytes.Buffer{}})

	assert.Equal(t, ExitOK, code)
	out := stdout.String()
	assert.Contains(t, out, "[s/c] piped")
	for _, want := range []string{"[t/c] t1", "[t/c] t5", "[u/c] u1", "[u/c] u5"} {
		assert.Contains(t, out, want+"\n")
	}
}

func TestRunInvalidSettings(t *testing.T) {
	cfg := baseConfig("", t.TempDir())
	var stdout bytes.Buffer
	code := Run(context.Background(), cfg, Options{Stdout: &stdout, Stderr: &bytes.Buffer{}})

	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, stdout.String(), "config error")
}

func TestRunDuplicateSources(t *testing.T) {
	input := writeSources(t, "dup.json", `{"sources": {"a": {"commands": {"c": {"exec": "true"}}}, "a": {"commands": {"c": {"exec": "true"}}}}}`)
	var stdout bytes.Buffer
	code := Run(context.Background(), baseConfig(input, t.TempDir()), Options{Stdout: &stdout, Stderr: &bytes.Buffer{}})

	assert.Equal(t, ExitFailure, code)
	assert.NotContains(t, stdout.String(), "SESSION")
}

func TestRunInvalidProviderSettings(t *testing.T) {
	input := writeSources(t, "sources.yaml", `
sources:
  web:
    type: ssh
    host: web1
    parameters:
      port: twenty
    commands:
      c:
        exec: "true"
`)
	var stdout bytes.Buffer
	code := Run(context.Background(), baseConfig(input, t.TempDir()), Options{Stdout: &stdout, Stderr: &bytes.Buffer{}})

	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, stdout.String(), "config error")
	assert.NotContains(t, stdout.String(), "SESSION")
}

func TestRunFindsInputInDataDir(t *testing.T) {
	dataDir := t.TempDir()
	name := "daggy-data-dir-sources.yaml"
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, name), []byte(`
sources:
  kept:
    commands:
      c:
        exec: echo from data dir
`), 0o644))
	outDir := filepath.Join(t.TempDir(), "out")

	var stdout bytes.Buffer
	code := Run(context.Background(), baseConfig(name, outDir), Options{Stdout: &stdout, Stderr: &bytes.Buffer{}, DataDir: dataDir})
	require.Equal(t, ExitOK, code, stdout.String())

	got, err := os.ReadFile(filepath.Join(outDir, "kept", "c.log"))
	require.NoError(t, err)
	assert.Equal(t, "from data dir\n", string(got))
	assert.Contains(t, stdout.String(), filepath.Join(dataDir, name))
}

func TestRunMissingInput(t *testing.T) {
	var stdout bytes.Buffer
	code := Run(context.Background(), baseConfig("daggy-no-such-sources.yaml", t.TempDir()), Options{Stdout: &stdout, Stderr: &bytes.Buffer{}, DataDir: t.TempDir()})

	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, stdout.String(), "daggy-no-such-sources.yaml")
}

func TestRunNothingStarted(t *testing.T) {
	input := writeSources(t, "sources.yaml", `
sources:
  odd:
    type: telnet
    commands:
      c:
        exec: "true"
`)
	var stdout bytes.Buffer
	code := Run(context.Background(), baseConfig(input, t.TempDir()), Options{Stdout: &stdout, Stderr: &bytes.Buffer{}})

	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, stdout.String(), "not found")
	assert.Contains(t, stdout.String(), "started=0")
}

func TestRunTimeout(t *testing.T) {
	input := writeSources(t, "sources.yaml", `
sources:
  long:
    commands:
      c:
        exec: sleep 30
`)
	cfg := baseConfig(input, t.TempDir())
	cfg.Timeout = 100 * time.Millisecond

	var stdout bytes.Buffer
	begin := time.Now()
	code := Run(context.Background(), cfg, Options{Stdout: &stdout, Stderr: &bytes.Buffer{}})

	assert.Equal(t, ExitOK, code)
	assert.Less(t, time.Since(begin), 5*time.Second)
	assert.Contains(t, stdout.String(), "stopped by deadline")
}

func TestRunInterrupted(t *testing.T) {
	input := writeSources(t, "sources.yaml", `
sources:
  long:
    commands:
      c:
        exec: sleep 30
`)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	code := Run(ctx, baseConfig(input, t.TempDir()), Options{Stdout: &bytes.Buffer{}, Stderr: &bytes.Buffer{}})
	assert.Equal(t, ExitOK, code)
}

func TestDefaultOutputFolder(t *testing.T) {
	cfg := config.Config{Input: "/etc/hosts.yaml"}
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	dir, err := outputFolder(cfg, now)
	require.NoError(t, err)
	cwd, _ := os.Getwd()
	assert.Equal(t, filepath.Join(cwd, "hosts-240102-030405"), dir)

	cfg.Output = "/explicit"
	dir, err = outputFolder(cfg, now)
	require.NoError(t, err)
	assert.Equal(t, "/explicit", dir)
}

func TestCheck(t *testing.T) {
	reg := fabric.NewDefault()

	good := writeSources(t, "good.yml", `
sources:
  web:
    type: ssh
    host: web1
    commands:
      log:
        exec: tail -F /var/log/syslog
`)
	defs, err := Check(good, "", reg)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "web", defs[0].Name)

	bad := writeSources(t, "bad.yaml", `
sources:
  web:
    type: rsh
    commands:
      log:
        exec: tail -F /var/log/syslog
`)
	_, err = Check(bad, "", reg)
	assert.ErrorIs(t, err, result.NotFound)

	hostless := writeSources(t, "hostless.yaml", `
sources:
  web:
    type: ssh2
    commands:
      log:
        exec: tail -F /var/log/syslog
`)
	_, err = Check(hostless, "", reg)
	assert.ErrorIs(t, err, result.ConfigError)

	_, err = Check(filepath.Join(t.TempDir(), "missing.yaml"), "", reg)
	assert.ErrorIs(t, err, result.ConfigError)
}
