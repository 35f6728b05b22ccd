package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eugenetaranov/daggy/internal/result"
)

func load(t *testing.T, args []string, input string) Config {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	AddFlags(fs)
	require.NoError(t, fs.Parse(args))

	v := viper.New()
	require.NoError(t, Bind(v, fs))
	return Load(v, input)
}

func TestDefaults(t *testing.T) {
	c := load(t, nil, "sources.yaml")

	assert.Equal(t, "sources.yaml", c.Input)
	assert.Equal(t, time.Duration(0), c.Timeout)
	assert.Equal(t, 3*time.Second, c.Grace)
	assert.Equal(t, 1024, c.QueueSize)
	assert.Equal(t, "drop-oldest", c.Overflow)
	assert.Equal(t, 2, c.ConnectRetries)
	assert.Equal(t, 500*time.Millisecond, c.ConnectBackoff)
	assert.Equal(t, "warn", c.LogLevel)
	assert.Equal(t, "text", c.LogFormat)
	assert.NoError(t, c.Validate())
}

func TestFlags(t *testing.T) {
	c := load(t, []string{"-o", "/tmp/out", "-f", "json", "-t", "1500", "--grace", "1s", "--queue-size", "8", "--overflow", "block", "--echo", "--no-color"}, "x")

	assert.Equal(t, "/tmp/out", c.Output)
	assert.Equal(t, "json", c.Format)
	assert.Equal(t, 1500*time.Millisecond, c.Timeout)
	assert.Equal(t, time.Second, c.Grace)
	assert.Equal(t, 8, c.QueueSize)
	assert.Equal(t, "block", c.Overflow)
	assert.True(t, c.Echo)
	assert.True(t, c.NoColor)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("DAGGY_QUEUE_SIZE", "64")
	t.Setenv("DAGGY_LOG_LEVEL", "debug")

	c := load(t, nil, "x.yaml")
	assert.Equal(t, 64, c.QueueSize)
	assert.Equal(t, "debug", c.LogLevel)

	// Explicit flags win over the environment.
	c = load(t, []string{"--queue-size", "2"}, "x.yaml")
	assert.Equal(t, 2, c.QueueSize)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{Input: "s.yaml", QueueSize: 1, Overflow: "drop-oldest", LogLevel: "info", LogFormat: "text"}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"valid", func(c *Config) {}, ""},
		{"stdin with format", func(c *Config) { c.Input = ""; c.Stdin = true; c.Format = "yaml" }, ""},
		{"no input", func(c *Config) { c.Input = "" }, "no data-source file"},
		{"input and stdin", func(c *Config) { c.Stdin = true; c.Format = "yaml" }, "mutually exclusive"},
		{"stdin without format", func(c *Config) { c.Input = ""; c.Stdin = true }, "--format is required"},
		{"unknown format", func(c *Config) { c.Format = "xml" }, "unknown format"},
		{"format differs by case", func(c *Config) { c.Format = "YAML" }, "unknown format"},
		{"negative timeout", func(c *Config) { c.Timeout = -time.Second }, "timeout"},
		{"negative grace", func(c *Config) { c.Grace = -time.Second }, "grace"},
		{"zero queue", func(c *Config) { c.QueueSize = 0 }, "queue size"},
		{"bad overflow", func(c *Config) { c.Overflow = "drop-newest" }, "overflow"},
		{"negative retries", func(c *Config) { c.ConnectRetries = -1 }, "retries"},
		{"negative backoff", func(c *Config) { c.ConnectBackoff = -time.Second }, "backoff"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "log-level"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "log format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, result.ConfigError)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestResolveFormat(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		want    string
		wantErr bool
	}{
		{"explicit", Config{Input: "a.txt", Format: "json"}, "json", false},
		{"yml", Config{Input: "a.yml"}, "yaml", false},
		{"toml", Config{Input: "dir/a.toml"}, "toml", false},
		{"unknown extension", Config{Input: "a.txt"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cfg.ResolveFormat()
			if tt.wantErr {
				assert.ErrorIs(t, err, result.ConfigError)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
