// Package config holds the run settings of the daggy command, bound from
// command-line flags and DAGGY_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/eugenetaranov/daggy/internal/logging"
	"github.com/eugenetaranov/daggy/internal/mux"
	"github.com/eugenetaranov/daggy/internal/provider"
	"github.com/eugenetaranov/daggy/internal/result"
	"github.com/eugenetaranov/daggy/internal/session"
	"github.com/eugenetaranov/daggy/internal/source"
)

// EnvPrefix prefixes the environment variables that override flags.
const EnvPrefix = "DAGGY"

// DataDir is where data-source files given by a relative name are looked
// up when they are not found from the working directory. It is empty when
// the user configuration folder cannot be determined.
func DataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "daggy")
}

// Flag names.
const (
	FlagOutput         = "output"
	FlagFormat         = "format"
	FlagTimeout        = "timeout"
	FlagStdin          = "stdin"
	FlagGrace          = "grace"
	FlagQueueSize      = "queue-size"
	FlagOverflow       = "overflow"
	FlagConnectRetries = "connect-retries"
	FlagConnectBackoff = "connect-backoff"
	FlagEcho           = "echo"
	FlagMetricsAddr    = "metrics-addr"
	FlagSentryDSN      = "sentry-dsn"
	FlagLogLevel       = "log-level"
	FlagLogFormat      = "log-format"
	FlagNoColor        = "no-color"
	FlagDebug          = "debug"
)

// Config is everything a run needs besides the data sources themselves.
type Config struct {
	// Input is the data-source file; empty when reading stdin.
	Input string
	Stdin bool

	Output string
	Format string
	// Timeout stops the session after it started. Zero means none.
	Timeout time.Duration
	Grace   time.Duration

	QueueSize int
	Overflow  string

	ConnectRetries int
	ConnectBackoff time.Duration

	Echo        bool
	MetricsAddr string
	SentryDSN   string

	LogLevel  string
	LogFormat string
	NoColor   bool
	Debug     bool
}

// AddFlags defines the run flags on fs.
func AddFlags(fs *pflag.FlagSet) {
	fs.StringP(FlagOutput, "o", "", "Output folder (default <cwd>/<input>-<timestamp>)")
	fs.StringP(FlagFormat, "f", "", "Data-source format ("+strings.Join(source.Formats(), ", ")+"); inferred from the file extension when empty")
	fs.IntP(FlagTimeout, "t", 0, "Stop the session after this many milliseconds (0 disables)")
	fs.BoolP(FlagStdin, "i", false, "Read data sources from standard input")
	fs.Duration(FlagGrace, provider.DefaultGrace, "Time commands get to exit before they are killed")
	fs.Int(FlagQueueSize, session.DefaultQueueSize, "Buffered output events per data source")
	fs.String(FlagOverflow, session.DropOldest.String(), "What a full queue does: drop-oldest or block")
	fs.Int(FlagConnectRetries, mux.DefaultRetries, "Retries of a failed remote handshake")
	fs.Duration(FlagConnectBackoff, mux.DefaultBackoff, "Delay between remote handshake attempts")
	fs.Bool(FlagEcho, false, "Echo output to the terminal as well")
	fs.String(FlagMetricsAddr, "", "Serve prometheus metrics on this address (e.g. :9090)")
	fs.String(FlagSentryDSN, "", "Report data-source errors to Sentry")
	fs.String(FlagLogLevel, "warn", "Log level (debug, info, warn, error)")
	fs.String(FlagLogFormat, "text", "Log format (text, json)")
	fs.Bool(FlagNoColor, false, "Disable colored output")
	fs.BoolP(FlagDebug, "d", false, "Print command lifecycle details")
}

// Bind makes v resolve every flag of fs, overridable through DAGGY_*
// environment variables (DAGGY_QUEUE_SIZE for --queue-size).
func Bind(v *viper.Viper, fs *pflag.FlagSet) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}
	return nil
}

// Load reads the settings from v. input is the positional argument.
func Load(v *viper.Viper, input string) Config {
	return Config{
		Input:          input,
		Stdin:          v.GetBool(FlagStdin),
		Output:         v.GetString(FlagOutput),
		Format:         v.GetString(FlagFormat),
		Timeout:        time.Duration(v.GetInt(FlagTimeout)) * time.Millisecond,
		Grace:          v.GetDuration(FlagGrace),
		QueueSize:      v.GetInt(FlagQueueSize),
		Overflow:       v.GetString(FlagOverflow),
		ConnectRetries: v.GetInt(FlagConnectRetries),
		ConnectBackoff: v.GetDuration(FlagConnectBackoff),
		Echo:           v.GetBool(FlagEcho),
		MetricsAddr:    v.GetString(FlagMetricsAddr),
		SentryDSN:      v.GetString(FlagSentryDSN),
		LogLevel:       v.GetString(FlagLogLevel),
		LogFormat:      v.GetString(FlagLogFormat),
		NoColor:        v.GetBool(FlagNoColor),
		Debug:          v.GetBool(FlagDebug),
	}
}

// Validate checks the settings. Every failure is a ConfigError.
func (c Config) Validate() error {
	switch {
	case c.Input == "" && !c.Stdin:
		return result.New(result.ConfigError, "no data-source file given (pass a file or --stdin)")
	case c.Input != "" && c.Stdin:
		return result.New(result.ConfigError, "a data-source file and --stdin are mutually exclusive")
	case c.Stdin && c.Format == "":
		return result.New(result.ConfigError, "--format is required with --stdin")
	}

	if c.Format != "" && !slices.Contains(source.Formats(), c.Format) {
		return result.New(result.ConfigError, "unknown format %q (must be one of %s)", c.Format, strings.Join(source.Formats(), ", "))
	}
	if c.Timeout < 0 {
		return result.New(result.ConfigError, "timeout must not be negative")
	}
	if c.Grace < 0 {
		return result.New(result.ConfigError, "grace period must not be negative")
	}
	if c.QueueSize <= 0 {
		return result.New(result.ConfigError, "queue size must be positive")
	}
	if _, err := session.ParseOverflow(c.Overflow); err != nil {
		return result.Wrap(result.ConfigError, err, "invalid --%s", FlagOverflow)
	}
	if c.ConnectRetries < 0 {
		return result.New(result.ConfigError, "connect retries must not be negative")
	}
	if c.ConnectBackoff < 0 {
		return result.New(result.ConfigError, "connect backoff must not be negative")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return result.Wrap(result.ConfigError, err, "invalid --%s", FlagLogLevel)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return result.New(result.ConfigError, "unknown log format %q (must be text or json)", c.LogFormat)
	}
	return nil
}

// ResolveFormat returns the explicit format or the one implied by the input
// file name.
func (c Config) ResolveFormat() (string, error) {
	if c.Format != "" {
		return c.Format, nil
	}
	format := source.InferFormat(c.Input)
	if source.Get(format) == nil {
		return "", result.New(result.ConfigError, "cannot infer format of %q; pass --%s", c.Input, FlagFormat)
	}
	return format, nil
}
