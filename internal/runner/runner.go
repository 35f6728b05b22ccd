// Package runner owns one daggy session from parsed settings to exit status.
package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/eugenetaranov/daggy/internal/config"
	"github.com/eugenetaranov/daggy/internal/event"
	"github.com/eugenetaranov/daggy/internal/fabric"
	"github.com/eugenetaranov/daggy/internal/logging"
	"github.com/eugenetaranov/daggy/internal/metrics"
	"github.com/eugenetaranov/daggy/internal/mux"
	"github.com/eugenetaranov/daggy/internal/output"
	"github.com/eugenetaranov/daggy/internal/report"
	"github.com/eugenetaranov/daggy/internal/result"
	"github.com/eugenetaranov/daggy/internal/session"
	"github.com/eugenetaranov/daggy/internal/sink"
	"github.com/eugenetaranov/daggy/internal/source"
)

// Exit statuses.
const (
	ExitOK      = 0
	ExitFailure = 1
)

const flushTimeout = 2 * time.Second

// Options carries the process surroundings of a run.
type Options struct {
	Stdin    io.Reader
	Stdout   io.Writer
	Stderr   io.Writer
	Version  string
	Registry *fabric.Registry
	// Now is used for the default output folder name.
	Now func() time.Time
	// DataDir is searched for a relative input file missing from the
	// working directory.
	DataDir string
}

func (o *Options) defaults() {
	if o.Stdin == nil {
		o.Stdin = os.Stdin
	}
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	if o.Registry == nil {
		o.Registry = fabric.NewDefault()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.DataDir == "" {
		o.DataDir = config.DataDir()
	}
}

// Run executes one session and blocks until it is Finished. Cancelling ctx
// interrupts the session. The status is ExitFailure when the settings or
// the data sources are invalid, or when no data source started.
func Run(ctx context.Context, cfg config.Config, opts Options) int {
	opts.defaults()
	out := output.New(opts.Stdout)
	out.SetColor(!cfg.NoColor)
	out.SetDebug(cfg.Debug)

	if err := cfg.Validate(); err != nil {
		out.Error("%v", err)
		return ExitFailure
	}

	level, _ := logging.ParseLevel(cfg.LogLevel)
	log := logging.New(opts.Stderr, level, cfg.LogFormat)

	folder, err := outputFolder(cfg, opts.Now())
	if err != nil {
		out.Error("%v", err)
		return ExitFailure
	}

	if !cfg.Stdin {
		cfg.Input = source.Locate(cfg.Input, opts.DataDir)
	}
	defs, err := load(cfg, folder, opts.Stdin)
	if err != nil {
		out.Error("%v", err)
		return ExitFailure
	}

	id := uuid.NewString()

	if cfg.MetricsAddr != "" {
		srv := metrics.Serve(cfg.MetricsAddr, func(err error) {
			log.Error("metrics server failed", "addr", cfg.MetricsAddr, "error", err)
		})
		defer srv.Close()
		out.Info("metrics on http://%s/metrics", cfg.MetricsAddr)
	}

	rep, err := report.New(report.Options{DSN: cfg.SentryDSN, Release: opts.Version, SessionID: id})
	if err != nil {
		out.Warn("error reporting disabled: %v", err)
		rep = nil
	}
	defer rep.Flush(flushTimeout)

	m := mux.New(
		mux.WithRetries(cfg.ConnectRetries),
		mux.WithBackoff(cfg.ConnectBackoff),
		mux.WithLogger(log),
	)
	defer m.Close()

	files := sink.NewFile(folder, defs)
	var sk sink.Sink = files
	if cfg.Echo {
		sk = sink.Multi{files, sink.NewConsole(out.Writer())}
	}
	defer func() {
		if err := sk.Close(); err != nil {
			log.Warn("closing output failed", "error", err)
		}
	}()

	overflow, _ := session.ParseOverflow(cfg.Overflow)
	sessOpts := []session.Option{
		session.WithID(id),
		session.WithRegistry(opts.Registry),
		session.WithMux(m),
		session.WithSink(sk),
		session.WithGrace(cfg.Grace),
		session.WithDeadline(cfg.Timeout),
		session.WithQueue(cfg.QueueSize, overflow),
		session.WithLogger(log),
		session.OnStateChange(out.SessionState),
		session.OnEvent(func(ev event.Event) {
			if _, ok := ev.(event.DataEvent); !ok {
				out.Event(ev)
			}
		}),
		session.OnFinished(out.Recap),
	}
	if rep.Enabled() {
		sessOpts = append(sessOpts, session.WithReporter(rep))
	}
	s := session.New(sessOpts...)

	if err := s.Configure(defs); err != nil {
		out.Error("%v", err)
		return ExitFailure
	}

	input := cfg.Input
	if cfg.Stdin {
		input = "<stdin>"
	}
	out.SessionStart(input, id, folder)
	for _, d := range defs {
		out.Debug("%s: type=%s host=%s commands=%d", d.Name, d.GetType(), d.Host, len(d.Commands))
	}

	status := ExitOK
	if err := s.Start(ctx); err != nil {
		out.Error("%v", err)
		s.Stop()
		status = ExitFailure
	}

	select {
	case <-s.Done():
	case <-ctx.Done():
		log.Info("interrupt received")
		s.Interrupt()
		<-s.Done()
	}
	return status
}

func outputFolder(cfg config.Config, now time.Time) (string, error) {
	if cfg.Output != "" {
		return cfg.Output, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to determine working directory: %w", err)
	}
	return sink.DefaultDir(cwd, cfg.Input, now), nil
}

func load(cfg config.Config, folder string, stdin io.Reader) ([]source.Definition, error) {
	vars := source.TemplateVars(os.Environ(), folder)

	if cfg.Stdin {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, result.Wrap(result.ConfigError, err, "failed to read standard input")
		}
		return source.ParseText(data, cfg.Format, vars)
	}

	format, err := cfg.ResolveFormat()
	if err != nil {
		return nil, err
	}
	return source.ParseFile(cfg.Input, format, vars)
}

// Check parses a data-source file and builds a provider for every source
// to verify its type and settings. It starts nothing.
func Check(path, format string, reg *fabric.Registry) ([]source.Definition, error) {
	path = source.Locate(path, config.DataDir())
	if format == "" {
		format = source.InferFormat(path)
	}
	defs, err := source.ParseFile(path, format, source.TemplateVars(os.Environ(), ""))
	if err != nil {
		return nil, err
	}

	m := mux.New()
	defer m.Close()
	for _, d := range defs {
		if _, err := reg.Create(d, fabric.Env{Mux: m}); err != nil {
			return nil, err
		}
	}
	return defs, nil
}
