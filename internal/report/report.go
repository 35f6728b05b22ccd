// Package report forwards recorded session errors to Sentry.
package report

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/eugenetaranov/daggy/internal/result"
)

// Reporter captures errors attributed to data sources.
type Reporter struct {
	sessionID string
	enabled   bool
}

// Options configures the Sentry client.
type Options struct {
	DSN         string
	Environment string
	Release     string
	SessionID   string
}

// New initializes the Sentry client. An empty DSN yields a disabled
// reporter whose methods do nothing.
func New(opts Options) (*Reporter, error) {
	if opts.DSN == "" {
		return &Reporter{sessionID: opts.SessionID}, nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:         opts.DSN,
		Environment: opts.Environment,
		Release:     opts.Release,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Sentry: %w", err)
	}

	return &Reporter{sessionID: opts.SessionID, enabled: true}, nil
}

// Enabled reports whether events are sent anywhere.
func (r *Reporter) Enabled() bool {
	return r != nil && r.enabled
}

// Capture sends one source error.
func (r *Reporter) Capture(src string, err error) {
	if !r.Enabled() || err == nil {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("source", src)
		scope.SetTag("kind", result.KindOf(err, result.ProviderRuntimeError).String())
		if r.sessionID != "" {
			scope.SetTag("session", r.sessionID)
		}
		sentry.CaptureException(err)
	})
}

// Flush waits for buffered events to be delivered.
func (r *Reporter) Flush(timeout time.Duration) {
	if !r.Enabled() {
		return
	}
	sentry.Flush(timeout)
}
