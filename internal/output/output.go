// Package output provides formatted terminal output for a running session.
package output

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/eugenetaranov/daggy/internal/event"
	"github.com/eugenetaranov/daggy/internal/session"
)

// Colors for terminal output.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

// Output handles formatted output. It is safe for concurrent use.
type Output struct {
	mu       sync.Mutex
	w        io.Writer
	useColor bool
	debug    bool
}

// New creates a new output handler.
func New(w io.Writer) *Output {
	return &Output{
		w:        w,
		useColor: true,
	}
}

// SetColor enables or disables color output.
func (o *Output) SetColor(enabled bool) {
	o.useColor = enabled
}

// SetDebug enables or disables debug output.
func (o *Output) SetDebug(enabled bool) {
	o.debug = enabled
}

// color returns the string wrapped in color codes if enabled.
func (o *Output) color(c, s string) string {
	if !o.useColor {
		return s
	}
	return c + s + colorReset
}

// SessionStart prints the session banner.
func (o *Output) SessionStart(input, id, folder string) {
	o.printf("\n%s %s %s\n", o.color(colorBold, "SESSION"), input, o.color(colorGray, "("+id+")"))
	if folder != "" {
		o.printf("  %s %s\n", o.color(colorGray, "output:"), folder)
	}
}

// SessionState prints a session state transition.
func (o *Output) SessionState(st session.State) {
	c := colorBlue
	switch st {
	case session.Finishing:
		c = colorYellow
	case session.Finished:
		c = colorGreen
	}
	o.printf("%s %s\n", o.color(colorBold, "STATE"), o.color(c, st.String()))
}

// Event prints provider lifecycle events in a single line each. Data events
// are not printed.
func (o *Output) Event(ev event.Event) {
	switch e := ev.(type) {
	case event.StateEvent:
		o.providerState(e)
	case event.CommandEvent:
		o.commandState(e)
	case event.ErrorEvent:
		o.printf("  %s %s %s\n", o.color(colorRed, "✗"), e.Source, o.color(colorRed, e.Err.Error()))
	}
}

func (o *Output) providerState(e event.StateEvent) {
	var indicator, c string
	switch e.State {
	case event.Running:
		indicator, c = "▶", colorGreen
	case event.Stopping:
		indicator, c = "■", colorYellow
	case event.Stopped:
		indicator, c = "●", colorCyan
		if !e.Started {
			c = colorRed
		}
	default:
		indicator, c = "?", colorGray
	}
	o.printf("  %s %s %s\n", o.color(c, indicator), e.Source, o.color(c, e.State.String()))

	if o.debug && e.State == event.Stopped {
		ids := make([]string, 0, len(e.Exits))
		for id := range e.Exits {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			o.printf("      %s %s\n", o.color(colorGray, id+":"), describeExit(e.Exits[id]))
		}
	}
}

func (o *Output) commandState(e event.CommandEvent) {
	if !o.debug && e.State == event.CommandStarted {
		return
	}

	var indicator, c, text string
	switch e.State {
	case event.CommandStarted:
		indicator, c, text = "→", colorGray, "started"
	case event.CommandFailedToStart:
		indicator, c, text = "✗", colorRed, "failed to start"
	case event.CommandExited:
		indicator, c, text = "✓", colorGreen, describeExit(e.Exit)
		if !e.Exit.Clean() {
			indicator, c = "✗", colorRed
		}
	}
	o.printf("    %s %s/%s %s\n", o.color(c, indicator), e.Source, e.Command, o.color(c, text))
}

func describeExit(e event.Exit) string {
	switch {
	case e.Killed:
		return "killed"
	case e.Requested:
		return "stopped"
	default:
		return fmt.Sprintf("exit %d", e.Code)
	}
}

// Recap prints the session summary.
func (o *Output) Recap(sum session.Summary) {
	o.printf("\n%s ", o.color(colorBold, "RECAP"))

	sources := o.color(colorBlue, fmt.Sprintf("sources=%d", sum.Sources))
	started := o.color(colorGreen, fmt.Sprintf("started=%d", sum.Started))
	errs := o.color(colorRed, fmt.Sprintf("errors=%d", len(sum.Errors)))
	dropped := o.color(colorYellow, fmt.Sprintf("dropped=%d", sum.Dropped))

	o.printf("%s %s %s %s", sources, started, errs, dropped)
	o.printf(" %s\n", o.color(colorGray, fmt.Sprintf("(%.2fs)", sum.Duration.Seconds())))

	if sum.TimedOut {
		o.printf("  %s\n", o.color(colorCyan, "stopped by deadline"))
	}
	for _, e := range sum.Errors {
		o.printf("  %s %s %s\n", o.color(colorRed, "✗"), e.Source, o.color(colorGray, strings.TrimSpace(e.Err.Error())))
	}
}

// Info prints an informational message.
func (o *Output) Info(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorBlue, "INFO"), fmt.Sprintf(format, args...))
}

// Warn prints a warning message.
func (o *Output) Warn(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorYellow, "WARN"), fmt.Sprintf(format, args...))
}

// Error prints an error message.
func (o *Output) Error(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorRed, "ERROR"), fmt.Sprintf(format, args...))
}

// Debug prints a debug message (only in debug mode).
func (o *Output) Debug(format string, args ...any) {
	if o.debug {
		o.printf("%s %s\n", o.color(colorGray, "DEBUG"), fmt.Sprintf(format, args...))
	}
}

// Writer returns a writer to the same destination that takes turns with
// the handler's own messages. Each Write is printed whole.
func (o *Output) Writer() io.Writer {
	return lockedWriter{o}
}

type lockedWriter struct {
	o *Output
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.o.mu.Lock()
	defer w.o.mu.Unlock()
	return w.o.w.Write(p)
}

func (o *Output) printf(format string, args ...any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fmt.Fprintf(o.w, format, args...)
}
