// Package result defines the error classification shared by every daggy component.
package result

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	// Success is the zero Kind and never describes a failure.
	Success Kind = iota

	// ConfigError is a malformed or conflicting data-source configuration.
	ConfigError

	// ProviderStartError is a spawn or authentication failure of one source.
	ProviderStartError

	// ProviderRuntimeError is an unexpected process exit or broken stream mid-run.
	ProviderRuntimeError

	// MasterConnectionError is a shared remote transport that could not be
	// established or was lost after exhausting its retry budget.
	MasterConnectionError

	// SinkError is a failure of the sink to store an event. It is a warning.
	SinkError

	// TimeoutExceeded marks a session stopped by its deadline. It is not a failure.
	TimeoutExceeded

	// NotFound is an unknown provider type or convertor.
	NotFound

	// InvalidState is an operation issued in a state that does not permit it.
	InvalidState
)

var kindNames = map[Kind]string{
	Success:               "success",
	ConfigError:           "config error",
	ProviderStartError:    "provider start error",
	ProviderRuntimeError:  "provider runtime error",
	MasterConnectionError: "master connection error",
	SinkError:             "sink error",
	TimeoutExceeded:       "timeout exceeded",
	NotFound:              "not found",
	InvalidState:          "invalid state",
}

// String returns the human readable name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error lets a Kind act as a comparison target for errors.Is.
func (k Kind) Error() string {
	return k.String()
}

// Result carries a Kind plus optional detail and cause.
// Results compare by Kind only.
type Result struct {
	Kind   Kind
	Detail string
	Err    error
}

// New creates a Result with a formatted detail message.
func New(kind Kind, format string, args ...any) Result {
	return Result{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap creates a Result of the given kind caused by err.
func Wrap(kind Kind, err error, format string, args ...any) Result {
	return Result{Kind: kind, Detail: fmt.Sprintf(format, args...), Err: err}
}

// OK reports whether the Result describes success.
func (r Result) OK() bool {
	return r.Kind == Success
}

func (r Result) Error() string {
	msg := r.Kind.String()
	if r.Detail != "" {
		msg += ": " + r.Detail
	}
	if r.Err != nil {
		msg += ": " + r.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (r Result) Unwrap() error {
	return r.Err
}

// Is matches a Kind target or another Result of the same Kind.
func (r Result) Is(target error) bool {
	switch t := target.(type) {
	case Kind:
		return r.Kind == t
	case Result:
		return r.Kind == t.Kind
	case *Result:
		return t != nil && r.Kind == t.Kind
	}
	return false
}

// KindOf returns the Kind of the first Result in err's chain.
// A nil error is Success; an unclassified error is reported with fallback.
func KindOf(err error, fallback Kind) Kind {
	if err == nil {
		return Success
	}
	var r Result
	if errors.As(err, &r) {
		return r.Kind
	}
	return fallback
}

// Ensure Result implements error.
var _ error = Result{}
