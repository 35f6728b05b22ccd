// Package event defines the typed messages providers deliver to a session.
//
// Ordering: DataEvents of one (source, command) pair arrive in strictly
// increasing Seq order starting at 1. Nothing is guaranteed across commands,
// across sources, or between data and lifecycle events of different sources.
package event

import (
	"fmt"
	"time"
)

// Event is implemented by every message a provider emits.
type Event interface {
	// SourceName returns the data source the event belongs to.
	SourceName() string
}

// Stream identifies the output stream a payload was read from.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// DataEvent is one chunk of output read from a command.
type DataEvent struct {
	Source  string
	Command string
	Stream  Stream
	Payload []byte
	Seq     uint64
}

// SourceName implements Event.
func (e DataEvent) SourceName() string { return e.Source }

// ProviderState is the lifecycle state of a provider.
type ProviderState int

const (
	Idle ProviderState = iota
	Running
	Stopping
	Stopped
)

func (s ProviderState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StateEvent reports a provider state transition. The Stopped event is the
// last event a provider emits and carries the exit status of every command
// that was spawned.
type StateEvent struct {
	Source string
	State  ProviderState
	// Started is true when at least one command was spawned.
	Started bool
	// Exits maps command id to exit status; set on Stopped only.
	Exits map[string]Exit
}

// SourceName implements Event.
func (e StateEvent) SourceName() string { return e.Source }

// Exit describes how a command ended.
type Exit struct {
	Code int
	// Requested is true when the command ended because stop was requested.
	Requested bool
	// Killed is true when the command survived the grace period.
	Killed bool
}

// Clean reports whether the command ended without failure.
func (e Exit) Clean() bool {
	return e.Requested || e.Code == 0
}

// CommandState is the lifecycle of a single command.
type CommandState int

const (
	CommandStarted CommandState = iota
	CommandExited
	CommandFailedToStart
)

func (s CommandState) String() string {
	switch s {
	case CommandStarted:
		return "started"
	case CommandExited:
		return "exited"
	case CommandFailedToStart:
		return "failed to start"
	default:
		return fmt.Sprintf("command(%d)", int(s))
	}
}

// CommandEvent reports a command lifecycle change.
type CommandEvent struct {
	Source  string
	Command string
	State   CommandState
	Exit    Exit
	At      time.Time
}

// SourceName implements Event.
func (e CommandEvent) SourceName() string { return e.Source }

// ErrorEvent carries a failure attributed to one source. Err is normally a
// result.Result.
type ErrorEvent struct {
	Source string
	Err    error
}

// SourceName implements Event.
func (e ErrorEvent) SourceName() string { return e.Source }

// Emitter delivers events to their consumer.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(Event)

// Emit calls f(ev).
func (f EmitterFunc) Emit(ev Event) { f(ev) }
