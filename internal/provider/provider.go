// Package provider runs the commands of one data source and reports their
// output and lifecycle as events.
//
// A Provider does not know where its commands run. A Target hands it a
// connected connector: a local shell, or a reference on a transport shared
// through the connection multiplexer.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eugenetaranov/daggy/internal/connector"
	"github.com/eugenetaranov/daggy/internal/event"
	"github.com/eugenetaranov/daggy/internal/logging"
	"github.com/eugenetaranov/daggy/internal/metrics"
	"github.com/eugenetaranov/daggy/internal/result"
	"github.com/eugenetaranov/daggy/internal/source"
)

// DefaultGrace is how long commands get to exit after a termination request.
const DefaultGrace = 3 * time.Second

const readSize = 4096

// Provider executes one data source.
type Provider struct {
	def    source.Definition
	target Target
	grace  time.Duration
	log    logging.Logger
	// preErr makes the provider fail on Start without running anything.
	preErr error
	// emit is set once by Start before any goroutine reads it.
	emit event.Emitter

	// mu guards the fields below. Lifecycle and error events are emitted
	// while holding it so they reach the consumer in state order.
	mu        sync.Mutex
	state     event.ProviderState
	starting  bool
	stopping  bool
	requested bool
	lost      bool
	running   map[string]*command
	exits     map[string]event.Exit
	done      chan struct{}
}

type command struct {
	id     string
	proc   connector.Process
	killed atomic.Bool

	// sigMu orders signals against the exit being recorded.
	sigMu  sync.Mutex
	exited bool

	// mu serializes sequence numbers across both streams.
	mu  sync.Mutex
	seq uint64
}

// Option configures a Provider.
type Option func(*Provider)

// WithGrace sets the termination grace period.
func WithGrace(d time.Duration) Option {
	return func(p *Provider) {
		if d >= 0 {
			p.grace = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.log = l
		}
	}
}

// New creates an idle provider for def running through target.
func New(def source.Definition, target Target, opts ...Option) *Provider {
	p := &Provider{
		def:     def,
		target:  target,
		grace:   DefaultGrace,
		log:     logging.NoOp{},
		state:   event.Idle,
		running: make(map[string]*command),
		exits:   make(map[string]event.Exit),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = logging.With(p.log, "source", def.Name)
	return p
}

// Failed creates a provider that reports err as its start failure.
func Failed(def source.Definition, err error, opts ...Option) *Provider {
	p := New(def, nil, opts...)
	p.preErr = err
	return p
}

// Name returns the data source name.
func (p *Provider) Name() string { return p.def.Name }

// Definition returns the data source the provider runs.
func (p *Provider) Definition() source.Definition { return p.def }

// State returns the current lifecycle state.
func (p *Provider) State() event.ProviderState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Done is closed once the provider is Stopped.
func (p *Provider) Done() <-chan struct{} { return p.done }

// Start opens the target and spawns one process per command. It returns
// once every command was spawned or failed to spawn; output is delivered
// to emit afterwards. The provider reaches Running on the first successful
// spawn and Stopped directly when nothing could be spawned.
//
// emit may block on DataEvents to apply backpressure but must not block on
// any other event.
func (p *Provider) Start(ctx context.Context, emit event.Emitter) error {
	p.mu.Lock()
	if p.state != event.Idle || p.starting || p.stopping {
		p.mu.Unlock()
		return result.New(result.InvalidState, "provider %q is %s", p.def.Name, p.state)
	}
	p.starting = true
	p.emit = emit
	p.mu.Unlock()

	if p.preErr != nil {
		err := p.preErr
		if result.KindOf(err, result.Success) != result.ProviderStartError {
			err = result.Wrap(result.ProviderStartError, err, "source %q", p.def.Name)
		}
		p.fail(err)
		return err
	}

	conn, err := p.target.Open(ctx)
	if err != nil {
		if result.KindOf(err, result.Success) == result.Success {
			err = result.Wrap(result.ProviderStartError, err, "source %q", p.def.Name)
		}
		p.fail(err)
		return err
	}

	p.mu.Lock()
	cancelled := p.stopping
	p.mu.Unlock()
	if cancelled {
		p.finish(false)
		return nil
	}

	var spawned []*command
	var failures []string
	for _, cmd := range p.def.Commands {
		proc, err := conn.Start(ctx, cmd)
		if err != nil {
			p.log.Warn("command failed to start", "command", cmd.ID, "error", err)
			failures = append(failures, fmt.Sprintf("%s: %v", cmd.ID, err))
			p.send(event.CommandEvent{Source: p.def.Name, Command: cmd.ID, State: event.CommandFailedToStart, At: time.Now()})
			continue
		}
		spawned = append(spawned, &command{id: cmd.ID, proc: proc})
		p.send(event.CommandEvent{Source: p.def.Name, Command: cmd.ID, State: event.CommandStarted, At: time.Now()})
	}

	if len(spawned) == 0 {
		err := result.New(result.ProviderStartError, "source %q: no command started: %s", p.def.Name, strings.Join(failures, "; "))
		p.fail(err)
		return err
	}

	p.mu.Lock()
	for _, c := range spawned {
		p.running[c.id] = c
	}
	p.state = event.Running
	p.starting = false
	p.send(event.StateEvent{Source: p.def.Name, State: event.Running, Started: true})
	for _, f := range failures {
		p.send(event.ErrorEvent{Source: p.def.Name, Err: result.New(result.ProviderStartError, "source %q: %s", p.def.Name, f)})
	}
	// Stop arrived while spawning
	pending := p.stopping
	if pending {
		p.state = event.Stopping
		p.send(event.StateEvent{Source: p.def.Name, State: event.Stopping, Started: true})
	}
	p.mu.Unlock()

	p.log.Info("provider running", "commands", len(spawned))

	for _, c := range spawned {
		go p.supervise(c)
	}

	if lost := p.target.Lost(); lost != nil {
		go p.watchTransport(lost)
	}

	if pending {
		p.terminate(spawned)
	}
	return nil
}

// supervise streams a command's output and records its exit.
func (p *Provider) supervise(c *command) {
	var wg sync.WaitGroup
	wg.Add(2)
	go p.read(c, event.Stdout, c.proc.Stdout(), &wg)
	go p.read(c, event.Stderr, c.proc.Stderr(), &wg)
	wg.Wait()

	code, waitErr := c.proc.Wait()

	c.sigMu.Lock()
	c.exited = true
	c.sigMu.Unlock()

	p.mu.Lock()
	exit := event.Exit{Code: code, Requested: p.requested, Killed: c.killed.Load()}
	p.exits[c.id] = exit
	delete(p.running, c.id)
	remaining := len(p.running)

	p.send(event.CommandEvent{Source: p.def.Name, Command: c.id, State: event.CommandExited, Exit: exit, At: time.Now()})
	switch {
	case exit.Requested || p.lost:
	case waitErr != nil:
		p.send(event.ErrorEvent{Source: p.def.Name, Err: result.Wrap(result.ProviderRuntimeError, waitErr, "command %q", c.id)})
	case code != 0:
		p.send(event.ErrorEvent{Source: p.def.Name, Err: result.New(result.ProviderRuntimeError, "command %q exited with code %d", c.id, code)})
	}
	p.mu.Unlock()

	p.log.Debug("command exited", "command", c.id, "code", code, "requested", exit.Requested)

	if remaining == 0 {
		p.finish(true)
	}
}

// read turns a stream into DataEvents.
func (p *Provider) read(c *command, stream event.Stream, r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()

	streamName := stream.String()
	for {
		buf := make([]byte, readSize)
		n, err := r.Read(buf)
		if n > 0 {
			c.mu.Lock()
			c.seq++
			p.send(event.DataEvent{
				Source:  p.def.Name,
				Command: c.id,
				Stream:  stream,
				Payload: buf[:n],
				Seq:     c.seq,
			})
			c.mu.Unlock()
			metrics.DataEventsTotal.WithLabelValues(p.def.Name, streamName).Inc()
			metrics.DataBytesTotal.WithLabelValues(p.def.Name, streamName).Add(float64(n))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				p.mu.Lock()
				if !p.stopping {
					p.send(event.ErrorEvent{Source: p.def.Name, Err: result.Wrap(result.ProviderRuntimeError, err, "reading %s of %q", streamName, c.id)})
				}
				p.mu.Unlock()
			}
			return
		}
	}
}

// watchTransport stops the provider when its shared transport fails.
func (p *Provider) watchTransport(lost <-chan struct{}) {
	select {
	case <-lost:
	case <-p.done:
		return
	}

	err := p.target.Err()
	if err == nil {
		err = result.New(result.MasterConnectionError, "transport of %q lost", p.def.Name)
	}

	p.mu.Lock()
	if p.state != event.Running && p.state != event.Stopping {
		p.mu.Unlock()
		return
	}
	p.lost = true
	p.send(event.ErrorEvent{Source: p.def.Name, Err: err})
	p.mu.Unlock()

	p.log.Warn("shared transport lost", "error", err)
	p.shutdown(false)
}

// Stop asks every running command to terminate and kills survivors after
// the grace period. Only the first call has an effect.
func (p *Provider) Stop() {
	p.shutdown(true)
}

func (p *Provider) shutdown(requested bool) {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return
	}
	p.stopping = true
	p.requested = requested

	switch p.state {
	case event.Idle:
		if !p.starting {
			// Never started
			p.state = event.Stopped
			close(p.done)
		}
		p.mu.Unlock()
		return
	case event.Running:
		p.state = event.Stopping
		p.send(event.StateEvent{Source: p.def.Name, State: event.Stopping, Started: true})
	default:
		p.mu.Unlock()
		return
	}

	cmds := make([]*command, 0, len(p.running))
	for _, c := range p.running {
		cmds = append(cmds, c)
	}
	p.mu.Unlock()

	p.log.Info("stopping provider", "requested", requested, "commands", len(cmds))
	p.terminate(cmds)
}

// terminate signals cmds once and arms the kill timer.
func (p *Provider) terminate(cmds []*command) {
	for _, c := range cmds {
		if err := c.signal(false); err != nil {
			p.log.Debug("terminate failed", "command", c.id, "error", err)
		}
	}

	go func() {
		timer := time.NewTimer(p.grace)
		defer timer.Stop()

		select {
		case <-p.done:
			return
		case <-timer.C:
		}

		p.mu.Lock()
		survivors := make([]*command, 0, len(p.running))
		for _, c := range p.running {
			survivors = append(survivors, c)
		}
		p.mu.Unlock()

		for _, c := range survivors {
			p.log.Warn("killing command after grace period", "command", c.id, "grace", p.grace)
			if err := c.signal(true); err != nil {
				p.log.Debug("kill failed", "command", c.id, "error", err)
			}
		}
	}()
}

// signal terminates or kills the command unless its exit was already
// collected.
func (c *command) signal(kill bool) error {
	c.sigMu.Lock()
	defer c.sigMu.Unlock()
	if c.exited {
		return nil
	}
	if kill {
		c.killed.Store(true)
		return c.proc.Kill()
	}
	return c.proc.Terminate()
}

// fail reports a start failure and stops.
func (p *Provider) fail(err error) {
	p.log.Error("provider failed to start", "error", err)
	p.mu.Lock()
	p.send(event.ErrorEvent{Source: p.def.Name, Err: err})
	p.mu.Unlock()
	p.finish(false)
}

// finish releases the target and emits the final Stopped event.
func (p *Provider) finish(started bool) {
	p.mu.Lock()
	if p.state == event.Stopped {
		p.mu.Unlock()
		return
	}
	p.state = event.Stopped
	p.starting = false
	exits := make(map[string]event.Exit, len(p.exits))
	for id, e := range p.exits {
		exits[id] = e
	}
	p.mu.Unlock()

	// Released before Stopped is reported so a finished session holds no
	// transport references.
	if p.target != nil {
		p.target.Close()
	}

	p.log.Info("provider stopped")
	p.mu.Lock()
	p.send(event.StateEvent{Source: p.def.Name, State: event.Stopped, Started: started, Exits: exits})
	close(p.done)
	p.mu.Unlock()
}

func (p *Provider) send(ev event.Event) {
	if p.emit != nil {
		p.emit.Emit(ev)
	}
}
