// Package session supervises a fixed set of data sources as one run.
//
// A Session builds one provider per definition, starts them together and
// routes their output to a sink. Lifecycle and error events of every
// provider go through a single loop goroutine, which owns the session state
// machine:
//
//	NotStarted -> Started -> Finishing -> Finished
//
// Data events bypass the loop. Each source has a bounded queue drained into
// the sink by its own goroutine.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eugenetaranov/daggy/internal/event"
	"github.com/eugenetaranov/daggy/internal/fabric"
	"github.com/eugenetaranov/daggy/internal/logging"
	"github.com/eugenetaranov/daggy/internal/metrics"
	"github.com/eugenetaranov/daggy/internal/mux"
	"github.com/eugenetaranov/daggy/internal/provider"
	"github.com/eugenetaranov/daggy/internal/result"
	"github.com/eugenetaranov/daggy/internal/sink"
	"github.com/eugenetaranov/daggy/internal/source"
)

// DefaultQueueSize is the capacity of a source's data queue.
const DefaultQueueSize = 1024

// State is the lifecycle state of a session.
type State int

const (
	NotStarted State = iota
	Started
	Finishing
	Finished
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not started"
	case Started:
		return "started"
	case Finishing:
		return "finishing"
	case Finished:
		return "finished"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Error is a failure recorded against one data source.
type Error struct {
	Source string
	Err    error
}

// Kind returns the classification of the failure.
func (e Error) Kind() result.Kind {
	return result.KindOf(e.Err, result.ProviderRuntimeError)
}

func (e Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Source, e.Err)
}

func (e Error) Unwrap() error { return e.Err }

// Reporter receives every recorded error.
type Reporter interface {
	Capture(source string, err error)
}

// Summary describes a finished session.
type Summary struct {
	ID       string
	Sources  int
	Started  int
	TimedOut bool
	Dropped  uint64
	Duration time.Duration
	Errors   []Error
	// Exits holds the exit status of every spawned command by source.
	Exits map[string]map[string]event.Exit
}

// Session is the top-level supervised run of all data sources.
type Session struct {
	id         string
	registry   *fabric.Registry
	mux        *mux.Multiplexer
	ownMux     bool
	sink       sink.Sink
	grace      time.Duration
	deadline   time.Duration
	queueSize  int
	overflow   Overflow
	log        logging.Logger
	reporter   Reporter
	onState    func(State)
	onEvent    func(event.Event)
	onFinished func(Summary)

	mu         sync.Mutex
	state      State
	configured bool
	providers  []*provider.Provider
	queues     map[string]*queue
	errors     []Error
	started    map[string]bool
	stopped    map[string]bool
	exits      map[string]map[string]event.Exit
	timedOut   bool
	startedAt  time.Time
	timer      *time.Timer

	inbox    *mailbox
	drainers sync.WaitGroup
	done     chan struct{}
}

// Option configures a Session.
type Option func(*Session)

// WithID sets the session identifier. A random UUID is used otherwise.
func WithID(id string) Option {
	return func(s *Session) {
		if id != "" {
			s.id = id
		}
	}
}

// WithRegistry sets the provider fabric. The built-in types are used by default.
func WithRegistry(r *fabric.Registry) Option {
	return func(s *Session) {
		if r != nil {
			s.registry = r
		}
	}
}

// WithMux shares remote transports through m. The caller keeps ownership;
// without this option the session creates and closes its own multiplexer.
func WithMux(m *mux.Multiplexer) Option {
	return func(s *Session) {
		if m != nil {
			s.mux = m
		}
	}
}

// WithSink sets where data events are written. Events are discarded by default.
func WithSink(sk sink.Sink) Option {
	return func(s *Session) {
		if sk != nil {
			s.sink = sk
		}
	}
}

// WithGrace sets the termination grace period of every provider.
func WithGrace(d time.Duration) Option {
	return func(s *Session) {
		if d >= 0 {
			s.grace = d
		}
	}
}

// WithDeadline stops the session d after it started. Zero disables it.
func WithDeadline(d time.Duration) Option {
	return func(s *Session) {
		if d >= 0 {
			s.deadline = d
		}
	}
}

// WithQueue sets the per-source queue capacity and what happens when it is full.
func WithQueue(size int, overflow Overflow) Option {
	return func(s *Session) {
		if size > 0 {
			s.queueSize = size
		}
		s.overflow = overflow
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithReporter forwards recorded errors to r.
func WithReporter(r Reporter) Option {
	return func(s *Session) {
		s.reporter = r
	}
}

// OnStateChange registers a callback for session state transitions. Calls
// are made in transition order, never concurrently.
func OnStateChange(fn func(State)) Option {
	return func(s *Session) {
		s.onState = fn
	}
}

// OnEvent registers a callback for provider events. Data events are
// delivered after the sink stored them, from one goroutine per source;
// other events come from the session loop. The callback must not block.
func OnEvent(fn func(event.Event)) Option {
	return func(s *Session) {
		s.onEvent = fn
	}
}

// OnFinished registers a callback invoked once when the session is Finished.
func OnFinished(fn func(Summary)) Option {
	return func(s *Session) {
		s.onFinished = fn
	}
}

// New creates a session in the NotStarted state.
func New(opts ...Option) *Session {
	s := &Session{
		id:        uuid.NewString(),
		sink:      sink.Discard{},
		grace:     provider.DefaultGrace,
		queueSize: DefaultQueueSize,
		overflow:  DropOldest,
		log:       logging.NoOp{},
		state:     NotStarted,
		queues:    make(map[string]*queue),
		started:   make(map[string]bool),
		stopped:   make(map[string]bool),
		exits:     make(map[string]map[string]event.Exit),
		inbox:     newMailbox(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = fabric.NewDefault()
	}
	s.log = logging.With(s.log, "session", s.id)
	if s.mux == nil {
		s.mux = mux.New(mux.WithLogger(s.log))
		s.ownMux = true
	}
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the session is Finished.
func (s *Session) Done() <-chan struct{} { return s.done }

// Errors returns the recorded errors in the order they occurred.
func (s *Session) Errors() []Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Error(nil), s.errors...)
}

// Sources returns the configured data source names in declaration order.
func (s *Session) Sources() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.providers))
	for i, p := range s.providers {
		names[i] = p.Name()
	}
	return names
}

// ProviderState returns the state of the named source's provider.
func (s *Session) ProviderState(name string) (event.ProviderState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.providers {
		if p.Name() == name {
			return p.State(), true
		}
	}
	return event.Idle, false
}

// Configure creates one provider per definition. Malformed definitions,
// invalid provider settings and duplicate names fail the whole call with a
// ConfigError and create nothing. A definition whose type cannot be resolved
// gets a provider that fails on start, so the error is recorded against that
// source only.
func (s *Session) Configure(defs []source.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != NotStarted || s.configured {
		return result.New(result.InvalidState, "session is %s and already configured", s.state)
	}
	if len(defs) == 0 {
		return result.New(result.ConfigError, "no data sources defined")
	}
	if err := source.ValidateAll(defs); err != nil {
		return err
	}

	env := fabric.Env{Mux: s.mux, Grace: s.grace, Logger: s.log}
	providers := make([]*provider.Provider, 0, len(defs))
	for _, def := range defs {
		p, err := s.registry.Create(def, env)
		switch {
		case errors.Is(err, result.ConfigError):
			return err
		case err != nil:
			s.log.Warn("data source cannot be created", "source", def.Name, "error", err)
			p = provider.Failed(def, err, provider.WithLogger(s.log))
		}
		providers = append(providers, p)
	}

	s.providers = providers
	for _, p := range providers {
		s.queues[p.Name()] = newQueue(s.queueSize, s.overflow)
	}
	s.configured = true
	s.log.Debug("session configured", "sources", len(providers))
	return nil
}

// Start starts every provider concurrently and returns when each of them
// has either spawned its commands or failed. It fails when no provider
// started; the session then stays Started until Stop is called.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != NotStarted {
		st := s.state
		s.mu.Unlock()
		return result.New(result.InvalidState, "session is %s", st)
	}
	if !s.configured {
		s.mu.Unlock()
		return result.New(result.InvalidState, "session is not configured")
	}
	s.state = Started
	s.startedAt = time.Now()
	providers := append([]*provider.Provider(nil), s.providers...)
	if s.deadline > 0 {
		s.timer = time.AfterFunc(s.deadline, s.timeout)
	}
	s.mu.Unlock()

	s.log.Info("session started", "sources", len(providers), "deadline", s.deadline)
	s.changed(Started)

	for name, q := range s.queues {
		s.drainers.Add(1)
		go s.drain(name, q)
	}
	go s.loop()

	var wg sync.WaitGroup
	oks := make([]bool, len(providers))
	for i, p := range providers {
		wg.Add(1)
		go func(i int, p *provider.Provider) {
			defer wg.Done()
			err := p.Start(ctx, s.emitter(s.queues[p.Name()]))
			if errors.Is(err, result.InvalidState) {
				// Stopped before it could start; it emits nothing.
				s.inbox.post(event.StateEvent{Source: p.Name(), State: event.Stopped})
				return
			}
			oks[i] = err == nil
		}(i, p)
	}
	wg.Wait()

	for _, ok := range oks {
		if ok {
			return nil
		}
	}
	return result.New(result.ProviderStartError, "none of %d data sources started", len(providers))
}

// Stop asks every provider to stop. Only the first call while Started has
// an effect; the session reaches Finished once every provider stopped.
func (s *Session) Stop() {
	s.requestStop(stopRequest{reason: "stop requested"})
}

// Interrupt is Stop on behalf of an external signal.
func (s *Session) Interrupt() {
	s.requestStop(stopRequest{reason: "interrupted"})
}

func (s *Session) timeout() {
	s.requestStop(stopRequest{reason: "deadline reached", timeout: true})
}

type stopRequest struct {
	reason  string
	timeout bool
}

func (s *Session) requestStop(req stopRequest) {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()

	if st != Started {
		return
	}
	s.inbox.post(req)
}

// emitter routes data to the source queue and everything else to the loop.
func (s *Session) emitter(q *queue) event.Emitter {
	return event.EmitterFunc(func(ev event.Event) {
		if d, ok := ev.(event.DataEvent); ok {
			if q.push(d) {
				metrics.DroppedEventsTotal.WithLabelValues(d.Source).Inc()
			}
			return
		}
		s.inbox.post(ev)
	})
}

// loop applies lifecycle events and stop requests until Finished.
func (s *Session) loop() {
	for {
		msg, ok := s.inbox.next()
		if !ok {
			return
		}

		switch m := msg.(type) {
		case stopRequest:
			s.handleStop(m)
		case event.ErrorEvent:
			s.record(m.Source, m.Err)
			s.notify(m)
		case event.CommandEvent:
			s.notify(m)
		case event.StateEvent:
			s.notify(m)
			s.handleState(m)
		}

		if s.State() == Finished {
			s.inbox.close()
			return
		}
	}
}

func (s *Session) handleStop(req stopRequest) {
	s.mu.Lock()
	if s.state != Started {
		s.mu.Unlock()
		return
	}
	s.state = Finishing
	s.timedOut = req.timeout
	if s.timer != nil {
		s.timer.Stop()
	}
	providers := append([]*provider.Provider(nil), s.providers...)
	s.mu.Unlock()

	s.log.Info("stopping session", "reason", req.reason)
	s.changed(Finishing)

	for _, p := range providers {
		go p.Stop()
	}
	s.maybeFinish()
}

func (s *Session) handleState(ev event.StateEvent) {
	s.mu.Lock()
	if ev.Started {
		s.started[ev.Source] = true
	}
	if ev.State == event.Stopped {
		s.stopped[ev.Source] = true
		s.exits[ev.Source] = ev.Exits
	}
	s.mu.Unlock()

	if ev.State == event.Stopped {
		s.maybeFinish()
	}
}

// maybeFinish completes the session once every provider stopped. A session
// that was never stopped finishes on its own when at least one provider ran.
func (s *Session) maybeFinish() {
	s.mu.Lock()
	if len(s.stopped) < len(s.providers) {
		s.mu.Unlock()
		return
	}

	natural := false
	switch s.state {
	case Started:
		if len(s.started) == 0 {
			s.mu.Unlock()
			return
		}
		s.state = Finishing
		natural = true
		if s.timer != nil {
			s.timer.Stop()
		}
	case Finishing:
	default:
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if natural {
		s.log.Info("every data source finished")
		s.changed(Finishing)
	}
	s.finish()
}

func (s *Session) finish() {
	for _, q := range s.queues {
		q.close()
	}
	s.drainers.Wait()

	if s.ownMux {
		s.mux.Close()
	}

	s.mu.Lock()
	s.state = Finished
	summary := s.summaryLocked()
	s.mu.Unlock()

	s.log.Info("session finished", "errors", len(summary.Errors), "duration", summary.Duration)
	s.changed(Finished)
	if s.onFinished != nil {
		s.onFinished(summary)
	}
	close(s.done)
}

func (s *Session) summaryLocked() Summary {
	sum := Summary{
		ID:       s.id,
		Sources:  len(s.providers),
		Started:  len(s.started),
		TimedOut: s.timedOut,
		Duration: time.Since(s.startedAt),
		Errors:   append([]Error(nil), s.errors...),
		Exits:    make(map[string]map[string]event.Exit, len(s.exits)),
	}
	for name, exits := range s.exits {
		sum.Exits[name] = exits
	}
	for _, q := range s.queues {
		sum.Dropped += q.droppedCount()
	}
	return sum
}

// drain writes a source's queued data to the sink. A failing command file
// is reported once.
func (s *Session) drain(name string, q *queue) {
	defer s.drainers.Done()

	failed := make(map[string]bool)
	for {
		ev, ok := q.pop()
		if !ok {
			return
		}
		if err := s.sink.Write(ev); err != nil {
			if !failed[ev.Command] {
				failed[ev.Command] = true
				s.record(name, result.Wrap(result.SinkError, err, "writing output of %q", ev.Command))
			} else {
				s.log.Debug("sink write failed", "source", name, "command", ev.Command, "error", err)
			}
		}
		if s.onEvent != nil {
			s.onEvent(ev)
		}
	}
}

func (s *Session) record(src string, err error) {
	s.mu.Lock()
	s.errors = append(s.errors, Error{Source: src, Err: err})
	s.mu.Unlock()

	kind := result.KindOf(err, result.ProviderRuntimeError)
	metrics.ProviderErrorsTotal.WithLabelValues(src, kind.String()).Inc()
	if kind == result.SinkError {
		s.log.Warn("sink error", "source", src, "error", err)
	} else {
		s.log.Error("data source error", "source", src, "kind", kind.String(), "error", err)
	}
	if s.reporter != nil {
		s.reporter.Capture(src, err)
	}
}

func (s *Session) changed(st State) {
	if s.onState != nil {
		s.onState(st)
	}
}

func (s *Session) notify(ev event.Event) {
	if s.onEvent != nil {
		s.onEvent(ev)
	}
}
