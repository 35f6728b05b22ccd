package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eugenetaranov/daggy/internal/connector"
	"github.com/eugenetaranov/daggy/internal/connector/local"
	"github.com/eugenetaranov/daggy/internal/event"
	"github.com/eugenetaranov/daggy/internal/mux"
	"github.com/eugenetaranov/daggy/internal/result"
	"github.com/eugenetaranov/daggy/internal/source"
)

// recorder collects emitted events.
type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) Emit(ev event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Event(nil), r.events...)
}

func (r *recorder) errors() []error {
	var out []error
	for _, ev := range r.all() {
		if e, ok := ev.(event.ErrorEvent); ok {
			out = append(out, e.Err)
		}
	}
	return out
}

func (r *recorder) states() []event.ProviderState {
	var out []event.ProviderState
	for _, ev := range r.all() {
		if e, ok := ev.(event.StateEvent); ok {
			out = append(out, e.State)
		}
	}
	return out
}

func (r *recorder) final() event.StateEvent {
	evs := r.all()
	for i := len(evs) - 1; i >= 0; i-- {
		if e, ok := evs[i].(event.StateEvent); ok && e.State == event.Stopped {
			return e
		}
	}
	return event.StateEvent{}
}

func (r *recorder) output(cmd string) string {
	var out []byte
	for _, ev := range r.all() {
		if e, ok := ev.(event.DataEvent); ok && e.Command == cmd {
			out = append(out, e.Payload...)
		}
	}
	return string(out)
}

func waitStopped(t *testing.T, p *Provider) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("provider %s did not stop", p.Name())
	}
}

func def(name string, cmds ...string) source.Definition {
	d := source.Definition{Name: name, Type: "local"}
	for i, c := range cmds {
		d.Commands = append(d.Commands, source.Command{ID: fmt.Sprintf("c%d", i+1), Exec: c})
	}
	return d
}

// fakeProc is a process driven by the test.
type fakeProc struct {
	outR, errR *io.PipeReader
	outW, errW *io.PipeWriter
	ignoreTerm bool

	terms, kills atomic.Int32
	once         sync.Once
	code         chan int
}

func newFakeProc(ignoreTerm bool) *fakeProc {
	f := &fakeProc{ignoreTerm: ignoreTerm, code: make(chan int, 1)}
	f.outR, f.outW = io.Pipe()
	f.errR, f.errW = io.Pipe()
	return f
}

func (f *fakeProc) Stdout() io.Reader { return f.outR }
func (f *fakeProc) Stderr() io.Reader { return f.errR }
func (f *fakeProc) Wait() (int, error) {
	return <-f.code, nil
}

func (f *fakeProc) end(code int) {
	f.once.Do(func() {
		f.outW.Close()
		f.errW.Close()
		f.code <- code
	})
}

func (f *fakeProc) Terminate() error {
	f.terms.Add(1)
	if !f.ignoreTerm {
		f.end(-1)
	}
	return nil
}

func (f *fakeProc) Kill() error {
	f.kills.Add(1)
	f.end(-1)
	return nil
}

// fakeConn hands out scripted processes.
type fakeConn struct {
	mu       sync.Mutex
	procs    map[string]*fakeProc
	startErr map[string]error
	closes   atomic.Int32

	done    chan struct{}
	lostErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{procs: map[string]*fakeProc{}, startErr: map[string]error{}, done: make(chan struct{})}
}

func (c *fakeConn) Connect(context.Context) error { return nil }

func (c *fakeConn) Start(_ context.Context, cmd source.Command) (connector.Process, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.startErr[cmd.ID]; err != nil {
		return nil, err
	}
	p, ok := c.procs[cmd.ID]
	if !ok {
		p = newFakeProc(false)
		c.procs[cmd.ID] = p
	}
	return p, nil
}

func (c *fakeConn) proc(id string) *fakeProc {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.procs[id]
}

func (c *fakeConn) Close() error {
	c.closes.Add(1)
	return nil
}

func (c *fakeConn) String() string        { return "fake" }
func (c *fakeConn) Done() <-chan struct{} { return c.done }
func (c *fakeConn) Err() error            { return c.lostErr }

func TestLocalCommandsStreamAndFinish(t *testing.T) {
	rec := &recorder{}
	p := New(def("local", "echo one", "echo two >&2; exit 0"), Local(local.New()))

	require.NoError(t, p.Start(context.Background(), rec))
	waitStopped(t, p)

	assert.Equal(t, "one\n", rec.output("c1"))
	assert.Equal(t, "two\n", rec.output("c2"))
	assert.Equal(t, []event.ProviderState{event.Running, event.Stopped}, rec.states())

	final := rec.final()
	assert.True(t, final.Started)
	require.Len(t, final.Exits, 2)
	assert.Equal(t, 0, final.Exits["c1"].Code)
	assert.Empty(t, rec.errors())
	assert.Equal(t, event.Stopped, p.State())
}

func TestSequenceNumbersHaveNoGaps(t *testing.T) {
	rec := &recorder{}
	// Enough output to need many reads across both streams
	p := New(def("seq", "i=0; while [ $i -lt 3000 ]; do echo line-$i; echo err-$i >&2; i=$((i+1)); done"), Local(local.New()))

	require.NoError(t, p.Start(context.Background(), rec))
	waitStopped(t, p)

	var seqs []uint64
	for _, ev := range rec.all() {
		if e, ok := ev.(event.DataEvent); ok {
			seqs = append(seqs, e.Seq)
		}
	}
	require.Greater(t, len(seqs), 2)
	for i, s := range seqs {
		assert.Equal(t, uint64(i+1), s)
	}
}

func TestNonZeroExitIsRuntimeError(t *testing.T) {
	rec := &recorder{}
	p := New(def("bad", "exit 1"), Local(local.New()))

	require.NoError(t, p.Start(context.Background(), rec))
	waitStopped(t, p)

	errs := rec.errors()
	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], result.ProviderRuntimeError))
	assert.False(t, rec.final().Exits["c1"].Clean())
}

func TestStopIsIdempotent(t *testing.T) {
	rec := &recorder{}
	conn := newFakeConn()
	p := New(def("fake", "a", "b"), Local(conn))

	require.NoError(t, p.Start(context.Background(), rec))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Stop()
		}()
	}
	wg.Wait()
	waitStopped(t, p)

	assert.Equal(t, int32(1), conn.proc("c1").terms.Load())
	assert.Equal(t, int32(1), conn.proc("c2").terms.Load())
	assert.Equal(t, []event.ProviderState{event.Running, event.Stopping, event.Stopped}, rec.states())

	final := rec.final()
	assert.True(t, final.Exits["c1"].Requested)
	assert.True(t, final.Exits["c1"].Clean())
	assert.Empty(t, rec.errors())
	assert.Equal(t, int32(1), conn.closes.Load())
}

func TestSurvivorsAreKilledAfterGrace(t *testing.T) {
	rec := &recorder{}
	conn := newFakeConn()
	conn.procs["c1"] = newFakeProc(true)
	p := New(def("stubborn", "a"), Local(conn), WithGrace(50*time.Millisecond))

	require.NoError(t, p.Start(context.Background(), rec))
	p.Stop()
	waitStopped(t, p)

	assert.Equal(t, int32(1), conn.proc("c1").terms.Load())
	assert.Equal(t, int32(1), conn.proc("c1").kills.Load())
	assert.True(t, rec.final().Exits["c1"].Killed)
}

func TestCommandExitingDuringGraceIsNotKilled(t *testing.T) {
	rec := &recorder{}
	conn := newFakeConn()
	conn.procs["c1"] = newFakeProc(true)
	conn.procs["c2"] = newFakeProc(true)
	p := New(def("mixed", "a", "b"), Local(conn), WithGrace(300*time.Millisecond))

	require.NoError(t, p.Start(context.Background(), rec))
	p.Stop()
	conn.proc("c2").end(0)
	waitStopped(t, p)

	assert.Equal(t, int32(1), conn.proc("c2").terms.Load())
	assert.Equal(t, int32(0), conn.proc("c2").kills.Load())
	assert.Equal(t, int32(1), conn.proc("c1").kills.Load())

	exits := rec.final().Exits
	assert.False(t, exits["c2"].Killed)
	assert.True(t, exits["c1"].Killed)
}

func TestNoSignalAfterExitIsCollected(t *testing.T) {
	proc := newFakeProc(false)
	c := &command{id: "c1", proc: proc}
	c.exited = true

	require.NoError(t, c.signal(false))
	require.NoError(t, c.signal(true))
	assert.Equal(t, int32(0), proc.terms.Load())
	assert.Equal(t, int32(0), proc.kills.Load())
	assert.False(t, c.killed.Load())
}

func TestLocalProcessIgnoringTermIsKilled(t *testing.T) {
	rec := &recorder{}
	p := New(def("trap", "trap '' TERM; while true; do sleep 0.1; done"), Local(local.New()), WithGrace(200*time.Millisecond))

	require.NoError(t, p.Start(context.Background(), rec))
	time.Sleep(100 * time.Millisecond)
	p.Stop()
	waitStopped(t, p)

	exit := rec.final().Exits["c1"]
	assert.True(t, exit.Killed)
	assert.True(t, exit.Clean())
}

func TestAllCommandsFailToSpawn(t *testing.T) {
	rec := &recorder{}
	conn := newFakeConn()
	conn.startErr["c1"] = errors.New("no such file")
	conn.startErr["c2"] = errors.New("no such file")
	p := New(def("broken", "a", "b"), Local(conn))

	err := p.Start(context.Background(), rec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, result.ProviderStartError))

	waitStopped(t, p)
	assert.Equal(t, []event.ProviderState{event.Stopped}, rec.states())
	assert.False(t, rec.final().Started)
	require.Len(t, rec.errors(), 1)
	assert.Equal(t, int32(1), conn.closes.Load())
}

func TestPartialSpawnFailure(t *testing.T) {
	rec := &recorder{}
	conn := newFakeConn()
	conn.startErr["c2"] = errors.New("no such file")
	p := New(def("partial", "a", "b"), Local(conn))

	require.NoError(t, p.Start(context.Background(), rec))
	assert.Equal(t, event.Running, p.State())
	conn.proc("c1").end(0)
	waitStopped(t, p)

	errs := rec.errors()
	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], result.ProviderStartError))
}

func TestFailedProvider(t *testing.T) {
	rec := &recorder{}
	p := Failed(def("unknown", "a"), result.New(result.NotFound, "provider type %q", "telnet"))

	err := p.Start(context.Background(), rec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, result.ProviderStartError))
	assert.True(t, errors.Is(err, result.NotFound))
	waitStopped(t, p)
	assert.False(t, rec.final().Started)
}

func TestStartTwice(t *testing.T) {
	conn := newFakeConn()
	p := New(def("twice", "a"), Local(conn))
	require.NoError(t, p.Start(context.Background(), &recorder{}))
	err := p.Start(context.Background(), &recorder{})
	assert.True(t, errors.Is(err, result.InvalidState))
	p.Stop()
	waitStopped(t, p)
}

func TestStopBeforeStart(t *testing.T) {
	p := New(def("idle", "a"), Local(newFakeConn()))
	p.Stop()
	waitStopped(t, p)

	err := p.Start(context.Background(), &recorder{})
	assert.True(t, errors.Is(err, result.InvalidState))
}

func TestRemoteTargetReleasesOnStop(t *testing.T) {
	m := mux.New(mux.WithRetries(0), mux.WithBackoff(time.Millisecond))
	conn := newFakeConn()
	key := mux.Key{Host: "db1"}
	dial := func() connector.Connector { return conn }

	a := New(source.Definition{Name: "a", Commands: []source.Command{{ID: "x", Exec: "x"}}}, Remote(m, key, dial))
	b := New(source.Definition{Name: "b", Commands: []source.Command{{ID: "y", Exec: "y"}}}, Remote(m, key, dial))
	require.NoError(t, a.Start(context.Background(), &recorder{}))
	require.NoError(t, b.Start(context.Background(), &recorder{}))
	assert.Equal(t, 2, m.Refs(key))

	a.Stop()
	waitStopped(t, a)
	assert.Equal(t, 1, m.Refs(key))
	assert.Equal(t, int32(0), conn.closes.Load())

	b.Stop()
	waitStopped(t, b)
	assert.Equal(t, 0, m.Refs(key))
	assert.Equal(t, int32(1), conn.closes.Load())
}

func TestRemoteAuthFailure(t *testing.T) {
	m := mux.New(mux.WithRetries(1), mux.WithBackoff(time.Millisecond))
	rec := &recorder{}
	dial := func() connector.Connector { return &refusingConn{} }

	p := New(def("db", "x"), Remote(m, mux.Key{Host: "db1"}, dial))
	err := p.Start(context.Background(), rec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, result.MasterConnectionError))

	waitStopped(t, p)
	assert.Equal(t, []event.ProviderState{event.Stopped}, rec.states())
	errs := rec.errors()
	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], result.MasterConnectionError))
}

func TestTransportLossStopsRemoteProvider(t *testing.T) {
	m := mux.New(mux.WithRetries(0), mux.WithBackoff(time.Millisecond))
	rec := &recorder{}
	conn := newFakeConn()
	dial := func() connector.Connector { return conn }

	p := New(def("db", "x"), Remote(m, mux.Key{Host: "db1"}, dial), WithGrace(50*time.Millisecond))
	require.NoError(t, p.Start(context.Background(), rec))

	conn.lostErr = errors.New("connection reset")
	close(conn.done)
	waitStopped(t, p)

	errs := rec.errors()
	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], result.MasterConnectionError))
	exit := rec.final().Exits["c1"]
	assert.False(t, exit.Requested)
	assert.Equal(t, 0, m.Refs(mux.Key{Host: "db1"}))
}

type refusingConn struct{}

func (refusingConn) Connect(context.Context) error { return errors.New("permission denied") }
func (refusingConn) Start(context.Context, source.Command) (connector.Process, error) {
	return nil, errors.New("not connected")
}
func (refusingConn) Close() error   { return nil }
func (refusingConn) String() string { return "refusing" }
