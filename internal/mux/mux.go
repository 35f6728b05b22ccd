// Package mux shares one authenticated transport per (host, identity) between
// every remote provider that targets it.
//
// A handle is created by the first Acquire, connected once, and torn down by
// the Release that drops its reference count to zero. When the transport of a
// connected handle fails, every current holder is notified before the handle
// is reconnected, so no later Acquire can succeed ahead of the notification.
// A host whose retry budget is exhausted is marked Failed and further Acquire
// calls for it fail immediately.
package mux

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eugenetaranov/daggy/internal/connector"
	"github.com/eugenetaranov/daggy/internal/logging"
	"github.com/eugenetaranov/daggy/internal/metrics"
	"github.com/eugenetaranov/daggy/internal/result"
)

const (
	// DefaultRetries is the number of retries after a failed handshake.
	DefaultRetries = 2

	// DefaultBackoff is the fixed delay between handshake attempts.
	DefaultBackoff = 500 * time.Millisecond
)

// State is the lifecycle state of a handle.
type State int

const (
	Idle State = iota
	Connecting
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Key identifies a shared transport.
type Key struct {
	Host     string
	Identity string
}

func (k Key) String() string {
	if k.Identity == "" {
		return k.Host
	}
	return k.Identity + "@" + k.Host
}

// Dialer creates an unconnected connector for a key. It is called once per
// handshake attempt.
type Dialer func() connector.Connector

// Multiplexer is the handle table. All handle mutations happen under one lock.
type Multiplexer struct {
	retries int
	backoff time.Duration
	log     logging.Logger

	mu      sync.Mutex
	handles map[Key]*handle
	failed  map[Key]error
}

// Option configures a Multiplexer.
type Option func(*Multiplexer)

// WithRetries sets how many times a failed handshake is retried.
func WithRetries(n int) Option {
	return func(m *Multiplexer) {
		if n >= 0 {
			m.retries = n
		}
	}
}

// WithBackoff sets the fixed delay between handshake attempts.
func WithBackoff(d time.Duration) Option {
	return func(m *Multiplexer) {
		if d >= 0 {
			m.backoff = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(m *Multiplexer) {
		if l != nil {
			m.log = l
		}
	}
}

// New creates an empty handle table.
func New(opts ...Option) *Multiplexer {
	m := &Multiplexer{
		retries: DefaultRetries,
		backoff: DefaultBackoff,
		log:     logging.NoOp{},
		handles: make(map[Key]*handle),
		failed:  make(map[Key]error),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type handle struct {
	key   Key
	id    string
	dial  Dialer
	state State
	refs  int
	conn  connector.Connector
	err   error
	// ready is closed when a Connecting phase ends.
	ready chan struct{}
	// reconnects left after transport failures.
	reconnects int
	holders    map[*Lease]struct{}
	torn       bool
}

// Lease is one reference on a handle.
type Lease struct {
	m    *Multiplexer
	h    *handle
	lost chan struct{}
	err  error
	done bool
}

// Acquire returns a reference on the handle for key, creating and connecting
// it when absent. Concurrent callers for the same key wait for the single
// handshake in progress. Errors are MasterConnectionError results.
func (m *Multiplexer) Acquire(ctx context.Context, key Key, dial Dialer) (*Lease, error) {
	m.mu.Lock()
	if err, ok := m.failed[key]; ok {
		m.mu.Unlock()
		return nil, result.Wrap(result.MasterConnectionError, err, "host %s is marked failed", key)
	}

	h, ok := m.handles[key]
	if !ok {
		h = &handle{
			key:        key,
			id:         uuid.NewString(),
			dial:       dial,
			state:      Connecting,
			ready:      make(chan struct{}),
			reconnects: m.retries,
			holders:    make(map[*Lease]struct{}),
		}
		m.handles[key] = h
		metrics.ConnectionHandles.WithLabelValues(key.Host).Inc()
		lease := h.add(m)
		m.mu.Unlock()

		m.log.Debug("connecting shared transport", "key", key.String(), "handle", h.id)
		conn, err := m.connect(ctx, key, dial, m.retries+1)
		m.finishConnect(h, conn, err, ctx.Err() == nil)
		if err != nil {
			lease.Release()
			return nil, result.Wrap(result.MasterConnectionError, err, "cannot connect to %s", key)
		}
		return lease, nil
	}

	lease := h.add(m)
	ready := h.ready
	m.mu.Unlock()

	select {
	case <-ready:
	case <-ctx.Done():
		lease.Release()
		return nil, result.Wrap(result.MasterConnectionError, ctx.Err(), "waiting for %s", key)
	}

	m.mu.Lock()
	state, err := h.state, h.err
	m.mu.Unlock()
	if state != Connected {
		lease.Release()
		return nil, result.Wrap(result.MasterConnectionError, err, "cannot connect to %s", key)
	}
	return lease, nil
}

// add registers a new holder. Caller holds m.mu.
func (h *handle) add(m *Multiplexer) *Lease {
	l := &Lease{m: m, h: h, lost: make(chan struct{})}
	h.refs++
	h.holders[l] = struct{}{}
	return l
}

// connect performs up to attempts handshakes with a fixed backoff.
func (m *Multiplexer) connect(ctx context.Context, key Key, dial Dialer, attempts int) (connector.Connector, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-time.After(m.backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		conn := dial()
		err := conn.Connect(ctx)
		if err == nil {
			metrics.ConnectAttemptsTotal.WithLabelValues(key.Host, "success").Inc()
			return conn, nil
		}
		metrics.ConnectAttemptsTotal.WithLabelValues(key.Host, "failure").Inc()
		_ = conn.Close()
		lastErr = err
		m.log.Warn("handshake failed", "key", key.String(), "attempt", i+1, "of", attempts, "error", err)

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// finishConnect ends a Connecting phase with conn or err. A failure of a
// handshake that was not cancelled marks the host failed.
func (m *Multiplexer) finishConnect(h *handle, conn connector.Connector, err error, permanent bool) {
	var orphan connector.Connector

	m.mu.Lock()
	switch {
	case err != nil:
		h.state = Failed
		h.err = err
		if permanent {
			m.failed[h.key] = err
			m.log.Error("host marked failed", "key", h.key.String(), "error", err)
		}
	case h.torn:
		// Every holder left while connecting
		h.state = Idle
		orphan = conn
	default:
		h.state = Connected
		h.conn = conn
		h.err = nil
		m.log.Info("shared transport connected", "key", h.key.String(), "handle", h.id, "transport", conn.String())
		if w, ok := conn.(connector.Watcher); ok {
			go m.watch(h, conn, w)
		}
	}
	close(h.ready)
	m.mu.Unlock()

	if orphan != nil {
		metrics.TransportTeardownsTotal.WithLabelValues(h.key.Host).Inc()
		_ = orphan.Close()
	}
}

// watch waits for an unexpected transport loss.
func (m *Multiplexer) watch(h *handle, conn connector.Connector, w connector.Watcher) {
	<-w.Done()
	if err := w.Err(); err != nil {
		m.onTransportError(h, conn, err)
	}
}

// onTransportError notifies every holder of h and then reconnects it while
// the retry budget lasts.
func (m *Multiplexer) onTransportError(h *handle, conn connector.Connector, cause error) {
	m.mu.Lock()
	if h.torn || h.conn != conn || h.state != Connected {
		m.mu.Unlock()
		return
	}

	m.log.Warn("shared transport lost", "key", h.key.String(), "handle", h.id, "error", cause)
	lost := result.Wrap(result.MasterConnectionError, cause, "transport to %s lost", h.key)
	for l := range h.holders {
		if l.err == nil {
			l.err = lost
			close(l.lost)
		}
	}

	h.conn = nil
	h.state = Connecting
	h.ready = make(chan struct{})
	attempts := h.reconnects
	h.reconnects = 0
	m.mu.Unlock()

	_ = conn.Close()

	if attempts == 0 {
		m.finishConnect(h, nil, fmt.Errorf("retry budget exhausted: %w", cause), true)
		return
	}

	next, err := m.connect(context.Background(), h.key, h.dial, attempts)
	m.finishConnect(h, next, err, true)
}

// Lost is closed when the transport of the lease failed. Commands started
// over it should be considered broken.
func (l *Lease) Lost() <-chan struct{} {
	return l.lost
}

// Err returns the transport failure, nil while the lease is healthy.
func (l *Lease) Err() error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	return l.err
}

// Connector returns the connected transport of the handle.
func (l *Lease) Connector() (connector.Connector, error) {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	if l.done {
		return nil, result.New(result.InvalidState, "lease on %s already released", l.h.key)
	}
	if l.err != nil {
		return nil, l.err
	}
	if l.h.state != Connected {
		return nil, result.New(result.MasterConnectionError, "transport to %s is %s", l.h.key, l.h.state)
	}
	return l.h.conn, nil
}

// HandleID returns the identifier of the shared transport.
func (l *Lease) HandleID() string {
	return l.h.id
}

// Release drops the reference. The last release tears the transport down.
// Releasing twice is a no-op.
func (l *Lease) Release() {
	m := l.m
	m.mu.Lock()
	if l.done {
		m.mu.Unlock()
		return
	}
	l.done = true

	h := l.h
	delete(h.holders, l)
	h.refs--
	if h.refs > 0 {
		m.mu.Unlock()
		return
	}

	h.torn = true
	conn := h.conn
	h.conn = nil
	if m.handles[h.key] == h {
		delete(m.handles, h.key)
		metrics.ConnectionHandles.WithLabelValues(h.key.Host).Dec()
	}
	if h.state == Connected {
		h.state = Idle
	}
	m.mu.Unlock()

	if conn != nil {
		m.log.Debug("tearing down shared transport", "key", h.key.String(), "handle", h.id)
		metrics.TransportTeardownsTotal.WithLabelValues(h.key.Host).Inc()
		if err := conn.Close(); err != nil {
			m.log.Warn("transport teardown failed", "key", h.key.String(), "error", err)
		}
	}
}

// Info is a snapshot of one handle.
type Info struct {
	Key   Key
	ID    string
	State State
	Refs  int
}

// Handles returns a snapshot of live handles ordered by key.
func (m *Multiplexer) Handles() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Info, 0, len(m.handles))
	for _, h := range m.handles {
		out = append(out, Info{Key: h.key, ID: h.id, State: h.state, Refs: h.refs})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// Refs returns the reference count of key, zero when no handle exists.
func (m *Multiplexer) Refs(key Key) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.handles[key]; ok {
		return h.refs
	}
	return 0
}

// Failed reports whether key exhausted its retry budget.
func (m *Multiplexer) Failed(key Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.failed[key]
	return ok
}

// Close tears down every remaining handle regardless of references. Leases
// still held become unusable.
func (m *Multiplexer) Close() {
	var conns []*handle

	m.mu.Lock()
	for key, h := range m.handles {
		delete(m.handles, key)
		metrics.ConnectionHandles.WithLabelValues(key.Host).Dec()
		h.torn = true
		if h.conn != nil {
			conns = append(conns, &handle{key: h.key, conn: h.conn})
			h.conn = nil
			h.state = Idle
		}
	}
	m.mu.Unlock()

	for _, h := range conns {
		metrics.TransportTeardownsTotal.WithLabelValues(h.key.Host).Inc()
		_ = h.conn.Close()
	}
}
