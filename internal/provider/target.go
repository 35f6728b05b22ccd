package provider

import (
	"context"

	"github.com/eugenetaranov/daggy/internal/connector"
	"github.com/eugenetaranov/daggy/internal/mux"
	"github.com/eugenetaranov/daggy/internal/result"
)

// Target supplies the connector a provider runs its commands through.
type Target interface {
	// Open returns a connected connector.
	Open(ctx context.Context) (connector.Connector, error)

	// Lost is closed when the connector fails underneath running commands.
	// A nil channel never fires.
	Lost() <-chan struct{}

	// Err returns the failure behind Lost.
	Err() error

	// Close gives the connector back.
	Close()

	// Remote reports whether commands run over a shared transport.
	Remote() bool
}

// LocalTarget owns a connector exclusively.
type LocalTarget struct {
	conn connector.Connector
}

// Local returns a target that connects conn on Open and closes it on Close.
func Local(conn connector.Connector) *LocalTarget {
	return &LocalTarget{conn: conn}
}

// Open connects the connector.
func (t *LocalTarget) Open(ctx context.Context) (connector.Connector, error) {
	if err := t.conn.Connect(ctx); err != nil {
		return nil, result.Wrap(result.ProviderStartError, err, "cannot prepare %s", t.conn)
	}
	return t.conn, nil
}

// Lost never fires for a local target.
func (t *LocalTarget) Lost() <-chan struct{} { return nil }

// Err is always nil.
func (t *LocalTarget) Err() error { return nil }

// Close closes the connector.
func (t *LocalTarget) Close() { _ = t.conn.Close() }

// Remote is false.
func (t *LocalTarget) Remote() bool { return false }

// RemoteTarget borrows a shared transport from a multiplexer.
type RemoteTarget struct {
	mux   *mux.Multiplexer
	key   mux.Key
	dial  mux.Dialer
	lease *mux.Lease
}

// Remote returns a target that acquires the handle for key on Open and
// releases it on Close.
func Remote(m *mux.Multiplexer, key mux.Key, dial mux.Dialer) *RemoteTarget {
	return &RemoteTarget{mux: m, key: key, dial: dial}
}

// Open acquires a reference on the shared transport.
func (t *RemoteTarget) Open(ctx context.Context) (connector.Connector, error) {
	lease, err := t.mux.Acquire(ctx, t.key, t.dial)
	if err != nil {
		return nil, err
	}
	conn, err := lease.Connector()
	if err != nil {
		lease.Release()
		return nil, err
	}
	t.lease = lease
	return conn, nil
}

// Lost fires when the shared transport fails.
func (t *RemoteTarget) Lost() <-chan struct{} {
	if t.lease == nil {
		return nil
	}
	return t.lease.Lost()
}

// Err returns the transport failure.
func (t *RemoteTarget) Err() error {
	if t.lease == nil {
		return nil
	}
	return t.lease.Err()
}

// Close releases the reference.
func (t *RemoteTarget) Close() {
	if t.lease != nil {
		t.lease.Release()
	}
}

// Key returns the handle key the target shares.
func (t *RemoteTarget) Key() mux.Key { return t.key }

// Remote is true.
func (t *RemoteTarget) Remote() bool { return true }
