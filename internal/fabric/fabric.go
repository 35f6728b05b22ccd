// Package fabric maps provider type identifiers to factories that build
// providers from data-source definitions.
package fabric

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/eugenetaranov/daggy/internal/logging"
	"github.com/eugenetaranov/daggy/internal/mux"
	"github.com/eugenetaranov/daggy/internal/provider"
	"github.com/eugenetaranov/daggy/internal/result"
	"github.com/eugenetaranov/daggy/internal/source"
)

// Env carries what factories need besides the definition.
type Env struct {
	// Mux shares remote transports between providers of one session.
	Mux *mux.Multiplexer

	// Grace is the termination grace period of every provider.
	Grace time.Duration

	// Logger is handed to providers.
	Logger logging.Logger
}

// options returns the provider options derived from env.
func (e Env) options() []provider.Option {
	return []provider.Option{provider.WithGrace(e.Grace), provider.WithLogger(e.Logger)}
}

// Factory builds a provider for a definition.
type Factory func(def source.Definition, env Env) (*provider.Provider, error)

type entry struct {
	factory     Factory
	description string
}

// Registry is a set of provider factories keyed by type.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a factory. It fails if typeID is already registered.
func (r *Registry) Register(typeID, description string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if typeID == "" {
		return result.New(result.ConfigError, "provider type must not be empty")
	}
	if _, exists := r.entries[typeID]; exists {
		return result.New(result.ConfigError, "provider type %q is already registered", typeID)
	}
	r.entries[typeID] = entry{factory: f, description: description}
	return nil
}

// Has reports whether typeID is registered.
func (r *Registry) Has(typeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[typeID]
	return ok
}

// Create builds a provider for def. An unregistered type yields a NotFound
// result; the error belongs to that definition alone.
func (r *Registry) Create(def source.Definition, env Env) (*provider.Provider, error) {
	r.mu.RLock()
	e, ok := r.entries[def.GetType()]
	r.mu.RUnlock()

	if !ok {
		return nil, result.New(result.NotFound, "unknown provider type %q for source %q", def.GetType(), def.Name)
	}

	p, err := e.factory(def, env)
	if err != nil {
		if result.KindOf(err, result.Success) == result.Success {
			return nil, result.Wrap(result.ConfigError, err, "source %q", def.Name)
		}
		return nil, err
	}
	return p, nil
}

// Types returns the registered type identifiers in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.entries))
	for t := range r.entries {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Describe returns the description registered with typeID.
func (r *Registry) Describe(typeID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[typeID].description
}

// NewDefault returns a registry with the built-in provider types.
func NewDefault() *Registry {
	r := New()
	if err := RegisterDefaults(r); err != nil {
		panic(fmt.Sprintf("registering default providers: %v", err))
	}
	return r
}
