package wire

import (
	"context"
	"fmt"
	"sync"
)

// Registry maps (identifier, major, minor) to a registered PacketDef.
// The zero value is ready to use. A process normally has one
// process-wide Registry (see Default) populated by each packet
// package's init(); a Silo gives a scoped child registry for loading
// plugin modules without colliding with the default registrations
// (Design Notes: the source's thread-local registry stack becomes an
// explicit registry value threaded through a context.Context).
type Registry struct {
	mu    sync.RWMutex
	types map[string]map[int]map[int]*PacketDef
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]map[int]map[int]*PacketDef)}
}

// defaultRegistry is the process-wide registry populated by catalog.go's
// init(). It is treated as write-once at startup, per the concurrency
// model here.
var defaultRegistry = NewRegistry() //nolint:gochecknoglobals

// Default returns the process-wide registry.
func Default() *Registry { return defaultRegistry }

// Register adds def to the registry. Registering a duplicate
// (identifier, major, minor) is an error.
func (r *Registry) Register(def *PacketDef) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.types == nil {
		r.types = make(map[string]map[int]map[int]*PacketDef)
	}

	byMajor, ok := r.types[def.Identifier]
	if !ok {
		byMajor = make(map[int]map[int]*PacketDef)
		r.types[def.Identifier] = byMajor
	}

	byMinor, ok := byMajor[def.Version.Major]
	if !ok {
		byMinor = make(map[int]*PacketDef)
		byMajor[def.Version.Major] = byMinor
	}

	if _, dup := byMinor[def.Version.Minor]; dup {
		return fmt.Errorf("%w: duplicate registration of %s v%s", ErrDefinition, def.Identifier, def.Version)
	}

	byMinor[def.Version.Minor] = def

	return nil
}

// MustRegister registers def and panics on error; used by catalog.go's
// init() where a duplicate registration is a startup-time programming
// error (raise at startup rather than starting the daemon half-configured).
func (r *Registry) MustRegister(def *PacketDef) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Lookup resolves a PacketDef for (identifier, version). If the exact
// minor is not registered, the highest registered minor within the
// same major is returned instead (minor versions are backward
// compatible).
func (r *Registry) Lookup(identifier string, version Version) (*PacketDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byMajor, ok := r.types[identifier]
	if !ok {
		return nil, false
	}

	byMinor, ok := byMajor[version.Major]
	if !ok {
		return nil, false
	}

	if def, ok := byMinor[version.Minor]; ok {
		return def, true
	}

	return mostRecentMinor(byMinor), true
}

// MostRecent resolves the highest registered minor version for a given
// identifier and major version, ignoring any specific minor.
func (r *Registry) MostRecent(identifier string, major int) (*PacketDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byMajor, ok := r.types[identifier]
	if !ok {
		return nil, false
	}

	byMinor, ok := byMajor[major]
	if !ok {
		return nil, false
	}

	return mostRecentMinor(byMinor), true
}

func mostRecentMinor(byMinor map[int]*PacketDef) *PacketDef {
	var (
		best    *PacketDef
		bestMnr = -1
	)

	for minor, def := range byMinor {
		if minor > bestMnr {
			bestMnr = minor
			best = def
		}
	}

	return best
}

type siloKey struct{}

// WithSilo returns a context carrying reg as the active registry for
// code that reads it back via FromContext. Nesting silos is supported:
// the innermost WithSilo wins, and once the returned context is
// discarded the previous registry is again what FromContext resolves
// to for callers holding the outer context.
func WithSilo(ctx context.Context, reg *Registry) context.Context {
	return context.WithValue(ctx, siloKey{}, reg)
}

// FromContext returns the silo registry carried by ctx, or the
// process-wide Default registry if none was set.
func FromContext(ctx context.Context) *Registry {
	if reg, ok := ctx.Value(siloKey{}).(*Registry); ok {
		return reg
	}

	return defaultRegistry
}
