// Package registry holds the process-wide table of currently-open
// databases, keyed by file stem, so two callers can never open the same
// .db/.wasp pair concurrently and corrupt each other's writes. This is the
// one piece of global mutable state the engine needs (spec's "global
// mutable state" design note); it is guarded by a mutex rather than made a
// package-level map accessed directly, and initialized lazily via
// sync.Once so importing the package has no side effects until first use.
package registry

import (
	"fmt"
	"sync"
)

type Entry struct {
	Stem string
	// Handle is the opaque *database.Database; kept as interface{} here to
	// avoid an import cycle (database imports registry to register itself).
	Handle interface{}
}

type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

var (
	once     sync.Once
	instance *Registry
)

// Global returns the single process-wide registry, initializing it on
// first call.
func Global() *Registry {
	once.Do(func() {
		instance = &Registry{entries: make(map[string]*Entry)}
	})
	return instance
}

// Open registers stem as open, returning an error if it is already open.
// The caller must call Close when the database is closed.
func (r *Registry) Open(stem string, handle interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[stem]; exists {
		return fmt.Errorf("registry: database %q is already open in this process", stem)
	}
	r.entries[stem] = &Entry{Stem: stem, Handle: handle}
	return nil
}

func (r *Registry) Close(stem string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, stem)
}

func (r *Registry) IsOpen(stem string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.entries[stem]
	return exists
}

func (r *Registry) Lookup(stem string) (interface{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[stem]
	if !ok {
		return nil, false
	}
	return e.Handle, true
}

func (r *Registry) OpenStems() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for s := range r.entries {
		out = append(out, s)
	}
	return out
}
