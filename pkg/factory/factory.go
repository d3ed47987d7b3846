// Package factory holds named constructors so components (strategies,
// transporters, serializers) can be resolved from configuration strings.
//
// A Registry is a plain value owned by whoever creates it, usually a broker
// or a CLI command. There is no package-level registry: two brokers living
// in the same process never see each other's registrations.
package factory

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

var (
	ErrUnknown   = errors.New("factory: unknown name")
	ErrNameEmpty = errors.New("factory: name must not be empty")
	ErrNilCtor   = errors.New("factory: constructor must not be nil")
)

// Constructor builds a new T from loosely typed options.
type Constructor[T any] func(opts map[string]any) (T, error)

// Registry maps case-insensitive names to constructors of T.
type Registry[T any] struct {
	kind  string
	ctors map[string]Constructor[T]
	lk    sync.RWMutex
}

// New returns an empty registry. kind is only used in error messages.
func New[T any](kind string) *Registry[T] {
	return &Registry[T]{
		kind:  kind,
		ctors: make(map[string]Constructor[T]),
	}
}

// Register adds or replaces the constructor for name.
func (r *Registry[T]) Register(name string, ctor Constructor[T]) error {
	if name == "" {
		return ErrNameEmpty
	}
	if ctor == nil {
		return ErrNilCtor
	}

	r.lk.Lock()
	defer r.lk.Unlock()
	r.ctors[strings.ToLower(name)] = ctor
	return nil
}

// MustRegister is Register for static wiring code.
func (r *Registry[T]) MustRegister(name string, ctor Constructor[T]) {
	if err := r.Register(name, ctor); err != nil {
		panic(err)
	}
}

// Resolve builds a fresh instance registered under name.
func (r *Registry[T]) Resolve(name string, opts map[string]any) (T, error) {
	r.lk.RLock()
	ctor, ok := r.ctors[strings.ToLower(name)]
	r.lk.RUnlock()

	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s %q", ErrUnknown, r.kind, name)
	}
	if opts == nil {
		opts = map[string]any{}
	}
	return ctor(opts)
}

// Has reports whether name is registered.
func (r *Registry[T]) Has(name string) bool {
	r.lk.RLock()
	defer r.lk.RUnlock()
	_, ok := r.ctors[strings.ToLower(name)]
	return ok
}

// Names lists registered names in lexical order.
func (r *Registry[T]) Names() []string {
	r.lk.RLock()
	defer r.lk.RUnlock()
	names := make([]string, 0, len(r.ctors))
	for name := range r.ctors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
