package phase

import (
	"fmt"
	"sort"
	"strings"
)

// Registry maps the how value of a step's phases to the factory that
// builds them. Each step kind owns one registry; registration happens at
// package init, lookups when plans load.
type Registry[T any] struct {
	step      string
	factories map[string]func(Config) (T, error)
}

// NewRegistry creates an empty registry for the named step.
func NewRegistry[T any](step string) *Registry[T] {
	return &Registry[T]{step: step, factories: make(map[string]func(Config) (T, error))}
}

// Register binds how to factory. Registering the same how twice is a
// programming error and panics.
func (r *Registry[T]) Register(how string, factory func(Config) (T, error)) {
	if _, dup := r.factories[how]; dup {
		panic(fmt.Sprintf("phase: %s method %q registered twice", r.step, how))
	}
	r.factories[how] = factory
}

// Lookup builds the phase for cfg. An unregistered how is a
// ConfigurationError naming the known methods.
func (r *Registry[T]) Lookup(cfg Config) (T, error) {
	factory, ok := r.factories[cfg.How]
	if !ok {
		var zero T
		return zero, NewConfigurationError(fmt.Sprintf("%s/%s", r.step, cfg.Name),
			"unknown method %q (known: %s)", cfg.How, strings.Join(r.Hows(), ", "))
	}
	return factory(cfg)
}

// Hows lists the registered methods, sorted.
func (r *Registry[T]) Hows() []string {
	hows := make([]string, 0, len(r.factories))
	for how := range r.factories {
		hows = append(hows, how)
	}
	sort.Strings(hows)
	return hows
}
