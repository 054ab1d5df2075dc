package limiter

import (
	"fmt"
	"slices"
	"sync"
)

// Registry holds named limiters so request handlers can look up the policy
// that applies to them by name. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
}

func NewRegistry() *Registry {
	return &Registry{limiters: make(map[string]*Limiter)}
}

// Register adds l under name. Names are unique.
func (r *Registry) Register(name string, l *Limiter) error {
	if name == "" {
		return fmt.Errorf("%w: limiter name cannot be empty", ErrInvalidArgument)
	}
	if l == nil {
		return fmt.Errorf("%w: limiter %q is nil", ErrInvalidArgument, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.limiters[name]; ok {
		return fmt.Errorf("limiter %q already registered", name)
	}
	r.limiters[name] = l
	return nil
}

func (r *Registry) Get(name string) (*Limiter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.limiters[name]
	return l, ok
}

// MustGet is Get for names that are known to be configured; it panics
// otherwise.
func (r *Registry) MustGet(name string) *Limiter {
	l, ok := r.Get(name)
	if !ok {
		panic(fmt.Sprintf("limiter %q is not configured", name))
	}
	return l
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.limiters))
	for name := range r.limiters {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
