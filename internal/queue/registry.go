package queue

import (
	"fmt"
	"sync"
)

// HandlerRegistry maps a task kind to its descriptor. Registration happens
// once at startup; runtime mutation is supported (idempotent replacement)
// but not required by any caller in this subsystem.
type HandlerRegistry struct {
	mu    sync.RWMutex
	byKind map[string]HandlerDescriptor
}

// NewHandlerRegistry returns an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{byKind: make(map[string]HandlerDescriptor)}
}

// Register installs or idempotently replaces the descriptor for kind,
// filling in default Timeout/MaxAttempts when unset.
func (r *HandlerRegistry) Register(desc HandlerDescriptor) error {
	if desc.Kind == "" {
		return fmt.Errorf("registry: kind must not be empty")
	}
	if desc.Handler == nil {
		return fmt.Errorf("registry: handler for kind %q must not be nil", desc.Kind)
	}
	if desc.Timeout <= 0 {
		desc.Timeout = DefaultHandlerTimeout
	}
	if desc.MaxAttempts <= 0 {
		desc.MaxAttempts = DefaultMaxAttempts
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKind[desc.Kind] = desc
	return nil
}

// Lookup returns the descriptor for kind, or ErrUnknownKind.
func (r *HandlerRegistry) Lookup(kind string) (HandlerDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byKind[kind]
	if !ok {
		return HandlerDescriptor{}, ErrUnknownKind
	}
	return d, nil
}

// Kinds returns the currently registered kind names.
func (r *HandlerRegistry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byKind))
	for k := range r.byKind {
		out = append(out, k)
	}
	return out
}
