// Package registry holds the endpoint table of a control server: the
// reserved control paths fixed at construction, plus every dynamically
// registered endpoint in registration order. Validation and mutation are
// serialized through one mutex so a lookup never observes a half-added entry.
package registry

import (
	"errors"
	"strings"
	"sync"

	"github.com/runbridge/runbridge/handler"
)

var (
	ErrMissingEndpoint   = errors.New("no endpoint was provided")
	ErrReservedEndpoint  = errors.New("endpoint is reserved")
	ErrMalformedEndpoint = errors.New("endpoint must start with /")
	ErrDuplicateEndpoint = errors.New("endpoint is already registered")
)

type Registry struct {
	mu       sync.Mutex
	reserved map[string]struct{}
	entries  map[string]handler.Handler
	order    []string
}

// New builds a registry with the given reserved paths. Reserved paths are
// matched against on validation but never appear in the mutable set.
func New(reserved ...string) *Registry {
	r := &Registry{
		reserved: map[string]struct{}{},
		entries:  map[string]handler.Handler{},
	}
	for _, p := range reserved {
		r.reserved[p] = struct{}{}
	}
	return r
}

// Validate reports whether path could currently be added. The checks run in
// a fixed order and the first failure wins: missing, reserved, malformed,
// duplicate.
func (r *Registry) Validate(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.validateLocked(path)
}

func (r *Registry) validateLocked(path string) error {
	if path == "" {
		return ErrMissingEndpoint
	}
	if _, ok := r.reserved[path]; ok {
		return ErrReservedEndpoint
	}
	if !strings.HasPrefix(path, "/") {
		return ErrMalformedEndpoint
	}
	if _, ok := r.entries[path]; ok {
		return ErrDuplicateEndpoint
	}
	return nil
}

// Add validates path and binds h to it in one atomic step.
// Entries are never removed for the life of the registry.
func (r *Registry) Add(path string, h handler.Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.validateLocked(path); err != nil {
		return err
	}
	r.entries[path] = h
	r.order = append(r.order, path)
	return nil
}

// Lookup returns the handler bound to path, if any.
func (r *Registry) Lookup(path string) (handler.Handler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.entries[path]
	return h, ok
}

func (r *Registry) Contains(path string) bool {
	_, ok := r.Lookup(path)
	return ok
}

// List returns the registered paths in registration order.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered endpoints.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}
