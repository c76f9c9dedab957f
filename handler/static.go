package handler

import (
	"fmt"
	"sync"
)

// StaticLoader resolves source references against an in-process table of
// named handlers. It is intended for hosts that embed the control server
// directly rather than loading handler programs from disk.
type StaticLoader struct {
	mu       sync.Mutex
	handlers map[string]Handler
}

func NewStaticLoader() *StaticLoader {
	return &StaticLoader{handlers: map[string]Handler{}}
}

// Register binds a handler to a name envisaged as a source reference.
// Re-registering a name replaces the previous handler for future resolutions.
func (l *StaticLoader) Register(name string, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[name] = h
}

func (l *StaticLoader) Resolve(sourceRef string) (Handler, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.handlers[sourceRef]
	if !ok {
		return nil, fmt.Errorf("resolving %q: %w", sourceRef, ErrNotFound)
	}
	return h, nil
}
