// Package handler defines the unit of application logic bound to a
// registered endpoint, and the loaders that produce handlers from a
// caller-supplied source reference.
package handler

import (
	"context"
	"errors"
)

// ErrNotFound is returned by a Loader when the source reference does not
// resolve to an existing loadable unit.
var ErrNotFound = errors.New("handler source not found")

// Request carries the inputs of a single endpoint invocation.
type Request struct {
	// Query holds the request's query parameters. Repeated keys keep the
	// first value only.
	Query map[string]string
	Body  []byte
}

// Response is what a handler produces for one invocation.
// A zero Status means 200.
type Response struct {
	Status int
	Text   string
	Header map[string]string
}

// Handler processes a single request. A returned error is isolated to that
// request and converted to an error response by the hosting server.
type Handler interface {
	Process(ctx context.Context, req *Request) (*Response, error)
}

// Func adapts a plain function to the Handler interface.
type Func func(ctx context.Context, req *Request) (*Response, error)

func (f Func) Process(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Loader resolves a source reference into a Handler. Resolution happens once,
// at registration time; the returned Handler is then invoked for every
// request against its endpoint.
type Loader interface {
	Resolve(sourceRef string) (Handler, error)
}
