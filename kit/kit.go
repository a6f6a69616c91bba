// Package kit holds the small transport-agnostic building blocks shared by
// the control surfaces: the Endpoint abstraction, its middleware chain, and
// the context keys that carry request identity across layers.
package kit

import "context"

// Endpoint is a transport-agnostic request handler. HTTP and MCP adapters
// decode their wire format into a typed request and invoke the same Endpoint.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint with cross-cutting behaviour.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares left to right: the first middleware is the
// outermost wrapper.
func Chain(mws ...Middleware) Middleware {
	return func(ep Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			ep = mws[i](ep)
		}
		return ep
	}
}
