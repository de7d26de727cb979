// Copyright 2025 The CTT Authors
// SPDX-License-Identifier: Apache-2.0

package middleware

import "net/http"

// Middleware wraps an http.Handler with cross-cutting behavior.
type Middleware func(http.Handler) http.Handler

// Chain composes middlewares into one. The first middleware in the slice is
// the outermost, so it sees the request first and the response last.
func Chain(middlewares ...Middleware) Middleware {
	return func(handler http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			handler = middlewares[i](handler)
		}
		return handler
	}
}

// RouteBuilder registers routes on a ServeMux behind a shared middleware
// chain. With returns a new builder and copies the chain, so route groups
// cannot leak middleware into each other.
type RouteBuilder struct {
	mux         *http.ServeMux
	middlewares []Middleware
}

// NewRouteBuilder creates a RouteBuilder registering on mux.
func NewRouteBuilder(mux *http.ServeMux) *RouteBuilder {
	return &RouteBuilder{mux: mux}
}

// With returns a new builder whose chain is this builder's chain followed by
// the given middlewares.
func (rb *RouteBuilder) With(middlewares ...Middleware) *RouteBuilder {
	chain := make([]Middleware, 0, len(rb.middlewares)+len(middlewares))
	chain = append(chain, rb.middlewares...)
	chain = append(chain, middlewares...)
	return &RouteBuilder{mux: rb.mux, middlewares: chain}
}

// Handle registers handler for pattern, wrapped in the builder's chain.
func (rb *RouteBuilder) Handle(pattern string, handler http.Handler) {
	if len(rb.middlewares) > 0 {
		handler = Chain(rb.middlewares...)(handler)
	}
	rb.mux.Handle(pattern, handler)
}

// HandleFunc registers a handler function for pattern.
func (rb *RouteBuilder) HandleFunc(pattern string, handlerFunc http.HandlerFunc) {
	rb.Handle(pattern, handlerFunc)
}
