// Package middleware holds the HTTP middleware shared by every service
// binary: request-id stamping, access logging, panic recovery, and the
// inbound guards (rate limit, body limit, per-request timeout). Ordering
// is the caller's job; Chain applies middlewares outermost-first.
package middleware

import "net/http"

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain is an immutable middleware list.
type Chain struct {
	middlewares []Middleware
}

// NewChain builds a chain. The first middleware is the outermost.
func NewChain(middlewares ...Middleware) *Chain {
	return &Chain{middlewares: middlewares}
}

// Then wraps h with the chain.
func (c *Chain) Then(h http.Handler) http.Handler {
	if h == nil {
		h = http.DefaultServeMux
	}
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		h = c.middlewares[i](h)
	}
	return h
}

// ThenFunc wraps an http.HandlerFunc with the chain.
func (c *Chain) ThenFunc(fn http.HandlerFunc) http.Handler {
	if fn == nil {
		return c.Then(nil)
	}
	return c.Then(fn)
}

// Append returns a new chain with more middlewares at the inner end.
func (c *Chain) Append(middlewares ...Middleware) *Chain {
	out := make([]Middleware, 0, len(c.middlewares)+len(middlewares))
	out = append(out, c.middlewares...)
	out = append(out, middlewares...)
	return &Chain{middlewares: out}
}

// Len reports the number of middlewares.
func (c *Chain) Len() int {
	return len(c.middlewares)
}

// Builder assembles a chain with conditional steps.
type Builder struct {
	middlewares []Middleware
}

func NewBuilder() *Builder {
	return &Builder{}
}

// Use appends a middleware.
func (b *Builder) Use(m Middleware) *Builder {
	b.middlewares = append(b.middlewares, m)
	return b
}

// UseIf appends a middleware only when cond holds.
func (b *Builder) UseIf(cond bool, m Middleware) *Builder {
	if cond {
		b.middlewares = append(b.middlewares, m)
	}
	return b
}

// Build freezes the builder into a Chain.
func (b *Builder) Build() *Chain {
	return NewChain(b.middlewares...)
}

// Handler wraps h with everything added so far.
func (b *Builder) Handler(h http.Handler) http.Handler {
	return b.Build().Then(h)
}
