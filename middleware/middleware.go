// Package middleware provides handler decorators for cross-cutting concerns
// like logging and metrics.
package middleware

import (
	"github.com/agentstation/bottleneck"
)

// Middleware modifies handler behavior.
type Middleware func(bottleneck.Handler) bottleneck.Handler

// wrappedHandler overrides selected hooks of an inner handler. The lifecycle
// hooks are always forwarded so wrapping never hides an inner handler's
// Initializer or Shutdowner implementation from the executor.
type wrappedHandler struct {
	inner  bottleneck.Handler
	batch  func(*bottleneck.Batch)
	cancel func(token string, request any)
}

func (w *wrappedHandler) HandleBatch(b *bottleneck.Batch) {
	if w.batch != nil {
		w.batch(b)
		return
	}
	w.inner.HandleBatch(b)
}

func (w *wrappedHandler) HandleCancel(token string, request any) {
	if w.cancel != nil {
		w.cancel(token, request)
		return
	}
	w.inner.HandleCancel(token, request)
}

func (w *wrappedHandler) Init() error {
	if init, ok := w.inner.(bottleneck.Initializer); ok {
		return init.Init()
	}
	return nil
}

func (w *wrappedHandler) Shutdown() {
	if s, ok := w.inner.(bottleneck.Shutdowner); ok {
		s.Shutdown()
	}
}

// Chain combines multiple middlewares into a single middleware.
// Middlewares are applied in reverse order (like function composition).
func Chain(middlewares ...Middleware) Middleware {
	return func(h bottleneck.Handler) bottleneck.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			h = middlewares[i](h)
		}
		return h
	}
}

// Apply applies middleware to a handler.
func Apply(h bottleneck.Handler, middlewares ...Middleware) bottleneck.Handler {
	for _, mw := range middlewares {
		h = mw(h)
	}
	return h
}
