// Package script provides a bottleneck.Handler backed by a sandboxed Lua
// interpreter. A script defines a global handle(token, request) function
// that is called once per pending request on every worker cycle, and may
// optionally define cancel(token, request) to react to cancellations.
//
// handle returns up to two values. A non-nil second value rejects the
// request with that value rendered as the error message. Otherwise a
// non-nil first value accepts the request with that payload. Returning
// nothing leaves the request pending for a later cycle.
package script

import (
	"fmt"
	"os"

	"github.com/Shopify/go-lua"

	"github.com/agentstation/bottleneck"
)

const (
	handleFunc = "handle"
	cancelFunc = "cancel"
)

// Handler runs a Lua script as the compute hook of an executor. The Lua
// state is created in Init and only ever touched from the worker
// goroutine, so the script needs no locking of its own.
type Handler struct {
	source string
	logger bottleneck.Logger

	state     *lua.State
	hasCancel bool
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger routes script diagnostics to the given logger.
func WithLogger(logger bottleneck.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// New creates a handler from Lua source. The source is not executed
// until Init runs on the worker goroutine.
func New(source string, opts ...Option) *Handler {
	h := &Handler{
		source: source,
		logger: bottleneck.NopLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Load reads a script file and creates a handler from its contents.
func Load(path string, opts ...Option) (*Handler, error) {
	content, err := os.ReadFile(path) //nolint:gosec // Path comes from operator config.
	if err != nil {
		return nil, fmt.Errorf("script: read %s: %w", path, err)
	}
	return New(string(content), opts...), nil
}

// Init builds the sandboxed Lua state, runs the script body, and checks
// that the handle function is defined.
func (h *Handler) Init() error {
	l := lua.NewState()
	setupSandbox(l)

	if err := lua.DoString(l, h.source); err != nil {
		return fmt.Errorf("script: load: %w", err)
	}

	l.Global(handleFunc)
	if l.TypeOf(-1) != lua.TypeFunction {
		l.Pop(1)
		return fmt.Errorf("script: global function %q not defined", handleFunc)
	}
	l.Pop(1)

	l.Global(cancelFunc)
	h.hasCancel = l.TypeOf(-1) == lua.TypeFunction
	l.Pop(1)

	h.state = l
	return nil
}

// HandleBatch calls handle(token, request) for every pending request.
func (h *Handler) HandleBatch(b *bottleneck.Batch) {
	for _, token := range b.Tokens() {
		request, ok := b.Request(token)
		if !ok {
			continue
		}
		h.handleOne(b, token, request)
	}
}

func (h *Handler) handleOne(b *bottleneck.Batch, token string, request any) {
	l := h.state
	top := l.Top()
	defer l.SetTop(top)

	l.Global(handleFunc)
	l.PushString(token)
	pushValue(l, request)
	if err := l.ProtectedCall(2, 2, 0); err != nil {
		h.logger.Error("script handle failed", "token", token, "error", err)
		if rerr := b.Reject(token, fmt.Sprintf("script error: %v", err)); rerr != nil {
			h.logger.Error("reject after script failure", "token", token, "error", rerr)
		}
		return
	}

	result := pullValue(l, -2)
	errVal := pullValue(l, -1)

	switch {
	case errVal != nil:
		if err := b.Reject(token, fmt.Sprintf("%v", errVal)); err != nil {
			h.logger.Error("reject failed", "token", token, "error", err)
		}
	case result != nil:
		if err := b.Accept(token, result); err != nil {
			h.logger.Error("accept failed", "token", token, "error", err)
		}
	default:
		// Neither value set: the script leaves the request pending.
	}
}

// HandleCancel calls cancel(token, request) when the script defines it.
func (h *Handler) HandleCancel(token string, request any) {
	if !h.hasCancel {
		return
	}
	l := h.state
	top := l.Top()
	defer l.SetTop(top)

	l.Global(cancelFunc)
	l.PushString(token)
	pushValue(l, request)
	if err := l.ProtectedCall(2, 0, 0); err != nil {
		h.logger.Error("script cancel failed", "token", token, "error", err)
	}
}

// Shutdown releases the Lua state. go-lua has no Close, so dropping the
// reference is all that is needed.
func (h *Handler) Shutdown() {
	h.state = nil
	h.logger.Debug("script handler shut down")
}
