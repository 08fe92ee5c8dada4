package bottleneck

import (
	"errors"
	"time"
)

// Common errors.
var (
	// ErrTokenNotFound is returned when a token was never issued by this
	// executor (or router), or its response has already been purged.
	ErrTokenNotFound = errors.New("bottleneck: token not found")

	// ErrAlreadyResolved is returned by Accept and Reject when the token
	// already has a terminal response. Resolving a token twice is a handler
	// bug, not a runtime condition to tolerate silently.
	ErrAlreadyResolved = errors.New("bottleneck: request already resolved")

	// ErrAlreadyStarted is returned by Start when the worker is running.
	ErrAlreadyStarted = errors.New("bottleneck: executor already started")

	// ErrStopped is returned by Start and QueueRequest after Stop.
	ErrStopped = errors.New("bottleneck: executor stopped")

	// ErrQueueFull is returned by QueueRequest when the in-flight limit
	// set with WithMaxPending is reached.
	ErrQueueFull = errors.New("bottleneck: request queue full")

	// ErrRouteExists is returned when registering a route key twice.
	ErrRouteExists = errors.New("bottleneck: route already registered")

	// ErrRouteNotFound is returned for an unregistered route key.
	ErrRouteNotFound = errors.New("bottleneck: route not registered")

	// ErrBadCompositeToken is returned for a token the router cannot decode.
	ErrBadCompositeToken = errors.New("bottleneck: malformed composite token")

	// ErrExecutorNotFound is returned when a composite token or route
	// references an executor tag the router does not hold.
	ErrExecutorNotFound = errors.New("bottleneck: executor tag not found")
)

// Handler contains the domain logic run by an Executor. Both methods execute
// only on the executor's worker goroutine, never concurrently with each other
// or with themselves; implementations need no internal locking.
type Handler interface {
	// HandleBatch is invoked once per worker cycle with every pending
	// request in submission order. The handler may resolve any subset of
	// them, in any order, via batch.Accept and batch.Reject; requests left
	// unresolved reappear on the next cycle.
	HandleBatch(batch *Batch)

	// HandleCancel is invoked once for a request whose cancellation was
	// requested while it was still pending. If the hook resolves the token
	// (through a Batch retained from an earlier cycle), that outcome wins;
	// otherwise the executor records a cancelled response when the hook
	// returns. Most handlers only release resources here.
	HandleCancel(token string, request any)
}

// Initializer is implemented by handlers that need setup on the worker
// goroutine before the first cycle. An Init error fails Executor.Start.
type Initializer interface {
	Init() error
}

// Shutdowner is implemented by handlers that need teardown. Shutdown runs on
// the worker goroutine after the queue has been drained.
type Shutdowner interface {
	Shutdown()
}

// HandlerFuncs adapts plain functions to the Handler interface. Nil fields
// are no-ops.
type HandlerFuncs struct {
	Batch  func(batch *Batch)
	Cancel func(token string, request any)
}

// HandleBatch calls the Batch function if set.
func (h HandlerFuncs) HandleBatch(batch *Batch) {
	if h.Batch != nil {
		h.Batch(batch)
	}
}

// HandleCancel calls the Cancel function if set.
func (h HandlerFuncs) HandleCancel(token string, request any) {
	if h.Cancel != nil {
		h.Cancel(token, request)
	}
}

// Logger provides structured logging. Implementations must be safe for
// concurrent use.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// NopLogger returns a Logger that discards everything. It is the
// default when no logger is configured.
func NopLogger() Logger { return nopLogger{} }

// nopLogger discards everything. Used when no logger is configured.
type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// executorOptions holds configuration for an Executor.
type executorOptions struct {
	interval   time.Duration
	retention  time.Duration
	maxPending int
	logger     Logger
}

// Option configures an Executor.
type Option func(*executorOptions)

// WithInterval sets the worker cycle interval. New submissions and
// cancellations additionally wake the worker early, so the interval is an
// upper bound on scheduling latency, not a fixed delay.
func WithInterval(d time.Duration) Option {
	return func(o *executorOptions) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithRetention purges resolved responses that have not been polled for the
// given duration. Zero (the default) retains responses until Stop.
func WithRetention(d time.Duration) Option {
	return func(o *executorOptions) {
		o.retention = d
	}
}

// WithMaxPending bounds the number of in-flight tokens (pending requests plus
// retained responses). QueueRequest fails with ErrQueueFull at the limit.
// Zero (the default) means unbounded.
func WithMaxPending(n int) Option {
	return func(o *executorOptions) {
		o.maxPending = n
	}
}

// WithLogger sets the logger used by the worker loop.
func WithLogger(logger Logger) Option {
	return func(o *executorOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}
