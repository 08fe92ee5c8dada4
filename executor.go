package bottleneck

import (
	"fmt"
	"sync"
	"time"
)

const (
	// defaultInterval is the worker cycle cadence when WithInterval is not
	// given.
	defaultInterval = 100 * time.Millisecond

	// purgeEvery spaces out retention sweeps so they do not run on every
	// cycle.
	purgeEvery = 16
)

type executorState int

const (
	stateIdle executorState = iota
	stateRunning
	stateStopped
)

// Executor runs a Handler exclusively on one dedicated worker goroutine and
// exposes the queue/poll/cancel surface to any number of caller goroutines.
//
// The zero value is not usable; construct with NewExecutor.
type Executor struct {
	handler   Handler
	ledger    *ledger
	logger    Logger
	interval  time.Duration
	retention time.Duration

	// wake nudges the worker when a request is queued or cancelled so
	// scheduling latency is not bound below by the cycle interval.
	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu    sync.Mutex
	state executorState
}

// NewExecutor creates an executor for the given handler. The worker does not
// run until Start.
func NewExecutor(handler Handler, opts ...Option) *Executor {
	o := executorOptions{
		interval: defaultInterval,
		logger:   nopLogger{},
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Executor{
		handler:   handler,
		ledger:    newLedger(o.maxPending),
		logger:    o.logger,
		interval:  o.interval,
		retention: o.retention,
		wake:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// Start spawns the worker goroutine. If the handler implements Initializer,
// Init runs on the worker goroutine first and its error fails the start.
// Starting a running or stopped executor fails.
func (e *Executor) Start() error {
	e.mu.Lock()
	switch e.state {
	case stateRunning:
		e.mu.Unlock()
		return ErrAlreadyStarted
	case stateStopped:
		e.mu.Unlock()
		return ErrStopped
	}
	e.state = stateRunning
	e.done = make(chan struct{})
	e.mu.Unlock()

	initErr := make(chan error, 1)
	go e.run(initErr)
	if err := <-initErr; err != nil {
		e.mu.Lock()
		e.state = stateStopped
		e.mu.Unlock()
		return fmt.Errorf("bottleneck: handler init: %w", err)
	}
	e.logger.Info("executor started", "interval", e.interval)
	return nil
}

// Stop terminates the worker, resolves every still-pending request to a
// cancelled outcome, and returns only after the worker goroutine has exited.
// Stopping twice, or stopping a never-started executor, is a no-op beyond
// draining the queue.
func (e *Executor) Stop() {
	e.mu.Lock()
	started := e.done != nil
	e.state = stateStopped
	e.mu.Unlock()

	if !started {
		// Requests may have been queued before Start; leave none unresolved.
		e.ledger.drain()
		return
	}
	e.stopOnce.Do(func() { close(e.stopCh) })
	<-e.done
}

// QueueRequest stores the payload, wakes the worker, and returns the
// request's token. It never blocks on handler work.
func (e *Executor) QueueRequest(payload any) (string, error) {
	token, err := e.ledger.register(payload)
	if err != nil {
		return "", err
	}
	e.wakeWorker()
	return token, nil
}

// PollResponse returns the terminal response for a token, or resolved=false
// while the request is still in flight. Non-blocking, safe from any
// goroutine; repeated polls after resolution return the same Response.
func (e *Executor) PollResponse(token string) (resp *Response, resolved bool, err error) {
	return e.ledger.poll(token)
}

// CancelRequest flags a pending request for cooperative cancellation. The
// handler's HandleCancel hook runs on a later cycle and the handler may still
// resolve the request itself before the framework records the cancelled
// outcome. Cancelling an already-resolved or already-cancelled request is a
// no-op; unknown tokens fail with ErrTokenNotFound.
func (e *Executor) CancelRequest(token string) error {
	if err := e.ledger.cancel(token); err != nil {
		return err
	}
	e.wakeWorker()
	return nil
}

func (e *Executor) wakeWorker() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// run is the worker loop. Everything the handler sees happens here.
func (e *Executor) run(initErr chan<- error) {
	defer close(e.done)

	if init, ok := e.handler.(Initializer); ok {
		if err := e.initHandler(init); err != nil {
			e.ledger.drain()
			initErr <- err
			return
		}
	}
	initErr <- nil

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for cycles := 0; ; cycles++ {
		// Checked first so a pending tick cannot outrace shutdown.
		select {
		case <-e.stopCh:
			e.finish()
			return
		default:
		}
		select {
		case <-e.stopCh:
			e.finish()
			return
		case <-ticker.C:
		case <-e.wake:
		}
		e.cycle(cycles)
	}
}

func (e *Executor) initHandler(init Initializer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("init panicked: %v", r)
		}
	}()
	return init.Init()
}

// cycle handles newly cancelled requests, then offers the full pending batch
// to the handler.
func (e *Executor) cycle(n int) {
	for _, c := range e.ledger.sweepCancelled() {
		e.invokeCancel(c)
		if e.ledger.forceCancel(c.token) {
			e.logger.Debug("request cancelled", "token", c.token)
		} else {
			// The handler resolved it inside the cancel hook; that
			// resolution wins.
			e.logger.Debug("request resolved during cancellation", "token", c.token)
		}
	}

	tokens, requests := e.ledger.pendingBatch()
	if !e.invokeBatch(&Batch{ledger: e.ledger, tokens: tokens, requests: requests}) {
		e.requestStop()
		return
	}

	if e.retention > 0 && n%purgeEvery == 0 {
		if purged := e.ledger.purgeOlderThan(time.Now().Add(-e.retention)); purged > 0 {
			e.logger.Debug("purged expired responses", "count", purged)
		}
	}
}

// invokeCancel runs the cancellation hook. A panic here is logged and does
// not stop the loop.
func (e *Executor) invokeCancel(c cancelledRequest) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("cancel hook panicked", "token", c.token, "panic", r)
		}
	}()
	e.handler.HandleCancel(c.token, c.payload)
}

// invokeBatch runs the batch hook. A panic here may leave the handler's own
// state inconsistent, so it shuts the executor down; ok=false signals that.
func (e *Executor) invokeBatch(batch *Batch) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("batch hook panicked, stopping executor", "panic", r)
			ok = false
		}
	}()
	e.handler.HandleBatch(batch)
	return true
}

// requestStop is the worker's own path into shutdown (batch hook panic).
func (e *Executor) requestStop() {
	e.mu.Lock()
	e.state = stateStopped
	e.mu.Unlock()
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// finish drains the queue and runs the handler's shutdown hook. Runs on the
// worker goroutine as its last act.
func (e *Executor) finish() {
	if n := e.ledger.drain(); n > 0 {
		e.logger.Info("drained pending requests on stop", "count", n)
	}
	if s, ok := e.handler.(Shutdowner); ok {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("shutdown hook panicked", "panic", r)
				}
			}()
			s.Shutdown()
		}()
	}
	e.logger.Info("executor stopped")
}

// Batch is the ordered set of pending requests offered to a Handler on one
// worker cycle. Accept and Reject are only reachable through it, which keeps
// resolution on the worker goroutine: transport code polling tokens has no
// way to resolve them.
type Batch struct {
	ledger   *ledger
	tokens   []string
	requests map[string]any
}

// Tokens returns the pending tokens in submission order. The slice must not
// be mutated.
func (b *Batch) Tokens() []string {
	return b.tokens
}

// Len returns the number of pending requests in the batch.
func (b *Batch) Len() int {
	return len(b.tokens)
}

// Request returns the payload queued under a token in this batch.
func (b *Batch) Request(token string) (any, bool) {
	payload, ok := b.requests[token]
	return payload, ok
}

// Accept resolves a request successfully with the given response payload.
// Fails with ErrAlreadyResolved if the token already has a terminal response
// (including a forced cancellation that won the race).
func (b *Batch) Accept(token string, payload any) error {
	return b.ledger.accept(token, payload)
}

// Reject resolves a request with a business error. Same at-most-once rules
// as Accept.
func (b *Batch) Reject(token, reason string) error {
	return b.ledger.reject(token, reason)
}
