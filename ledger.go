package bottleneck

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ledger is the request/response store behind an Executor: a token-keyed map
// of pending requests and terminal responses plus the FIFO submission order
// of the pending ones.
//
// The single mutex is held only for in-memory map work, never across handler
// invocation, so external callers are never blocked behind handler execution.
type ledger struct {
	maxPending int

	mu       sync.Mutex
	closed   bool
	order    []string
	pending  map[string]*pendingRequest
	resolved map[string]*resolvedResponse
}

type pendingRequest struct {
	payload any

	// cancelRequested is monotonic: set once by cancel, never cleared.
	cancelRequested bool
	// cancelNotified marks that the cancellation hook has been scheduled.
	cancelNotified bool
}

type resolvedResponse struct {
	resp *Response
	// lastTouched drives the optional retention purge; refreshed on poll.
	lastTouched time.Time
}

func newLedger(maxPending int) *ledger {
	return &ledger{
		maxPending: maxPending,
		pending:    make(map[string]*pendingRequest),
		resolved:   make(map[string]*resolvedResponse),
	}
}

// register allocates a fresh token and appends the request to the FIFO order.
// Safe from any goroutine; never waits on handler work.
func (l *ledger) register(payload any) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return "", ErrStopped
	}
	if l.maxPending > 0 && len(l.pending)+len(l.resolved) >= l.maxPending {
		return "", fmt.Errorf("%w: %d requests in flight", ErrQueueFull, l.maxPending)
	}

	token := uuid.NewString()
	l.pending[token] = &pendingRequest{payload: payload}
	l.order = append(l.order, token)
	return token, nil
}

// pendingBatch returns all pending tokens in submission order along with
// their payloads. Resolved tokens are compacted out of the order as a side
// effect.
func (l *ledger) pendingBatch() ([]string, map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.order[:0]
	for _, token := range l.order {
		if _, ok := l.pending[token]; ok {
			kept = append(kept, token)
		}
	}
	l.order = kept

	tokens := make([]string, len(kept))
	copy(tokens, kept)
	requests := make(map[string]any, len(kept))
	for _, token := range kept {
		requests[token] = l.pending[token].payload
	}
	return tokens, requests
}

// resolve writes the terminal response for a pending token. At most one
// resolution wins; later attempts fail with ErrAlreadyResolved.
func (l *ledger) resolve(token string, resp *Response) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.resolved[token]; ok {
		return fmt.Errorf("%w: %q", ErrAlreadyResolved, token)
	}
	if _, ok := l.pending[token]; !ok {
		return fmt.Errorf("%w: %q", ErrTokenNotFound, token)
	}
	delete(l.pending, token)
	l.resolved[token] = &resolvedResponse{resp: resp, lastTouched: time.Now()}
	return nil
}

func (l *ledger) accept(token string, payload any) error {
	return l.resolve(token, newSuccessResponse(payload))
}

func (l *ledger) reject(token, reason string) error {
	return l.resolve(token, newErrorResponse(reason))
}

// cancel flags a pending token for the cancellation hook. Idempotent: a
// second call, or a call after resolution, is a no-op.
func (l *ledger) cancel(token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.resolved[token]; ok {
		return nil
	}
	p, ok := l.pending[token]
	if !ok {
		return fmt.Errorf("%w: %q", ErrTokenNotFound, token)
	}
	p.cancelRequested = true
	return nil
}

type cancelledRequest struct {
	token   string
	payload any
}

// sweepCancelled returns, in submission order, the pending tokens whose
// cancel flag was set since the last sweep, marking each as notified.
func (l *ledger) sweepCancelled() []cancelledRequest {
	l.mu.Lock()
	defer l.mu.Unlock()

	var swept []cancelledRequest
	for _, token := range l.order {
		p, ok := l.pending[token]
		if !ok || !p.cancelRequested || p.cancelNotified {
			continue
		}
		p.cancelNotified = true
		swept = append(swept, cancelledRequest{token: token, payload: p.payload})
	}
	return swept
}

// forceCancel records a cancelled outcome for a still-pending token. Returns
// false when the handler won the race and resolved it first.
func (l *ledger) forceCancel(token string) bool {
	return l.resolve(token, newCancelledResponse()) == nil
}

// poll returns the terminal response for a token, or resolved=false while the
// request is still pending.
func (l *ledger) poll(token string) (resp *Response, resolved bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if r, ok := l.resolved[token]; ok {
		r.lastTouched = time.Now()
		return r.resp, true, nil
	}
	if _, ok := l.pending[token]; ok {
		return nil, false, nil
	}
	return nil, false, fmt.Errorf("%w: %q", ErrTokenNotFound, token)
}

// drain resolves every still-pending token to a cancelled outcome and closes
// the ledger to new registrations. Used during shutdown so no poller can wait
// forever. Returns the number of requests drained.
func (l *ledger) drain() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	now := time.Now()
	n := 0
	for token := range l.pending {
		delete(l.pending, token)
		l.resolved[token] = &resolvedResponse{resp: newCancelledResponse(), lastTouched: now}
		n++
	}
	l.order = nil
	return n
}

// purgeOlderThan drops resolved responses not polled since the cutoff.
func (l *ledger) purgeOlderThan(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for token, r := range l.resolved {
		if r.lastTouched.Before(cutoff) {
			delete(l.resolved, token)
			n++
		}
	}
	return n
}
