package bottleneck_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/agentstation/bottleneck"
)

const testInterval = 2 * time.Millisecond

// acceptAll resolves every offered request by applying fn to its payload.
func acceptAll(fn func(any) any) bottleneck.HandlerFuncs {
	return bottleneck.HandlerFuncs{
		Batch: func(b *bottleneck.Batch) {
			for _, tok := range b.Tokens() {
				req, _ := b.Request(tok)
				_ = b.Accept(tok, fn(req))
			}
		},
	}
}

// pollUntilResolved polls on the caller's own cadence, as the framework
// requires, until the token resolves or the test deadline passes.
func pollUntilResolved(t *testing.T, poll func() (*bottleneck.Response, bool, error)) *bottleneck.Response {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, resolved, err := poll()
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		if resolved {
			return resp
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for resolution")
	return nil
}

func TestExecutorResolvesRequests(t *testing.T) {
	exec := bottleneck.NewExecutor(
		acceptAll(func(req any) any { return req.(int) * 2 }),
		bottleneck.WithInterval(testInterval),
	)
	if err := exec.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer exec.Stop()

	tok, err := exec.QueueRequest(21)
	if err != nil {
		t.Fatalf("QueueRequest: %v", err)
	}

	resp := pollUntilResolved(t, func() (*bottleneck.Response, bool, error) {
		return exec.PollResponse(tok)
	})
	if resp.HasError() || resp.IsCancelled() {
		t.Fatalf("unexpected outcome: %+v", resp)
	}
	if got := resp.Payload(); got != 42 {
		t.Errorf("Payload() = %v, want 42", got)
	}

	// Repeated polls return the same response.
	again, resolved, err := exec.PollResponse(tok)
	if err != nil || !resolved {
		t.Fatalf("second poll: resolved=%v err=%v", resolved, err)
	}
	if again != resp {
		t.Error("second poll returned a different response")
	}
}

func TestExecutorUnresolvedUntilHandlerActs(t *testing.T) {
	release := make(chan struct{})
	handler := bottleneck.HandlerFuncs{
		Batch: func(b *bottleneck.Batch) {
			select {
			case <-release:
			default:
				return // hold everything pending
			}
			for _, tok := range b.Tokens() {
				_ = b.Accept(tok, "done")
			}
		},
	}

	exec := bottleneck.NewExecutor(handler, bottleneck.WithInterval(testInterval))
	if err := exec.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer exec.Stop()

	tok, err := exec.QueueRequest("job")
	if err != nil {
		t.Fatalf("QueueRequest: %v", err)
	}

	// Several cycles pass; the request stays visible but unresolved.
	time.Sleep(10 * testInterval)
	if _, resolved, err := exec.PollResponse(tok); resolved || err != nil {
		t.Fatalf("premature resolution: resolved=%v err=%v", resolved, err)
	}

	close(release)
	resp := pollUntilResolved(t, func() (*bottleneck.Response, bool, error) {
		return exec.PollResponse(tok)
	})
	if !resp.OK() {
		t.Errorf("outcome = %+v, want success", resp)
	}
}

func TestExecutorFIFOVisibility(t *testing.T) {
	var mu sync.Mutex
	var batches [][]string
	handler := bottleneck.HandlerFuncs{
		Batch: func(b *bottleneck.Batch) {
			if b.Len() == 0 {
				return
			}
			tokens := append([]string(nil), b.Tokens()...)
			mu.Lock()
			batches = append(batches, tokens)
			done := len(batches) >= 3
			mu.Unlock()
			if done {
				// Resolving out of submission order is legal.
				for i := len(tokens) - 1; i >= 0; i-- {
					_ = b.Accept(tokens[i], i)
				}
			}
		},
	}

	exec := bottleneck.NewExecutor(handler, bottleneck.WithInterval(testInterval))

	// Queue both before the worker exists so every batch sees both.
	first, _ := exec.QueueRequest("a")
	second, _ := exec.QueueRequest("b")

	if err := exec.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer exec.Stop()

	pollUntilResolved(t, func() (*bottleneck.Response, bool, error) {
		return exec.PollResponse(first)
	})

	mu.Lock()
	defer mu.Unlock()
	if len(batches) < 3 {
		t.Fatalf("observed %d batches, want at least 3", len(batches))
	}
	for i, tokens := range batches {
		if len(tokens) != 2 || tokens[0] != first || tokens[1] != second {
			t.Errorf("batch %d order = %v, want [%q %q]", i, tokens, first, second)
		}
	}
}

func TestExecutorDoubleResolutionFails(t *testing.T) {
	resolutionErrs := make(chan error, 1)
	handler := bottleneck.HandlerFuncs{
		Batch: func(b *bottleneck.Batch) {
			for _, tok := range b.Tokens() {
				if err := b.Accept(tok, "first"); err != nil {
					continue
				}
				resolutionErrs <- b.Reject(tok, "second")
			}
		},
	}

	exec := bottleneck.NewExecutor(handler, bottleneck.WithInterval(testInterval))
	if err := exec.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer exec.Stop()

	tok, _ := exec.QueueRequest("job")
	resp := pollUntilResolved(t, func() (*bottleneck.Response, bool, error) {
		return exec.PollResponse(tok)
	})

	select {
	case err := <-resolutionErrs:
		if !errors.Is(err, bottleneck.ErrAlreadyResolved) {
			t.Errorf("second resolution error = %v, want ErrAlreadyResolved", err)
		}
	case <-time.After(time.Second):
		t.Fatal("handler never attempted the second resolution")
	}

	// The first-stored response stands.
	if !resp.OK() || resp.Payload() != "first" {
		t.Errorf("response = %+v, want success %q", resp, "first")
	}
}

func TestExecutorCancellation(t *testing.T) {
	t.Run("passive handler gets hook then forced outcome", func(t *testing.T) {
		cancelled := make(chan string, 1)
		handler := bottleneck.HandlerFuncs{
			Cancel: func(token string, request any) {
				if request != "job" {
					t.Errorf("cancel hook request = %v, want %q", request, "job")
				}
				cancelled <- token
			},
		}

		exec := bottleneck.NewExecutor(handler, bottleneck.WithInterval(testInterval))
		if err := exec.Start(); err != nil {
			t.Fatalf("Start: %v", err)
		}
		defer exec.Stop()

		tok, _ := exec.QueueRequest("job")
		if err := exec.CancelRequest(tok); err != nil {
			t.Fatalf("CancelRequest: %v", err)
		}
		// Second cancel is a no-op, not an error.
		if err := exec.CancelRequest(tok); err != nil {
			t.Fatalf("repeat CancelRequest: %v", err)
		}

		resp := pollUntilResolved(t, func() (*bottleneck.Response, bool, error) {
			return exec.PollResponse(tok)
		})
		if !resp.IsCancelled() || !resp.HasError() {
			t.Errorf("outcome = %+v, want cancelled", resp)
		}

		select {
		case got := <-cancelled:
			if got != tok {
				t.Errorf("cancel hook token = %q, want %q", got, tok)
			}
		case <-time.After(time.Second):
			t.Fatal("cancel hook never ran")
		}
	})

	t.Run("handler resolution inside hook wins", func(t *testing.T) {
		var mu sync.Mutex
		var batch *bottleneck.Batch
		handler := bottleneck.HandlerFuncs{
			Batch: func(b *bottleneck.Batch) {
				mu.Lock()
				batch = b
				mu.Unlock()
			},
			Cancel: func(token string, request any) {
				mu.Lock()
				defer mu.Unlock()
				if batch != nil {
					_ = batch.Accept(token, "finished anyway")
				}
			},
		}

		exec := bottleneck.NewExecutor(handler, bottleneck.WithInterval(testInterval))
		if err := exec.Start(); err != nil {
			t.Fatalf("Start: %v", err)
		}
		defer exec.Stop()

		tok, _ := exec.QueueRequest("job")
		// Let the handler observe the batch before cancelling.
		time.Sleep(5 * testInterval)
		if err := exec.CancelRequest(tok); err != nil {
			t.Fatalf("CancelRequest: %v", err)
		}

		resp := pollUntilResolved(t, func() (*bottleneck.Response, bool, error) {
			return exec.PollResponse(tok)
		})
		if !resp.OK() || resp.Payload() != "finished anyway" {
			t.Errorf("outcome = %+v, want handler's success", resp)
		}
	})

	t.Run("concurrent cancel and accept yield one outcome", func(t *testing.T) {
		exec := bottleneck.NewExecutor(
			acceptAll(func(req any) any { return req }),
			bottleneck.WithInterval(testInterval),
		)
		if err := exec.Start(); err != nil {
			t.Fatalf("Start: %v", err)
		}
		defer exec.Stop()

		for i := 0; i < 50; i++ {
			tok, err := exec.QueueRequest(i)
			if err != nil {
				t.Fatalf("QueueRequest: %v", err)
			}
			go func() {
				_ = exec.CancelRequest(tok)
			}()

			resp := pollUntilResolved(t, func() (*bottleneck.Response, bool, error) {
				return exec.PollResponse(tok)
			})
			// Either outcome is legal; it must simply be terminal and stable.
			again, resolved, err := exec.PollResponse(tok)
			if err != nil || !resolved {
				t.Fatalf("re-poll: resolved=%v err=%v", resolved, err)
			}
			if again != resp {
				t.Fatal("terminal response changed between polls")
			}
			if resp.OK() == resp.IsCancelled() {
				t.Fatalf("response is neither success nor cancelled: %+v", resp)
			}
		}
	})
}

func TestExecutorRejectDeliversExecutionError(t *testing.T) {
	handler := bottleneck.HandlerFuncs{
		Batch: func(b *bottleneck.Batch) {
			for _, tok := range b.Tokens() {
				req, _ := b.Request(tok)
				_ = b.Reject(tok, fmt.Sprintf("cannot process %v", req))
			}
		},
	}

	exec := bottleneck.NewExecutor(handler, bottleneck.WithInterval(testInterval))
	if err := exec.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer exec.Stop()

	tok, _ := exec.QueueRequest("widget")
	resp := pollUntilResolved(t, func() (*bottleneck.Response, bool, error) {
		return exec.PollResponse(tok)
	})
	if !resp.HasError() || resp.IsCancelled() {
		t.Fatalf("outcome = %+v, want execution error", resp)
	}
	if got := resp.ErrorMessage(); got != "cannot process widget" {
		t.Errorf("ErrorMessage() = %q", got)
	}
}

func TestExecutorShutdownCompleteness(t *testing.T) {
	// A handler that never resolves anything.
	exec := bottleneck.NewExecutor(bottleneck.HandlerFuncs{}, bottleneck.WithInterval(testInterval))
	if err := exec.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var toks []string
	for i := 0; i < 10; i++ {
		tok, err := exec.QueueRequest(i)
		if err != nil {
			t.Fatalf("QueueRequest: %v", err)
		}
		toks = append(toks, tok)
	}

	exec.Stop()

	for _, tok := range toks {
		resp, resolved, err := exec.PollResponse(tok)
		if err != nil || !resolved {
			t.Fatalf("poll %q after Stop: resolved=%v err=%v", tok, resolved, err)
		}
		if !resp.IsCancelled() {
			t.Errorf("response for %q not cancelled after Stop", tok)
		}
	}

	// Stop twice is a no-op; queueing after Stop fails.
	exec.Stop()
	if _, err := exec.QueueRequest("late"); !errors.Is(err, bottleneck.ErrStopped) {
		t.Errorf("QueueRequest after Stop = %v, want ErrStopped", err)
	}
	if err := exec.Start(); !errors.Is(err, bottleneck.ErrStopped) {
		t.Errorf("Start after Stop = %v, want ErrStopped", err)
	}
}

func TestExecutorStartTwice(t *testing.T) {
	exec := bottleneck.NewExecutor(bottleneck.HandlerFuncs{}, bottleneck.WithInterval(testInterval))
	if err := exec.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer exec.Stop()

	if err := exec.Start(); !errors.Is(err, bottleneck.ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
}

func TestExecutorQueueBeforeStart(t *testing.T) {
	exec := bottleneck.NewExecutor(
		acceptAll(func(req any) any { return req }),
		bottleneck.WithInterval(testInterval),
	)

	tok, err := exec.QueueRequest("early")
	if err != nil {
		t.Fatalf("QueueRequest before Start: %v", err)
	}
	if _, resolved, err := exec.PollResponse(tok); resolved || err != nil {
		t.Fatalf("poll before Start: resolved=%v err=%v", resolved, err)
	}

	if err := exec.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer exec.Stop()

	resp := pollUntilResolved(t, func() (*bottleneck.Response, bool, error) {
		return exec.PollResponse(tok)
	})
	if !resp.OK() || resp.Payload() != "early" {
		t.Errorf("outcome = %+v, want success %q", resp, "early")
	}
}

// initHandler exercises the optional Initializer/Shutdowner lifecycle.
type initHandler struct {
	bottleneck.HandlerFuncs
	initErr  error
	initRan  bool
	shutdown chan struct{}
}

func (h *initHandler) Init() error {
	h.initRan = true
	return h.initErr
}

func (h *initHandler) Shutdown() {
	close(h.shutdown)
}

func TestExecutorHandlerLifecycle(t *testing.T) {
	t.Run("init failure fails start", func(t *testing.T) {
		h := &initHandler{initErr: errors.New("no device"), shutdown: make(chan struct{})}
		exec := bottleneck.NewExecutor(h, bottleneck.WithInterval(testInterval))

		err := exec.Start()
		if err == nil || !h.initRan {
			t.Fatalf("Start = %v (initRan=%v), want init error", err, h.initRan)
		}
		if err := exec.Start(); !errors.Is(err, bottleneck.ErrStopped) {
			t.Errorf("Start after failed init = %v, want ErrStopped", err)
		}
	})

	t.Run("shutdown hook runs on stop", func(t *testing.T) {
		h := &initHandler{shutdown: make(chan struct{})}
		exec := bottleneck.NewExecutor(h, bottleneck.WithInterval(testInterval))
		if err := exec.Start(); err != nil {
			t.Fatalf("Start: %v", err)
		}
		exec.Stop()

		select {
		case <-h.shutdown:
		default:
			t.Error("shutdown hook did not run before Stop returned")
		}
	})
}

func TestExecutorBatchPanicStopsWorker(t *testing.T) {
	handler := bottleneck.HandlerFuncs{
		Batch: func(b *bottleneck.Batch) {
			if b.Len() > 0 {
				panic("handler bug")
			}
		},
	}

	exec := bottleneck.NewExecutor(handler, bottleneck.WithInterval(testInterval))
	if err := exec.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	tok, _ := exec.QueueRequest("boom")
	resp := pollUntilResolved(t, func() (*bottleneck.Response, bool, error) {
		return exec.PollResponse(tok)
	})
	if !resp.IsCancelled() {
		t.Errorf("outcome after panic = %+v, want cancelled", resp)
	}

	// The executor shut itself down; Stop remains a safe no-op.
	exec.Stop()
	if _, err := exec.QueueRequest("more"); !errors.Is(err, bottleneck.ErrStopped) {
		t.Errorf("QueueRequest after panic = %v, want ErrStopped", err)
	}
}

func TestExecutorCancelHookPanicDoesNotStopWorker(t *testing.T) {
	handler := bottleneck.HandlerFuncs{
		Batch: func(b *bottleneck.Batch) {
			for _, tok := range b.Tokens() {
				_ = b.Accept(tok, "ok")
			}
		},
		Cancel: func(token string, request any) {
			panic("cancel cleanup bug")
		},
	}

	exec := bottleneck.NewExecutor(handler, bottleneck.WithInterval(testInterval))
	if err := exec.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer exec.Stop()

	// Force the cancel hook (and its panic) by parking a request first:
	// queue, cancel immediately, and let the cycle run.
	tok, _ := exec.QueueRequest("victim")
	_ = exec.CancelRequest(tok)
	pollUntilResolved(t, func() (*bottleneck.Response, bool, error) {
		return exec.PollResponse(tok)
	})

	// The loop survived; new work still resolves.
	tok2, err := exec.QueueRequest("survivor")
	if err != nil {
		t.Fatalf("QueueRequest after hook panic: %v", err)
	}
	resp := pollUntilResolved(t, func() (*bottleneck.Response, bool, error) {
		return exec.PollResponse(tok2)
	})
	if !resp.OK() {
		t.Errorf("outcome = %+v, want success", resp)
	}
}

func TestExecutorRetentionPurgesResponses(t *testing.T) {
	exec := bottleneck.NewExecutor(
		acceptAll(func(req any) any { return req }),
		bottleneck.WithInterval(testInterval),
		bottleneck.WithRetention(20*time.Millisecond),
	)
	if err := exec.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer exec.Stop()

	tok, _ := exec.QueueRequest("short-lived")
	pollUntilResolved(t, func() (*bottleneck.Response, bool, error) {
		return exec.PollResponse(tok)
	})

	// Polling refreshes the retention clock, so space the checks out well
	// past the retention window.
	deadline := time.Now().Add(5 * time.Second)
	for {
		time.Sleep(60 * time.Millisecond)
		_, _, err := exec.PollResponse(tok)
		if errors.Is(err, bottleneck.ErrTokenNotFound) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("response was never purged")
		}
	}
}

func TestExecutorCancelUnknownToken(t *testing.T) {
	exec := bottleneck.NewExecutor(bottleneck.HandlerFuncs{}, bottleneck.WithInterval(testInterval))
	if err := exec.CancelRequest("ghost"); !errors.Is(err, bottleneck.ErrTokenNotFound) {
		t.Errorf("CancelRequest unknown = %v, want ErrTokenNotFound", err)
	}
	if _, _, err := exec.PollResponse("ghost"); !errors.Is(err, bottleneck.ErrTokenNotFound) {
		t.Errorf("PollResponse unknown = %v, want ErrTokenNotFound", err)
	}
}
