/*
Package bottleneck serializes access to a single-threaded resource behind a
queue/poll API.

An Executor owns one worker goroutine. Callers on any goroutine submit opaque
request payloads with QueueRequest and receive a token; the worker offers every
still-pending request, in submission order, to an injected Handler on each
cycle. The Handler resolves requests whenever it is ready by calling Accept or
Reject on the batch it is handed; unresolved requests simply reappear on the
next cycle. Callers retrieve results by polling the token.

Key properties:
  - Handler code runs only on the worker goroutine, never concurrently with
    itself, so the domain logic needs no locks.
  - PollResponse never blocks and QueueRequest never waits on handler work.
  - Each token resolves exactly once; a second Accept or Reject fails with
    ErrAlreadyResolved.
  - Cancellation is cooperative: CancelRequest sets a flag, the Handler is
    notified on the next cycle and may still resolve the request itself before
    the framework records a cancelled outcome.
  - Stop drains the queue so every issued token has a terminal response.

Basic usage:

	doubler := bottleneck.HandlerFuncs{
		Batch: func(b *bottleneck.Batch) {
			for _, tok := range b.Tokens() {
				req, _ := b.Request(tok)
				b.Accept(tok, req.(int)*2)
			}
		},
	}

	exec := bottleneck.NewExecutor(doubler)
	exec.Start()
	defer exec.Stop()

	tok, _ := exec.QueueRequest(21)
	for {
		resp, done, _ := exec.PollResponse(tok)
		if done {
			fmt.Println(resp.Payload()) // 42
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

The Router multiplexes several request families, optionally across several
executors, behind one queue/poll surface. Each registered route key carries a
preprocessor that shapes caller arguments into a request payload plus opaque
static info, and a postprocessor that rewrites the successful response using
that static info when it is first polled.
*/
package bottleneck
