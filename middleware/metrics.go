package middleware

import (
	"time"

	"github.com/agentstation/bottleneck"
)

// MetricsCollector collects handler execution metrics. Implementations must
// be safe for use from the worker goroutine; they are never called
// concurrently.
type MetricsCollector interface {
	// RecordBatch is called after every batch hook with the number of
	// pending requests offered and the hook's duration.
	RecordBatch(pending int, duration time.Duration)

	// RecordCancel is called after every cancellation hook.
	RecordCancel()
}

// Metrics adds metrics collection to a handler.
func Metrics(collector MetricsCollector) Middleware {
	return func(h bottleneck.Handler) bottleneck.Handler {
		return &wrappedHandler{
			inner: h,
			batch: func(b *bottleneck.Batch) {
				start := time.Now()
				h.HandleBatch(b)
				collector.RecordBatch(b.Len(), time.Since(start))
			},
			cancel: func(token string, request any) {
				h.HandleCancel(token, request)
				collector.RecordCancel()
			},
		}
	}
}
