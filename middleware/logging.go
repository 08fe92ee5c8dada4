package middleware

import (
	"time"

	"github.com/agentstation/bottleneck"
)

// Logging adds structured logging around a handler's hooks. Empty batches
// are logged at debug level only when they follow a non-empty one, so an
// idle executor does not flood the log.
func Logging(logger bottleneck.Logger) Middleware {
	return func(h bottleneck.Handler) bottleneck.Handler {
		wasBusy := false
		return &wrappedHandler{
			inner: h,
			batch: func(b *bottleneck.Batch) {
				if b.Len() == 0 {
					if wasBusy {
						logger.Debug("batch drained")
						wasBusy = false
					}
					h.HandleBatch(b)
					return
				}
				wasBusy = true

				start := time.Now()
				h.HandleBatch(b)
				logger.Debug("batch handled",
					"pending", b.Len(),
					"duration", time.Since(start))
			},
			cancel: func(token string, request any) {
				logger.Info("cancelling request", "token", token)
				h.HandleCancel(token, request)
			},
		}
	}
}
