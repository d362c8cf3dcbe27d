package middleware

import (
	"context"
	"log/slog"
	"time"

	"mini-ipc/channel"
)

// Retry re-runs a call whose error satisfies retryable, up to maxRetries
// times with exponential backoff starting at baseDelay. It gives up early
// when ctx is done.
func Retry(maxRetries int, baseDelay time.Duration, retryable func(error) bool) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *channel.Request) (any, error) {
			result, err := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if err == nil || !retryable(err) {
					return result, err
				}
				slog.Debug("retrying call", "channel", req.Channel, "command", req.Command, "attempt", i+1, "err", err)
				select {
				case <-time.After(baseDelay * time.Duration(1<<i)):
				case <-ctx.Done():
					return nil, err
				}
				result, err = next(ctx, req)
			}
			return result, err
		}
	}
}
