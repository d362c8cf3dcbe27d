package middleware

import (
	"context"
	"time"

	"mini-ipc/channel"
	"mini-ipc/message"
)

type outcome struct {
	result any
	err    error
}

// Timeout fails a call that runs longer than timeout with a "Timeout" error.
// The handler's ctx is cancelled; the handler goroutine is not waited for.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *channel.Request) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan outcome, 1)
			go func() {
				result, err := next(ctx, req)
				done <- outcome{result, err}
			}()

			select {
			case o := <-done:
				return o.result, o.err
			case <-ctx.Done():
				return nil, message.NewError("Timeout", "request timed out after %s", timeout)
			}
		}
	}
}
