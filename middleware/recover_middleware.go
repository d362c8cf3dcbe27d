package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"mini-ipc/channel"
	"mini-ipc/message"
)

// Recover turns a handler panic into a "Panic" error for the caller.
func Recover(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *channel.Request) (result any, err error) {
			defer func() {
				if r := recover(); r != nil {
					stack := string(debug.Stack())
					logger.Error("handler panic", "channel", req.Channel, "command", req.Command, "panic", r)
					result = nil
					err = &message.RemoteError{Name: "Panic", Message: fmt.Sprint(r), Stack: stack}
				}
			}()
			return next(ctx, req)
		}
	}
}
