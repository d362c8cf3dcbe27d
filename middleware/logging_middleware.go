package middleware

import (
	"context"
	"log/slog"
	"time"

	"mini-ipc/channel"
)

func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *channel.Request) (any, error) {
			start := time.Now()
			result, err := next(ctx, req)
			attrs := []any{
				"client_id", req.Client.ClientID,
				"request_id", req.RequestID,
				"channel", req.Channel,
				"command", req.Command,
				"duration", time.Since(start),
			}
			if err != nil {
				logger.Info("call failed", append(attrs, "err", err)...)
			} else {
				logger.Debug("call", attrs...)
			}
			return result, err
		}
	}
}
