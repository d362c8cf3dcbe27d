package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"mini-ipc/channel"
	"mini-ipc/message"
)

// RateLimit 创建一个基于令牌桶算法的限流中间件
// r is calls per second across all clients, burst the bucket size.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *channel.Request) (any, error) {
			if !limiter.Allow() {
				return nil, message.NewError("RateLimited", "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
