package middleware

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"signal-rpc/message"
	"signal-rpc/transport"
)

// RateLimit allows r requests per second with the given burst across every
// connection, using a token bucket.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) ([]byte, error) {
			if !limiter.Allow() {
				return nil, message.NewError(message.CodeRateLimited, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}

// RateLimitPerSession gives each connection its own token bucket. Buckets
// are released when their session closes. Requests without a session share
// a single bucket.
func RateLimitPerSession(r float64, burst int) Middleware {
	var (
		mu       sync.Mutex
		limiters = make(map[*transport.Session]*rate.Limiter)
		shared   = rate.NewLimiter(rate.Limit(r), burst)
	)

	limiterFor := func(s *transport.Session) *rate.Limiter {
		if s == nil {
			return shared
		}
		mu.Lock()
		l, ok := limiters[s]
		if !ok {
			l = rate.NewLimiter(rate.Limit(r), burst)
			limiters[s] = l
		}
		mu.Unlock()
		if !ok {
			s.OnClose(func(s *transport.Session, _ error) {
				mu.Lock()
				delete(limiters, s)
				mu.Unlock()
			})
		}
		return l
	}

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) ([]byte, error) {
			if !limiterFor(req.Session).Allow() {
				return nil, message.NewError(message.CodeRateLimited, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
