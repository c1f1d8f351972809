package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Logging records every handled request with its duration. Failures are
// logged at warn level with the error attached.
func Logging(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) ([]byte, error) {
			start := time.Now()
			payload, err := next(ctx, req)

			fields := []zap.Field{
				zap.String("key", req.Key),
				zap.Bool("tagged", req.Tagged),
				zap.Duration("duration", time.Since(start)),
			}
			if req.Tagged {
				fields = append(fields, zap.Uint32("id", req.ID))
			}
			if req.Session != nil {
				fields = append(fields, zap.String("session", req.Session.ID()))
			}
			if err != nil {
				logger.Warn("request failed", append(fields, zap.Error(err))...)
			} else {
				logger.Debug("request handled", fields...)
			}
			return payload, err
		}
	}
}
