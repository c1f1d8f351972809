package middleware

import (
	"context"
	"errors"
	"time"

	"signal-rpc/transport"
)

// Retry re-issues an outbound call that failed because its connection
// dropped or it timed out, waiting baseDelay, 2*baseDelay, 4*baseDelay...
// between attempts. Typed failures from the peer are never retried. Only
// wrap methods that are safe to run twice.
func Retry(maxRetries int, baseDelay time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) ([]byte, error) {
			payload, err := next(ctx, req)
			for i := 0; i < maxRetries && retryable(err); i++ {
				timer := time.NewTimer(baseDelay * time.Duration(1<<i))
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil, err
				case <-timer.C:
				}
				payload, err = next(ctx, req)
			}
			return payload, err
		}
	}
}

func retryable(err error) bool {
	return errors.Is(err, transport.ErrConnectionClosed) || errors.Is(err, transport.ErrTimeout)
}
