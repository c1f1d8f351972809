package middleware

import (
	"context"
	"time"

	"signal-rpc/message"
)

// Timeout bounds a handler's running time. The handler keeps running in the
// background after the deadline; its context is cancelled so it can stop.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) ([]byte, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			type outcome struct {
				payload []byte
				err     error
			}
			done := make(chan outcome, 1)
			go func() {
				payload, err := next(ctx, req)
				done <- outcome{payload, err}
			}()

			select {
			case o := <-done:
				return o.payload, o.err
			case <-ctx.Done():
				return nil, message.NewError(message.CodeDeadlineExceeded, "%s timed out after %s", req.Key, timeout)
			}
		}
	}
}
