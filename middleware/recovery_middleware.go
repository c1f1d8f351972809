package middleware

import (
	"context"

	"go.uber.org/zap"

	"signal-rpc/message"
)

// Recovery turns a panicking handler into a handler_failure reply instead
// of taking the whole process down.
func Recovery(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (payload []byte, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("handler panicked", zap.String("key", req.Key), zap.Any("panic", r), zap.Stack("stack"))
					payload = nil
					err = message.NewError(message.CodeHandlerFailure, "internal error")
				}
			}()
			return next(ctx, req)
		}
	}
}
