package router

import (
	"context"

	"signal-rpc/codec"
	"signal-rpc/message"
	"signal-rpc/middleware"
)

// Typed adapts a function over decoded values to a HandlerFunc. A body that
// does not decode into In is reported as bad_request.
func Typed[In, Out any](c codec.Codec, fn func(ctx context.Context, req *middleware.Request, in *In) (Out, error)) middleware.HandlerFunc {
	return func(ctx context.Context, req *middleware.Request) ([]byte, error) {
		in := new(In)
		if err := c.Decode(req.Body, in); err != nil {
			return nil, message.NewError(message.CodeBadRequest, "%s: %v", req.Key, err)
		}
		out, err := fn(ctx, req, in)
		if err != nil {
			return nil, err
		}
		return c.Encode(out)
	}
}
