// Package middleware wraps method handlers with cross-cutting behavior.
//
// Handlers and middlewares compose like an onion:
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
//	A.before → B.before → C.before → handler → C.after → B.after → A.after
//
// The same types are used on both sides of a connection: the server wraps
// its registered methods, the client wraps its outgoing calls.
package middleware

import (
	"context"

	"signal-rpc/transport"
)

// Request is one inbound or outbound invocation of a method key.
type Request struct {
	Key    string
	Tagged bool   // false for fire-and-forget messages, whose result is discarded
	ID     uint32 // correlation id of an inbound tagged request
	Body   []byte

	// Session is the connection the request arrived on or is sent over.
	// It is nil for outbound calls that have not picked a connection yet.
	Session *transport.Session
}

// HandlerFunc produces the reply payload for a request. A non-nil error is
// sent back as a typed failure; return a *message.Error to pick its code.
type HandlerFunc func(ctx context.Context, req *Request) ([]byte, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines middlewares so the first one listed runs outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
