package router

import (
	"context"

	"signal-rpc/transport"
)

type sessionKey struct{}

// WithSession returns a context carrying the session a request arrived on.
func WithSession(ctx context.Context, s *transport.Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFrom returns the session stored by WithSession, or nil.
func SessionFrom(ctx context.Context) *transport.Session {
	s, _ := ctx.Value(sessionKey{}).(*transport.Session)
	return s
}
