package auth

import (
	"context"

	"signal-rpc/message"
	"signal-rpc/middleware"
	"signal-rpc/transport"
)

type userKey struct{}

// SetUser marks s as authenticated for user.
func SetUser(s *transport.Session, user string) {
	s.Set(userKey{}, user)
}

// UserFrom returns the user s authenticated as, or "".
func UserFrom(s *transport.Session) string {
	if s == nil {
		return ""
	}
	user, _ := s.Value(userKey{}).(string)
	return user
}

// Require rejects requests on sessions that have not logged in with an
// unauthorized failure. Keys in exempt, such as the login method itself,
// pass through.
func Require(exempt ...string) middleware.Middleware {
	open := make(map[string]struct{}, len(exempt))
	for _, k := range exempt {
		open[k] = struct{}{}
	}
	return func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *middleware.Request) ([]byte, error) {
			if _, ok := open[req.Key]; ok {
				return next(ctx, req)
			}
			if UserFrom(req.Session) == "" {
				return nil, message.NewError(message.CodeUnauthorized, "%s requires login", req.Key)
			}
			return next(ctx, req)
		}
	}
}
