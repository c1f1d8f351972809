package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"signal-rpc/auth"
	"signal-rpc/codec"
	"signal-rpc/message"
	"signal-rpc/middleware"
	"signal-rpc/router"
	"signal-rpc/transport"
)

// Method and notification keys.
const (
	KeyPing                 = "ping"
	KeyLogin                = "Login"
	KeyLogout               = "Logout"
	KeyListOnlineUsers      = "ListOnlineUsers"
	KeyUserConnectionUpdate = "UserConnectionUpdate"
)

const (
	UserConnected    = "UserConnected"
	UserDisconnected = "UserDisconnected"
)

type LoginArgs struct {
	Token string `json:"token"`
}

type LoginReply struct {
	User string `json:"user"`
}

type OnlineUsers struct {
	Users []string `json:"users"`
}

// UserConnectionUpdate is pushed untagged to every other session when a
// user comes online or goes offline.
type UserConnectionUpdate struct {
	User    string `json:"user"`
	Message string `json:"message"`
}

// Broadcaster sends an untagged message to every live session but except.
type Broadcaster interface {
	Broadcast(key string, body []byte, except *transport.Session) int
}

type Service struct {
	store  Store
	issuer *auth.Issuer
	codec  codec.Codec
	bcast  Broadcaster
	log    *zap.Logger

	// bindMu orders binding a user to a session against the disconnect
	// hook reading it back.
	bindMu sync.Mutex
}

func NewService(store Store, issuer *auth.Issuer, c codec.Codec, bcast Broadcaster, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, issuer: issuer, codec: c, bcast: bcast, log: logger}
}

// Register installs the presence methods and the login gate on reg.
func (s *Service) Register(reg *router.Registry) error {
	if err := reg.Use(auth.Require(KeyPing, KeyLogin)); err != nil {
		return err
	}
	return errors.Join(
		reg.Register(KeyPing, ping),
		reg.Register(KeyLogin, router.Typed(s.codec, s.login)),
		reg.Register(KeyLogout, router.Typed(s.codec, s.logout)),
		reg.Register(KeyListOnlineUsers, router.Typed(s.codec, s.listOnline)),
	)
}

func ping(context.Context, *middleware.Request) ([]byte, error) {
	return []byte("pong"), nil
}

func (s *Service) login(ctx context.Context, req *middleware.Request, in *LoginArgs) (LoginReply, error) {
	claims, err := s.issuer.Verify(in.Token)
	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		return LoginReply{}, message.NewError(message.CodeUnauthorized, "session key expired")
	case err != nil:
		return LoginReply{}, message.NewError(message.CodeUnauthorized, "invalid session key")
	}

	sess := req.Session
	if current := auth.UserFrom(sess); current != "" {
		if current == claims.User {
			return LoginReply{User: current}, nil
		}
		return LoginReply{}, message.NewError(message.CodeBadRequest, "already logged in as %s", current)
	}

	first, err := s.store.Add(ctx, claims.User, sess.ID())
	if err != nil {
		return LoginReply{}, err
	}
	if !s.bind(sess, claims.User) {
		// The session closed while the store was being updated and the
		// disconnect hook has already run, so nobody else will remove it.
		if _, rerr := s.store.Remove(context.WithoutCancel(ctx), claims.User, sess.ID()); rerr != nil {
			s.log.Warn("presence rollback failed", zap.String("user", claims.User), zap.Error(rerr))
		}
		return LoginReply{}, transport.ErrConnectionClosed
	}
	s.log.Info("user logged in", zap.String("user", claims.User), zap.String("session", sess.ID()))

	if first {
		s.announce(claims.User, UserConnected, sess)
	}
	return LoginReply{User: claims.User}, nil
}

func (s *Service) logout(ctx context.Context, req *middleware.Request, _ *struct{}) (struct{}, error) {
	user := auth.UserFrom(req.Session)
	auth.SetUser(req.Session, "")
	return struct{}{}, s.forget(ctx, user, req.Session)
}

func (s *Service) listOnline(ctx context.Context, _ *middleware.Request, _ *struct{}) (OnlineUsers, error) {
	users, err := s.store.Online(ctx)
	if err != nil {
		return OnlineUsers{}, err
	}
	return OnlineUsers{Users: users}, nil
}

// bind attaches user to sess unless the session has already closed.
func (s *Service) bind(sess *transport.Session, user string) bool {
	s.bindMu.Lock()
	defer s.bindMu.Unlock()
	if sess.Err() != nil {
		return false
	}
	auth.SetUser(sess, user)
	return true
}

// Disconnected is the server's on-disconnect hook.
func (s *Service) Disconnected(sess *transport.Session, _ error) {
	s.bindMu.Lock()
	user := auth.UserFrom(sess)
	auth.SetUser(sess, "")
	s.bindMu.Unlock()
	if user == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.forget(ctx, user, sess); err != nil {
		s.log.Warn("presence cleanup failed", zap.String("user", user), zap.Error(err))
	}
}

func (s *Service) forget(ctx context.Context, user string, sess *transport.Session) error {
	if user == "" {
		return nil
	}
	last, err := s.store.Remove(ctx, user, sess.ID())
	if err != nil {
		return err
	}
	if last {
		s.announce(user, UserDisconnected, sess)
	}
	return nil
}

func (s *Service) announce(user, what string, except *transport.Session) {
	body, err := s.codec.Encode(UserConnectionUpdate{User: user, Message: what})
	if err != nil {
		s.log.Error("encode presence update", zap.Error(err))
		return
	}
	n := s.bcast.Broadcast(KeyUserConnectionUpdate, body, except)
	s.log.Debug("presence update sent", zap.String("user", user), zap.String("message", what), zap.Int("sessions", n))
}
