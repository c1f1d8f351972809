// Package server accepts signaling connections and serves each one as a
// transport.Session.
//
// Request processing pipeline:
//
//	Accept conn → Session.Serve (single read loop per connection)
//	  → for each request: go Dispatcher.Dispatch (parallel processing)
//	    → router → middleware chain → handler → tagged reply
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"signal-rpc/registry"
	"signal-rpc/transport"
)

var ErrServerClosed = errors.New("server: closed")

// Server tracks every live session so it can broadcast to them and drain
// them on shutdown.
type Server struct {
	dispatcher transport.Dispatcher
	opts       transport.Options
	log        *zap.Logger

	mu           sync.Mutex
	listener     net.Listener
	sessions     map[string]*transport.Session
	onConnect    []func(*transport.Session)
	onDisconnect []func(*transport.Session, error)
	shutdown     atomic.Bool // set before the listener closes so Accept errors read as intentional

	registry  registry.Registry // nil when not using discovery
	service   string
	advertise string // address published in the registry; ":7400" is not routable
	ttl       int64
}

type Option func(*Server)

func WithTransportOptions(o transport.Options) Option {
	return func(s *Server) { s.opts = o }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithRegistry publishes the server under service once it is serving and
// withdraws it on shutdown.
func WithRegistry(reg registry.Registry, service, advertise string, ttl int64) Option {
	return func(s *Server) {
		s.registry = reg
		s.service = service
		s.advertise = advertise
		s.ttl = ttl
	}
}

// New returns a server that hands inbound requests to d.
func New(d transport.Dispatcher, opts ...Option) *Server {
	s := &Server{
		dispatcher: d,
		opts:       transport.DefaultOptions(),
		log:        zap.NewNop(),
		sessions:   make(map[string]*transport.Session),
	}
	for _, o := range opts {
		o(s)
	}
	if s.opts.Logger == nil {
		s.opts.Logger = s.log
	}
	return s
}

// OnConnect registers fn to run for every new session before its first
// frame is read.
func (s *Server) OnConnect(fn func(*transport.Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnect = append(s.onConnect, fn)
}

// OnDisconnect registers fn to run once per session after it closes.
func (s *Server) OnDisconnect(fn func(*transport.Session, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnect = append(s.onDisconnect, fn)
}

// ListenAndServe listens on addr over TCP and calls Serve.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown. It returns nil after a
// shutdown and the Accept error otherwise.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	if s.advertise == "" {
		s.advertise = ln.Addr().String()
	}
	advertise := s.advertise
	s.mu.Unlock()

	if s.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.registry.Register(ctx, s.service, registry.Instance{Addr: advertise, Weight: 1}, s.ttl)
		cancel()
		if err != nil {
			ln.Close()
			return fmt.Errorf("server: register %s: %w", s.service, err)
		}
	}

	s.log.Info("signaling server listening", zap.Stringer("addr", ln.Addr()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) handleConn(conn net.Conn) {
	sess := transport.NewSession(conn, transport.RoleAcceptor, s.dispatcher, s.opts)

	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		sess.Close()
		return
	}
	s.sessions[sess.ID()] = sess
	connectHooks := append([]func(*transport.Session){}, s.onConnect...)
	s.mu.Unlock()

	sess.OnClose(func(sess *transport.Session, err error) {
		s.mu.Lock()
		delete(s.sessions, sess.ID())
		hooks := append([]func(*transport.Session, error){}, s.onDisconnect...)
		s.mu.Unlock()
		for _, fn := range hooks {
			fn(sess, err)
		}
	})

	for _, fn := range connectHooks {
		fn(sess)
	}
	s.log.Debug("session opened", zap.String("session", sess.ID()), zap.Stringer("remote", conn.RemoteAddr()))
	sess.Serve()
}

// Sessions returns a snapshot of the live sessions.
func (s *Server) Sessions() []*transport.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*transport.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// Session looks a live session up by id.
func (s *Server) Session(id string) *transport.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

// Broadcast fires an untagged message at every live session except the
// given one (which may be nil) and reports how many writes succeeded.
// Writes run concurrently so one slow peer does not delay the rest.
func (s *Server) Broadcast(key string, body []byte, except *transport.Session) int {
	var (
		wg   sync.WaitGroup
		sent atomic.Int32
	)
	for _, sess := range s.Sessions() {
		if sess == except {
			continue
		}
		wg.Add(1)
		go func(sess *transport.Session) {
			defer wg.Done()
			if err := sess.Fire(key, body); err != nil {
				s.log.Debug("broadcast write failed", zap.String("session", sess.ID()), zap.Error(err))
				return
			}
			sent.Add(1)
		}(sess)
	}
	wg.Wait()
	return int(sent.Load())
}

// Shutdown performs graceful shutdown:
//  1. Withdraw the server from the registry so clients stop picking it
//  2. Close the listener
//  3. Wait for in-flight handlers to finish, until ctx ends
//  4. Close every session; their pending calls fail with ErrConnectionClosed
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	advertise := s.advertise
	s.mu.Unlock()
	if s.registry != nil && advertise != "" {
		if err := s.registry.Deregister(ctx, s.service, advertise); err != nil {
			s.log.Warn("registry deregister failed", zap.Error(err))
		}
	}

	s.mu.Lock()
	s.shutdown.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	var err error
wait:
	for s.active() > 0 {
		select {
		case <-ctx.Done():
			err = fmt.Errorf("server: timeout waiting for in-flight requests: %w", ctx.Err())
			break wait
		case <-ticker.C:
		}
	}

	for _, sess := range s.Sessions() {
		sess.Close()
	}
	s.log.Info("signaling server stopped")
	return err
}

func (s *Server) active() int64 {
	var n int64
	for _, sess := range s.Sessions() {
		n += sess.Active()
	}
	return n
}
