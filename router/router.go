// Package router maps method keys to handlers and answers tagged requests.
//
// A Registry is the Dispatcher a server (or a client accepting server-pushed
// calls) hands to its sessions:
//
//	frame(key, tagged, id, body)
//	  → lookup key → middleware chain → handler
//	  → tagged:   reply(key, id, EncodeReply(result, err))
//	  → untagged: result discarded
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"signal-rpc/message"
	"signal-rpc/middleware"
	"signal-rpc/protocol"
	"signal-rpc/transport"
)

var (
	ErrDuplicateKey = errors.New("router: key already registered")
	ErrEmptyKey     = errors.New("router: empty key is reserved for heartbeats")
	ErrSealed       = errors.New("router: registry is sealed")
)

// Registry is safe for concurrent dispatch. Registration is only allowed
// before the first dispatch; after that the handler set is fixed.
type Registry struct {
	mu          sync.Mutex
	handlers    map[string]middleware.HandlerFunc
	middlewares []middleware.Middleware
	sealed      bool

	once     sync.Once
	compiled map[string]middleware.HandlerFunc
	notFound middleware.HandlerFunc

	log *zap.Logger
}

// New returns an empty registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		handlers: make(map[string]middleware.HandlerFunc),
		log:      logger,
	}
}

// Register binds key to h.
func (r *Registry) Register(key string, h middleware.HandlerFunc) error {
	if key == "" {
		return ErrEmptyKey
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("%w: cannot register %q", ErrSealed, key)
	}
	if _, dup := r.handlers[key]; dup {
		return fmt.Errorf("%w: %q", ErrDuplicateKey, key)
	}
	r.handlers[key] = h
	return nil
}

// MustRegister is Register for setup code that cannot continue on error.
func (r *Registry) MustRegister(key string, h middleware.HandlerFunc) {
	if err := r.Register(key, h); err != nil {
		panic(err)
	}
}

// Use appends middlewares applied to every handler, in the order given.
func (r *Registry) Use(mws ...middleware.Middleware) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("%w: cannot add middleware", ErrSealed)
	}
	r.middlewares = append(r.middlewares, mws...)
	return nil
}

// Keys returns the registered keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Has reports whether key has a handler.
func (r *Registry) Has(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handlers[key]
	return ok
}

// seal freezes registration and wraps every handler in the middleware chain
// once, so dispatch does no allocation-heavy setup per request.
func (r *Registry) seal() {
	r.once.Do(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.sealed = true

		chain := middleware.Chain(r.middlewares...)
		r.compiled = make(map[string]middleware.HandlerFunc, len(r.handlers))
		for k, h := range r.handlers {
			r.compiled[k] = chain(h)
		}
		r.notFound = chain(func(ctx context.Context, req *middleware.Request) ([]byte, error) {
			return nil, message.NewError(message.CodeMethodNotFound, "no handler for %q", req.Key)
		})
	})
}

// Handle runs req through the chain and its handler. An unknown key yields
// a method_not_found failure.
func (r *Registry) Handle(ctx context.Context, req *middleware.Request) ([]byte, error) {
	r.seal()
	h, ok := r.compiled[req.Key]
	if !ok {
		h = r.notFound
	}
	if req.Session != nil {
		ctx = WithSession(ctx, req.Session)
	}
	return h(ctx, req)
}

// Dispatch implements transport.Dispatcher. Tagged requests always get
// exactly one reply echoing their key and id; untagged messages never do.
func (r *Registry) Dispatch(ctx context.Context, s *transport.Session, f protocol.Frame) {
	r.seal()

	if !f.Tagged {
		if _, ok := r.compiled[f.Key]; !ok {
			r.log.Debug("dropping untagged message for unknown key", zap.String("key", f.Key))
			return
		}
	}

	req := &middleware.Request{Key: f.Key, Tagged: f.Tagged, ID: f.ID, Body: f.Body, Session: s}
	payload, err := r.Handle(ctx, req)

	if !f.Tagged {
		if err != nil {
			r.log.Debug("untagged handler failed", zap.String("key", f.Key), zap.Error(err))
		}
		return
	}
	if werr := s.Reply(f, message.EncodeReply(payload, err)); werr != nil {
		r.log.Debug("reply not sent",
			zap.String("key", f.Key), zap.Uint32("id", f.ID), zap.Error(werr))
	}
}
