package transport

import (
	"context"
	"errors"
	"net"
	"sync"

	"go.uber.org/zap"
)

// ErrPoolClosed is returned by Get after Close.
var ErrPoolClosed = errors.New("transport: session pool closed")

// DialFunc opens a connection to addr.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// SessionPool keeps one multiplexed dialer session per remote address.
// Sessions are dialed lazily and dropped from the pool when they close, so
// the next Get redials.
type SessionPool struct {
	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	dial       DialFunc
	dispatcher Dispatcher
	opts       Options
}

// NewSessionPool returns an empty pool. d receives notifications and
// requests pushed by any pooled peer; it may be nil.
func NewSessionPool(dial DialFunc, d Dispatcher, opts Options) *SessionPool {
	if dial == nil {
		var dialer net.Dialer
		dial = func(ctx context.Context, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", addr)
		}
	}
	return &SessionPool{
		sessions:   make(map[string]*Session),
		dial:       dial,
		dispatcher: d,
		opts:       opts.withDefaults(),
	}
}

// Get returns the live session for addr, dialing one if needed.
func (p *SessionPool) Get(ctx context.Context, addr string) (*Session, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if s, ok := p.sessions[addr]; ok && s.Err() == nil {
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	conn, err := p.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	fresh := NewSession(conn, RoleDialer, p.dispatcher, p.opts)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		fresh.Close()
		return nil, ErrPoolClosed
	}
	// another caller may have dialed the same address meanwhile
	if s, ok := p.sessions[addr]; ok && s.Err() == nil {
		p.mu.Unlock()
		fresh.Close()
		return s, nil
	}
	p.sessions[addr] = fresh
	p.mu.Unlock()

	fresh.OnClose(func(s *Session, err error) {
		p.mu.Lock()
		if p.sessions[addr] == s {
			delete(p.sessions, addr)
		}
		p.mu.Unlock()
	})
	go fresh.Serve()

	p.opts.Logger.Debug("session dialed", zap.String("addr", addr), zap.String("session", fresh.ID()))
	return fresh, nil
}

// Sessions returns a snapshot of the live sessions.
func (p *SessionPool) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s)
	}
	return out
}

// Len reports how many sessions are pooled.
func (p *SessionPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Close closes every pooled session. Their pending calls fail with
// ErrConnectionClosed.
func (p *SessionPool) Close() error {
	p.mu.Lock()
	p.closed = true
	sessions := p.sessions
	p.sessions = make(map[string]*Session)
	p.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	return nil
}
