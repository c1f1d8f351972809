// Package client is the dialing side of a signaling connection.
//
// A Client keeps one live session to a signaling server, found either at a
// fixed address or through a registry and balancer. Calls and fire-and-forget
// messages go through an optional middleware chain; untagged messages pushed
// by the server are fanned out to subscribers. When the connection drops,
// calls in flight fail with transport.ErrConnectionClosed and the client
// redials in the background with exponential backoff.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"signal-rpc/codec"
	"signal-rpc/loadbalance"
	"signal-rpc/middleware"
	"signal-rpc/registry"
	"signal-rpc/transport"
)

var (
	ErrClosed   = errors.New("client: closed")
	ErrNoServer = errors.New("client: no server address or registry configured")
)

const reconnectDialTimeout = 5 * time.Second

type Options struct {
	// Addr is dialed directly when Registry is nil.
	Addr string

	// Registry and Service locate servers; Balancer picks among them using
	// AffinityKey as a hint (e.g. the user name for consistent hashing).
	Registry    registry.Registry
	Service     string
	Balancer    loadbalance.Balancer
	AffinityKey string

	// Codec encodes Invoke/Notify arguments. Defaults to JSON.
	Codec codec.Codec

	// Transport configures every dialed session. The zero value means
	// transport.DefaultOptions().
	Transport transport.Options
	Dial      transport.DialFunc

	// Handlers answers tagged calls the server issues on this connection,
	// typically a *router.Registry. Without it such calls get
	// method_not_found.
	Handlers transport.Dispatcher

	Reconnect bool
	Backoff   Backoff

	// OnConnect runs synchronously each time a new session becomes current,
	// e.g. to log in again after a reconnect. Concurrent calls may already
	// be using the session.
	OnConnect func(ctx context.Context, s *transport.Session)

	Logger *zap.Logger
}

type Client struct {
	opts Options
	pool *transport.SessionPool
	log  *zap.Logger
	done chan struct{}

	mu      sync.Mutex
	current *transport.Session
	closed  bool
	mws     []middleware.Middleware

	subsMu sync.RWMutex
	subs   map[string][]*subscription
}

// New validates opts and returns a client. Nothing is dialed until the
// first call or an explicit Session.
func New(opts Options) (*Client, error) {
	if opts.Addr == "" && opts.Registry == nil {
		return nil, ErrNoServer
	}
	if opts.Registry != nil && opts.Service == "" {
		return nil, fmt.Errorf("client: registry set without a service name")
	}
	if opts.Balancer == nil {
		opts.Balancer, _ = loadbalance.New("")
	}
	if opts.Codec == nil {
		opts.Codec = codec.GetCodec(codec.CodecTypeJSON)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Transport == (transport.Options{}) {
		opts.Transport = transport.DefaultOptions()
	}
	if opts.Transport.Logger == nil {
		opts.Transport.Logger = opts.Logger
	}
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff()
	}

	c := &Client{
		opts: opts,
		log:  opts.Logger,
		done: make(chan struct{}),
		subs: make(map[string][]*subscription),
	}
	c.pool = transport.NewSessionPool(opts.Dial, transport.DispatcherFunc(c.dispatch), opts.Transport)
	return c, nil
}

// Dial is New followed by an immediate connection attempt.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	c, err := New(opts)
	if err != nil {
		return nil, err
	}
	if _, err := c.Session(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Codec returns the codec used by Invoke and Notify.
func (c *Client) Codec() codec.Codec { return c.opts.Codec }

// Use appends middlewares wrapping every outbound Call and Fire. The first
// one listed runs outermost.
func (c *Client) Use(mws ...middleware.Middleware) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mws = append(c.mws, mws...)
}

// Call sends a tagged request and waits for its reply payload.
func (c *Client) Call(ctx context.Context, key string, body []byte) ([]byte, error) {
	return c.handler()(ctx, &middleware.Request{Key: key, Tagged: true, Body: body})
}

// Fire sends an untagged message. It returns once the frame is written.
func (c *Client) Fire(ctx context.Context, key string, body []byte) error {
	_, err := c.handler()(ctx, &middleware.Request{Key: key, Body: body})
	return err
}

// Invoke encodes args, calls key and decodes the reply into reply. Either
// may be nil.
func (c *Client) Invoke(ctx context.Context, key string, args, reply any) error {
	body, err := c.encode(args)
	if err != nil {
		return err
	}
	payload, err := c.Call(ctx, key, body)
	if err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	if err := c.opts.Codec.Decode(payload, reply); err != nil {
		return fmt.Errorf("client: decode %s reply: %w", key, err)
	}
	return nil
}

// Notify encodes args and fires them as an untagged message.
func (c *Client) Notify(ctx context.Context, key string, args any) error {
	body, err := c.encode(args)
	if err != nil {
		return err
	}
	return c.Fire(ctx, key, body)
}

func (c *Client) encode(args any) ([]byte, error) {
	if args == nil {
		return nil, nil
	}
	body, err := c.opts.Codec.Encode(args)
	if err != nil {
		return nil, fmt.Errorf("client: encode: %w", err)
	}
	return body, nil
}

func (c *Client) handler() middleware.HandlerFunc {
	c.mu.Lock()
	chain := middleware.Chain(c.mws...)
	c.mu.Unlock()
	return chain(c.send)
}

func (c *Client) send(ctx context.Context, req *middleware.Request) ([]byte, error) {
	s, err := c.Session(ctx)
	if err != nil {
		return nil, err
	}
	req.Session = s
	if !req.Tagged {
		return nil, s.Fire(req.Key, req.Body)
	}
	return s.Call(ctx, req.Key, req.Body)
}

// Session returns the current connection, dialing one if there is none.
func (c *Client) Session(ctx context.Context) (*transport.Session, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	s := c.current
	c.mu.Unlock()

	if s != nil && s.Err() == nil {
		return s, nil
	}
	return c.connect(ctx)
}

func (c *Client) connect(ctx context.Context) (*transport.Session, error) {
	addr, err := c.pick(ctx)
	if err != nil {
		return nil, err
	}
	s, err := c.pool.Get(ctx, addr)
	if errors.Is(err, transport.ErrPoolClosed) {
		return nil, ErrClosed
	}
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	fresh := c.current != s
	c.current = s
	c.mu.Unlock()

	if fresh {
		c.log.Info("connected", zap.String("addr", addr), zap.String("session", s.ID()))
		s.OnClose(c.sessionClosed)
		if c.opts.OnConnect != nil {
			c.opts.OnConnect(ctx, s)
		}
	}
	return s, nil
}

func (c *Client) pick(ctx context.Context) (string, error) {
	if c.opts.Registry == nil {
		return c.opts.Addr, nil
	}
	instances, err := c.opts.Registry.Discover(ctx, c.opts.Service)
	if err != nil {
		return "", fmt.Errorf("client: discover %s: %w", c.opts.Service, err)
	}
	inst, err := c.opts.Balancer.Pick(instances, c.opts.AffinityKey)
	if err != nil {
		return "", fmt.Errorf("client: pick %s: %w", c.opts.Service, err)
	}
	return inst.Addr, nil
}

func (c *Client) sessionClosed(s *transport.Session, cause error) {
	c.mu.Lock()
	if c.current != s {
		c.mu.Unlock()
		return
	}
	c.current = nil
	closed := c.closed
	c.mu.Unlock()

	if closed || !c.opts.Reconnect {
		return
	}
	c.log.Warn("connection lost", zap.String("session", s.ID()), zap.Error(cause))
	go c.reconnectLoop()
}

// reconnectLoop redials until a session is current again. It stops early if
// a call has already reconnected on its own.
func (c *Client) reconnectLoop() {
	for attempt := 1; ; attempt++ {
		if max := c.opts.Backoff.MaxAttempts; max > 0 && attempt > max {
			c.log.Error("giving up reconnecting", zap.Int("attempts", max))
			return
		}

		timer := time.NewTimer(NextBackoffDelay(c.opts.Backoff, attempt, nil))
		select {
		case <-c.done:
			timer.Stop()
			return
		case <-timer.C:
		}

		c.mu.Lock()
		live := c.current != nil && c.current.Err() == nil
		c.mu.Unlock()
		if live {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), reconnectDialTimeout)
		s, err := c.connect(ctx)
		cancel()
		switch {
		case err == nil:
			c.log.Info("reconnected", zap.Int("attempt", attempt), zap.String("session", s.ID()))
			return
		case errors.Is(err, ErrClosed):
			return
		}
		c.log.Warn("reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
	}
}

// Close drops the connection, fails calls in flight with
// transport.ErrConnectionClosed and closes every subscription channel.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.current = nil
	close(c.done)
	c.mu.Unlock()

	err := c.pool.Close()
	c.closeSubscriptions()
	return err
}
