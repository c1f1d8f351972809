package client

import (
	"context"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-rpc/auth"
	"signal-rpc/codec"
	"signal-rpc/message"
	"signal-rpc/middleware"
	"signal-rpc/presence"
	"signal-rpc/registry"
	"signal-rpc/router"
	"signal-rpc/server"
	"signal-rpc/transport"
)

type env struct {
	srv    *server.Server
	addr   string
	issuer *auth.Issuer
}

// startServer runs a presence server on ln, or on a fresh loopback port
// when ln is nil.
func startServer(t *testing.T, ln net.Listener, opts ...server.Option) *env {
	t.Helper()
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
	}
	issuer, err := auth.NewIssuer("s3cret", "signal-rpc", time.Hour)
	require.NoError(t, err)

	reg := router.New(nil)
	srv := server.New(reg, opts...)
	svc := presence.NewService(presence.NewMemoryStore(), issuer, &codec.JSONCodec{}, srv, nil)
	require.NoError(t, svc.Register(reg))
	srv.OnDisconnect(svc.Disconnected)

	go srv.Serve(ln)
	t.Cleanup(func() { stopServer(srv) })
	return &env{srv: srv, addr: ln.Addr().String(), issuer: issuer}
}

func stopServer(srv *server.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}

func newClient(t *testing.T, opts Options) *Client {
	t.Helper()
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func (e *env) login(t *testing.T, c *Client, user string) {
	t.Helper()
	token, err := e.issuer.Issue(user)
	require.NoError(t, err)
	var reply presence.LoginReply
	require.NoError(t, c.Invoke(context.Background(), presence.KeyLogin, presence.LoginArgs{Token: token}, &reply))
	require.Equal(t, user, reply.User)
}

func TestNewNeedsAServer(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorIs(t, err, ErrNoServer)

	_, err = New(Options{Registry: registry.NewMemoryRegistry()})
	assert.Error(t, err)
}

func TestClientPingPong(t *testing.T) {
	e := startServer(t, nil)
	c := newClient(t, Options{Addr: e.addr})

	body, err := c.Call(context.Background(), presence.KeyPing, nil)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(body))
}

func TestClientUnknownMethod(t *testing.T) {
	e := startServer(t, nil)
	c := newClient(t, Options{Addr: e.addr})
	e.login(t, c, "alice")

	_, err := c.Call(context.Background(), "NoSuchMethod", nil)
	assert.ErrorIs(t, err, message.ErrMethodNotFound)

	// the connection survives a failed call
	_, err = c.Call(context.Background(), presence.KeyPing, nil)
	assert.NoError(t, err)
}

func TestClientLoginAndListOnline(t *testing.T) {
	e := startServer(t, nil)
	c := newClient(t, Options{Addr: e.addr})

	err := c.Invoke(context.Background(), presence.KeyListOnlineUsers, nil, &presence.OnlineUsers{})
	assert.ErrorIs(t, err, message.ErrUnauthorized)

	e.login(t, c, "alice")
	var online presence.OnlineUsers
	require.NoError(t, c.Invoke(context.Background(), presence.KeyListOnlineUsers, nil, &online))
	assert.Equal(t, []string{"alice"}, online.Users)
}

func TestSubscribeReceivesPresenceUpdates(t *testing.T) {
	e := startServer(t, nil)
	watcher := newClient(t, Options{Addr: e.addr})
	updates, cancel := watcher.Subscribe(presence.KeyUserConnectionUpdate, 8)
	defer cancel()
	_, err := watcher.Session(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(e.srv.Sessions()) == 1 }, time.Second, 5*time.Millisecond)

	alice := newClient(t, Options{Addr: e.addr})
	e.login(t, alice, "alice")

	select {
	case n := <-updates:
		var u presence.UserConnectionUpdate
		require.NoError(t, watcher.Decode(n, &u))
		assert.Equal(t, "alice", u.User)
		assert.Equal(t, presence.UserConnected, u.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("no presence update")
	}

	require.NoError(t, alice.Close())
	select {
	case n := <-updates:
		var u presence.UserConnectionUpdate
		require.NoError(t, watcher.Decode(n, &u))
		assert.Equal(t, presence.UserDisconnected, u.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("no disconnect update")
	}
}

func TestSubscriptionCancelAndClose(t *testing.T) {
	c := newClient(t, Options{Addr: "127.0.0.1:1"})
	ch1, cancel1 := c.Subscribe("k", 1)
	ch2, _ := c.Subscribe("k", 1)

	cancel1()
	_, open := <-ch1
	assert.False(t, open)

	assert.Equal(t, 1, c.publish(Notification{Key: "k"}))
	// the buffer is full; the next one is dropped instead of blocking
	assert.Equal(t, 0, c.publish(Notification{Key: "k"}))

	require.NoError(t, c.Close())
	<-ch2
	_, open = <-ch2
	assert.False(t, open)

	ch3, _ := c.Subscribe("k", 1)
	_, open = <-ch3
	assert.False(t, open)
}

func TestServerCallsIntoClient(t *testing.T) {
	e := startServer(t, nil)

	handlers := router.New(nil)
	handlers.MustRegister("whoami", func(ctx context.Context, req *middleware.Request) ([]byte, error) {
		return []byte("client"), nil
	})
	withHandlers := newClient(t, Options{Addr: e.addr, Handlers: handlers})
	bare := newClient(t, Options{Addr: e.addr})

	s1, err := withHandlers.Session(context.Background())
	require.NoError(t, err)
	s2, err := bare.Session(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(e.srv.Sessions()) == 2 }, time.Second, 5*time.Millisecond)

	for _, s := range e.srv.Sessions() {
		body, err := s.Call(context.Background(), "whoami", nil)
		switch s.RemoteAddr().String() {
		case s1.LocalAddr().String():
			require.NoError(t, err)
			assert.Equal(t, "client", string(body))
		case s2.LocalAddr().String():
			assert.ErrorIs(t, err, message.ErrMethodNotFound)
		default:
			t.Fatalf("unexpected session %s", s.RemoteAddr())
		}
	}
}

func TestNotificationsArriveInSendOrder(t *testing.T) {
	const n = 1000
	e := startServer(t, nil)
	c := newClient(t, Options{Addr: e.addr})

	seq, cancel := c.Subscribe("seq", n)
	defer cancel()
	_, err := c.Session(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(e.srv.Sessions()) == 1 }, time.Second, 5*time.Millisecond)

	sess := e.srv.Sessions()[0]
	for i := 0; i < n; i++ {
		require.NoError(t, sess.Fire("seq", []byte(strconv.Itoa(i))))
	}
	for i := 0; i < n; i++ {
		select {
		case note := <-seq:
			require.Equal(t, strconv.Itoa(i), string(note.Body))
		case <-time.After(2 * time.Second):
			t.Fatalf("notification %d not delivered", i)
		}
	}
}

func TestClientMiddleware(t *testing.T) {
	e := startServer(t, nil)
	c := newClient(t, Options{Addr: e.addr})

	var seen atomic.Int32
	c.Use(func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *middleware.Request) ([]byte, error) {
			seen.Add(1)
			body, err := next(ctx, req)
			assert.NotNil(t, req.Session)
			return body, err
		}
	})

	_, err := c.Call(context.Background(), presence.KeyPing, nil)
	require.NoError(t, err)
	require.NoError(t, c.Fire(context.Background(), presence.KeyPing, nil))
	assert.Equal(t, int32(2), seen.Load())
}

func TestClientReconnectsAfterServerRestart(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	e := startServer(t, ln)

	var connects atomic.Int32
	c := newClient(t, Options{
		Addr:      addr,
		Reconnect: true,
		Backoff:   Backoff{InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Multiplier: 2},
		OnConnect: func(ctx context.Context, s *transport.Session) { connects.Add(1) },
	})
	first, err := c.Session(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), connects.Load())

	stopServer(e.srv)
	<-first.Done()
	assert.Error(t, first.Err())

	ln2, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	startServer(t, ln2)

	require.Eventually(t, func() bool { return connects.Load() == 2 }, 3*time.Second, 10*time.Millisecond)
	body, err := c.Call(context.Background(), presence.KeyPing, nil)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(body))

	second, err := c.Session(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, first, second)
}

func TestClientDiscoversThroughRegistry(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	startServer(t, nil, server.WithRegistry(reg, "signal", "", 10))
	require.Eventually(t, func() bool {
		insts, _ := reg.Discover(context.Background(), "signal")
		return len(insts) == 1
	}, time.Second, 5*time.Millisecond)

	c := newClient(t, Options{Registry: reg, Service: "signal", AffinityKey: "alice"})
	body, err := c.Call(context.Background(), presence.KeyPing, nil)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(body))
}

func TestClientNoInstances(t *testing.T) {
	c := newClient(t, Options{Registry: registry.NewMemoryRegistry(), Service: "signal"})
	_, err := c.Call(context.Background(), presence.KeyPing, nil)
	assert.ErrorIs(t, err, registry.ErrNoInstances)
}

func TestCallAfterClose(t *testing.T) {
	e := startServer(t, nil)
	c := newClient(t, Options{Addr: e.addr})
	_, err := c.Call(context.Background(), presence.KeyPing, nil)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	_, err = c.Call(context.Background(), presence.KeyPing, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNextBackoffDelay(t *testing.T) {
	cfg := Backoff{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, NextBackoffDelay(cfg, 1, nil))
	assert.Equal(t, 200*time.Millisecond, NextBackoffDelay(cfg, 2, nil))
	assert.Equal(t, 400*time.Millisecond, NextBackoffDelay(cfg, 3, nil))
	assert.Equal(t, time.Second, NextBackoffDelay(cfg, 10, nil))

	cfg.Jitter = true
	for i := 0; i < 20; i++ {
		d := NextBackoffDelay(cfg, 2, nil)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.Less(t, d, 300*time.Millisecond)
	}
}
