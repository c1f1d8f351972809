package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"signal-rpc/auth"
	"signal-rpc/client"
	"signal-rpc/config"
	"signal-rpc/presence"
)

func TestDaemonServesPresenceAndAdmin(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.Secret = "test-secret"
	cfg.Admin.Listen = "127.0.0.1:0"
	cfg.RateLimit.PerSecond = 100

	a, err := newApp(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	adminLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.serve(ctx, ln, adminLn) }()

	c, err := client.New(client.Options{Addr: ln.Addr().String()})
	require.NoError(t, err)
	defer c.Close()

	body, err := c.Call(context.Background(), presence.KeyPing, nil)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(body))

	issuer, err := auth.NewIssuer(cfg.Auth.Secret, cfg.Auth.Issuer, time.Minute)
	require.NoError(t, err)
	token, err := issuer.Issue("alice")
	require.NoError(t, err)
	require.NoError(t, c.Invoke(context.Background(), presence.KeyLogin, presence.LoginArgs{Token: token}, nil))

	resp, err := http.Get("http://" + adminLn.Addr().String() + "/presence")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var online struct {
		Users []string `json:"users"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&online))
	assert.Equal(t, []string{"alice"}, online.Users)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestNewAppNeedsSecret(t *testing.T) {
	_, err := newApp(context.Background(), config.Default(), zap.NewNop())
	assert.ErrorIs(t, err, auth.ErrNoSecret)
}

func TestNewAppRejectsUnknownCodec(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.Secret = "x"
	cfg.Server.Codec = "xml"
	_, err := newApp(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
}
