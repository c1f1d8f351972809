package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"signal-rpc/admin"
	"signal-rpc/auth"
	"signal-rpc/codec"
	"signal-rpc/config"
	"signal-rpc/middleware"
	"signal-rpc/presence"
	"signal-rpc/registry"
	"signal-rpc/router"
	"signal-rpc/server"
)

// app is one signaling daemon: the RPC server, its presence service and
// the optional admin API.
type app struct {
	cfg      config.Config
	log      *zap.Logger
	server   *server.Server
	admin    *admin.Server // nil when admin.listen is empty
	store    presence.Store
	registry registry.Registry // nil when discovery is off
}

func newApp(ctx context.Context, cfg config.Config, log *zap.Logger) (*app, error) {
	c, err := codec.ByName(cfg.Server.Codec)
	if err != nil {
		return nil, err
	}
	issuer, err := auth.NewIssuer(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.TokenTTL.Duration)
	if err != nil {
		return nil, fmt.Errorf("auth.secret (SIGNAL_JWT_SECRET): %w", err)
	}

	a := &app{cfg: cfg, log: log}
	if a.store, err = openStore(ctx, cfg.Presence); err != nil {
		return nil, err
	}
	if a.registry, err = openRegistry(cfg.Registry, log); err != nil {
		a.store.Close()
		return nil, err
	}

	topts := cfg.TransportOptions()
	topts.Logger = log.Named("transport")
	opts := []server.Option{server.WithLogger(log), server.WithTransportOptions(topts)}
	if a.registry != nil {
		opts = append(opts, server.WithRegistry(a.registry, cfg.Registry.Service, cfg.Server.Advertise, cfg.Registry.TTL))
	}

	reg := router.New(log.Named("router"))
	mws := []middleware.Middleware{middleware.Logging(log)}
	if d := cfg.Transport.CallTimeout.Duration; d > 0 {
		mws = append(mws, middleware.Timeout(d))
	}
	// Timeout runs the rest of the chain on its own goroutine, so Recovery
	// must sit inside it.
	mws = append(mws, middleware.Recovery(log))
	if rl := cfg.RateLimit; rl.PerSecond > 0 {
		burst := rl.Burst
		if burst <= 0 {
			burst = max(1, int(rl.PerSecond))
		}
		mws = append(mws, middleware.RateLimitPerSession(rl.PerSecond, burst))
	}
	if err := reg.Use(mws...); err != nil {
		a.closeBackends()
		return nil, err
	}

	a.server = server.New(reg, opts...)
	svc := presence.NewService(a.store, issuer, c, a.server, log.Named("presence"))
	if err := svc.Register(reg); err != nil {
		a.closeBackends()
		return nil, err
	}
	a.server.OnDisconnect(svc.Disconnected)

	if cfg.Admin.Listen != "" {
		h := admin.NewHandler(a.server, a.store, reg, log.Named("admin"))
		a.admin = admin.NewServer(cfg.Admin.Listen, h)
	}
	return a, nil
}

func openStore(ctx context.Context, cfg config.PresenceConfig) (presence.Store, error) {
	if cfg.Backend != "redis" {
		return presence.NewMemoryStore(), nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return presence.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisDB, cfg.KeyPrefix)
}

func openRegistry(cfg config.RegistryConfig, log *zap.Logger) (registry.Registry, error) {
	switch cfg.Backend {
	case "etcd":
		return registry.NewEtcdRegistry(cfg.Endpoints, cfg.DialTimeout.Duration, log)
	case "memory":
		return registry.NewMemoryRegistry(), nil
	}
	return nil, nil
}

// serve runs until ctx is cancelled or a listener fails, then shuts every
// component down within the configured shutdown timeout.
func (a *app) serve(ctx context.Context, ln, adminLn net.Listener) error {
	errc := make(chan error, 2)
	go func() { errc <- a.server.Serve(ln) }()
	if a.admin != nil && adminLn != nil {
		go func() { errc <- a.admin.Serve(adminLn) }()
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errc:
	}
	return errors.Join(serveErr, a.shutdown())
}

func (a *app) shutdown() error {
	timeout := a.cfg.Server.ShutdownTimeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if a.admin != nil {
		errs = append(errs, a.admin.Shutdown(ctx))
	}
	errs = append(errs, a.server.Shutdown(ctx))
	errs = append(errs, a.closeBackends())
	return errors.Join(errs...)
}

func (a *app) closeBackends() error {
	var errs []error
	if a.registry != nil {
		errs = append(errs, a.registry.Close())
	}
	errs = append(errs, a.store.Close())
	return errors.Join(errs...)
}
