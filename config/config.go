// Package config loads server and client settings from a TOML file, a .env
// file and SIGNAL_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"signal-rpc/protocol"
	"signal-rpc/transport"
)

// Duration reads "10s"-style strings from TOML and the environment.
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Transport TransportConfig `toml:"transport"`
	Registry  RegistryConfig  `toml:"registry"`
	Presence  PresenceConfig  `toml:"presence"`
	Auth      AuthConfig      `toml:"auth"`
	Admin     AdminConfig     `toml:"admin"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Log       LogConfig       `toml:"log"`
}

type ServerConfig struct {
	Listen          string   `toml:"listen"`
	Advertise       string   `toml:"advertise"` // address published in the registry
	Codec           string   `toml:"codec"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

type TransportConfig struct {
	MaxKeySize        int      `toml:"max_key_size"`
	MaxBodySize       uint32   `toml:"max_body_size"`
	FrameReadTimeout  Duration `toml:"frame_read_timeout"`
	IdleTimeout       Duration `toml:"idle_timeout"`
	WriteTimeout      Duration `toml:"write_timeout"`
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	CallTimeout       Duration `toml:"call_timeout"`
	MaxPending        int      `toml:"max_pending"`
}

type RegistryConfig struct {
	// Backend is "none", "memory" or "etcd".
	Backend     string   `toml:"backend"`
	Endpoints   []string `toml:"endpoints"`
	Service     string   `toml:"service"`
	TTL         int64    `toml:"ttl"`
	DialTimeout Duration `toml:"dial_timeout"`
}

type PresenceConfig struct {
	// Backend is "memory" or "redis".
	Backend   string `toml:"backend"`
	RedisAddr string `toml:"redis_addr"`
	RedisDB   int    `toml:"redis_db"`
	KeyPrefix string `toml:"key_prefix"`
}

type AuthConfig struct {
	Secret   string   `toml:"secret"`
	Issuer   string   `toml:"issuer"`
	TokenTTL Duration `toml:"token_ttl"`
}

type AdminConfig struct {
	Listen string `toml:"listen"` // empty disables the admin endpoint
}

type RateLimitConfig struct {
	PerSecond float64 `toml:"per_second"` // 0 disables rate limiting
	Burst     int     `toml:"burst"`
}

type LogConfig struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

// Default returns a configuration that runs a standalone server on
// localhost with in-memory presence and no registry.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Listen:          "127.0.0.1:7400",
			Codec:           "json",
			ShutdownTimeout: Duration{10 * time.Second},
		},
		Transport: TransportConfig{
			MaxKeySize:       protocol.DefaultMaxKeySize,
			MaxBodySize:      protocol.DefaultMaxBodySize,
			FrameReadTimeout: Duration{10 * time.Second},
			WriteTimeout:     Duration{10 * time.Second},
			CallTimeout:      Duration{10 * time.Second},
		},
		Registry: RegistryConfig{
			Backend:     "none",
			Service:     "signal",
			TTL:         10,
			DialTimeout: Duration{5 * time.Second},
		},
		Presence: PresenceConfig{
			Backend:   "memory",
			KeyPrefix: "signal:presence:",
		},
		Auth: AuthConfig{
			Issuer:   "signal-rpc",
			TokenTTL: Duration{24 * time.Hour},
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path (skipped when empty), then .env, then the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(name string, dst *Duration) error {
		if v, ok := lookup(name); ok {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("parse %s: %w", name, err)
			}
		}
		return nil
	}

	str("SIGNAL_LISTEN", &c.Server.Listen)
	str("SIGNAL_ADVERTISE", &c.Server.Advertise)
	str("SIGNAL_CODEC", &c.Server.Codec)
	str("SIGNAL_REGISTRY", &c.Registry.Backend)
	str("SIGNAL_PRESENCE", &c.Presence.Backend)
	str("SIGNAL_REDIS_ADDR", &c.Presence.RedisAddr)
	str("SIGNAL_JWT_SECRET", &c.Auth.Secret)
	str("SIGNAL_ADMIN_LISTEN", &c.Admin.Listen)
	str("SIGNAL_LOG_LEVEL", &c.Log.Level)

	if v, ok := lookup("SIGNAL_ETCD_ENDPOINTS"); ok {
		c.Registry.Endpoints = splitList(v)
	}
	if v, ok := lookup("SIGNAL_RATE_LIMIT"); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("parse SIGNAL_RATE_LIMIT: %w", err)
		}
		c.RateLimit.PerSecond = f
	}
	if err := dur("SIGNAL_CALL_TIMEOUT", &c.Transport.CallTimeout); err != nil {
		return err
	}
	return dur("SIGNAL_IDLE_TIMEOUT", &c.Transport.IdleTimeout)
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	if c.Server.Listen == "" {
		return errors.New("config: server.listen is required")
	}
	if c.Transport.MaxKeySize <= 0 || c.Transport.MaxKeySize > protocol.MaxKeySizeLimit {
		return fmt.Errorf("config: transport.max_key_size must be in 1..%d", protocol.MaxKeySizeLimit)
	}
	if c.Transport.MaxBodySize == 0 {
		return errors.New("config: transport.max_body_size must be positive")
	}
	switch c.Registry.Backend {
	case "", "none", "memory":
	case "etcd":
		if len(c.Registry.Endpoints) == 0 {
			return errors.New("config: registry.endpoints is required for etcd")
		}
		if c.Registry.TTL <= 0 {
			return errors.New("config: registry.ttl must be positive")
		}
	default:
		return fmt.Errorf("config: unknown registry backend %q", c.Registry.Backend)
	}
	switch c.Presence.Backend {
	case "", "memory":
	case "redis":
		if c.Presence.RedisAddr == "" {
			return errors.New("config: presence.redis_addr is required for redis")
		}
	default:
		return fmt.Errorf("config: unknown presence backend %q", c.Presence.Backend)
	}
	if c.RateLimit.PerSecond < 0 {
		return errors.New("config: rate_limit.per_second must not be negative")
	}
	return nil
}

// TransportOptions converts the transport section to session options.
func (c Config) TransportOptions() transport.Options {
	opts := transport.DefaultOptions()
	opts.Limits = protocol.Limits{
		MaxKeySize:  c.Transport.MaxKeySize,
		MaxBodySize: c.Transport.MaxBodySize,
	}
	opts.FrameReadTimeout = c.Transport.FrameReadTimeout.Duration
	opts.IdleTimeout = c.Transport.IdleTimeout.Duration
	opts.WriteTimeout = c.Transport.WriteTimeout.Duration
	opts.HeartbeatInterval = c.Transport.HeartbeatInterval.Duration
	opts.CallTimeout = c.Transport.CallTimeout.Duration
	opts.MaxPending = c.Transport.MaxPending
	return opts
}
