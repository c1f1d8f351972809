package transport

import (
	"time"

	"go.uber.org/zap"

	"signal-rpc/protocol"
)

// Role decides which half of the correlation id space a session allocates
// from, so both peers can issue calls on one connection without colliding.
type Role uint8

const (
	RoleDialer   Role = iota // odd ids
	RoleAcceptor             // even ids
)

func (r Role) String() string {
	if r == RoleAcceptor {
		return "acceptor"
	}
	return "dialer"
}

// Options configures a Session. Zero durations disable the matching timer.
type Options struct {
	Limits protocol.Limits

	// FrameReadTimeout bounds how long a partially received frame may wait
	// for its remaining bytes before the connection is failed as malformed.
	FrameReadTimeout time.Duration
	// IdleTimeout closes a connection that sends nothing at all.
	IdleTimeout  time.Duration
	WriteTimeout time.Duration

	// HeartbeatInterval sends an empty untagged frame periodically so the
	// peer's idle timer does not fire on quiet connections.
	HeartbeatInterval time.Duration

	// CallTimeout is applied to calls whose context has no earlier deadline.
	CallTimeout time.Duration
	// MaxPending caps outstanding tagged calls; 0 means no cap.
	MaxPending int

	// NotifyQueue is how many untagged messages may wait for dispatch
	// before the read loop stops reading.
	NotifyQueue int

	ReadBufferSize int
	Logger         *zap.Logger
}

// DefaultOptions returns the settings used by the server and client unless
// overridden by configuration.
func DefaultOptions() Options {
	return Options{
		Limits:            protocol.DefaultLimits(),
		FrameReadTimeout:  10 * time.Second,
		IdleTimeout:       0,
		WriteTimeout:      10 * time.Second,
		HeartbeatInterval: 0,
		CallTimeout:       10 * time.Second,
		MaxPending:        0,
		NotifyQueue:       256,
		ReadBufferSize:    4096,
	}
}

func (o Options) withDefaults() Options {
	if o.NotifyQueue <= 0 {
		o.NotifyQueue = 256
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = 4096
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}
