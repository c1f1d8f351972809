// Package transport runs the signaling protocol over a single byte-stream
// connection.
//
// A Session owns one net.Conn. A single read loop decodes frames and routes
// them: tagged replies to the Engine, tagged requests to a Dispatcher in
// their own goroutine, and untagged messages to the Dispatcher one at a time
// in arrival order. Writes from any goroutine are serialized so frames never
// interleave on the wire.
//
//	conn ──→ read loop ──→ Decoder ──┬─ heartbeat          → dropped
//	                                 ├─ reply to our call  → Engine
//	                                 ├─ request            → go Dispatcher.Dispatch
//	                                 └─ notification       → notify queue → Dispatcher.Dispatch
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"signal-rpc/protocol"
)

// Dispatcher handles inbound frames that are not replies to our own calls.
// Tagged requests are dispatched concurrently and answered by writing a
// tagged frame with the same key and id back through s. Untagged messages
// from one session are dispatched sequentially, in the order they arrived.
type Dispatcher interface {
	Dispatch(ctx context.Context, s *Session, f protocol.Frame)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, s *Session, f protocol.Frame)

func (fn DispatcherFunc) Dispatch(ctx context.Context, s *Session, f protocol.Frame) {
	fn(ctx, s, f)
}

// Session is one live connection between two peers. Both sides may issue
// calls over it.
type Session struct {
	id         string
	conn       net.Conn
	role       Role
	opts       Options
	log        *zap.Logger
	dispatcher Dispatcher
	engine     *Engine

	writeMu sync.Mutex // a frame is written with a single Write under this lock

	ctx    context.Context // cancelled when the session closes
	cancel context.CancelFunc

	closeOnce sync.Once
	closed    atomic.Bool
	done      chan struct{}
	cause     error // set once before done is closed
	closedErr error // cause, wrapped so it matches ErrConnectionClosed

	hooksMu sync.Mutex
	onClose []func(*Session, error)

	values sync.Map
	active atomic.Int64 // dispatches running or queued

	notify chan protocol.Frame // untagged frames awaiting dispatch; closed by Serve
}

// NewSession wraps conn. Nothing is read until Serve is called; d may be
// nil for sessions that only issue calls.
func NewSession(conn net.Conn, role Role, d Dispatcher, opts Options) *Session {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:         uuid.NewString(),
		conn:       conn,
		role:       role,
		opts:       opts,
		dispatcher: d,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		notify:     make(chan protocol.Frame, opts.NotifyQueue),
	}
	s.log = opts.Logger.With(
		zap.String("session", s.id),
		zap.String("remote", remoteString(conn)),
		zap.Stringer("role", role))
	s.engine = newEngine(s)
	return s
}

func remoteString(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (s *Session) ID() string           { return s.id }
func (s *Session) Role() Role           { return s.role }
func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }
func (s *Session) LocalAddr() net.Addr  { return s.conn.LocalAddr() }
func (s *Session) Engine() *Engine      { return s.engine }
func (s *Session) Logger() *zap.Logger  { return s.log }

// Context is cancelled when the session closes. Dispatched handlers receive
// a context derived from it.
func (s *Session) Context() context.Context { return s.ctx }

// Call issues a tagged request on this session. See Engine.Call.
func (s *Session) Call(ctx context.Context, key string, body []byte) ([]byte, error) {
	return s.engine.Call(ctx, key, body)
}

// Fire sends an untagged message on this session.
func (s *Session) Fire(key string, body []byte) error {
	return s.engine.Fire(key, body)
}

// Reply answers a tagged request with a pre-encoded reply body.
func (s *Session) Reply(req protocol.Frame, body []byte) error {
	return s.WriteFrame(protocol.Frame{Key: req.Key, Tagged: true, ID: req.ID, Body: body})
}

// Set attaches a per-connection value, e.g. the authenticated user.
func (s *Session) Set(key, value any) { s.values.Store(key, value) }

// Value returns a value stored with Set, or nil.
func (s *Session) Value(key any) any {
	v, _ := s.values.Load(key)
	return v
}

// Active reports how many dispatched handlers are still running.
func (s *Session) Active() int64 { return s.active.Load() }

// Done is closed once the session has shut down and every pending call has
// been failed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the session closed, or nil while it is open.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.cause
	default:
		return nil
	}
}

// OnClose registers fn to run once when the session closes. If it has
// already closed, fn runs immediately.
func (s *Session) OnClose(fn func(*Session, error)) {
	s.hooksMu.Lock()
	if !s.closed.Load() {
		s.onClose = append(s.onClose, fn)
		s.hooksMu.Unlock()
		return
	}
	s.hooksMu.Unlock()
	<-s.done
	fn(s, s.cause)
}

// Close shuts the session down. Calls still pending fail with
// ErrConnectionClosed.
func (s *Session) Close() error {
	s.shutdown(ErrConnectionClosed)
	return nil
}

func (s *Session) shutdown(cause error) {
	s.closeOnce.Do(func() {
		s.hooksMu.Lock()
		s.closed.Store(true)
		hooks := s.onClose
		s.onClose = nil
		s.hooksMu.Unlock()

		s.cause = cause
		s.closedErr = cause
		if !errors.Is(cause, ErrConnectionClosed) {
			s.closedErr = fmt.Errorf("%w: %w", ErrConnectionClosed, cause)
		}

		s.cancel()
		_ = s.conn.Close()
		s.engine.cancelAll(s.closedErr)

		if errors.Is(cause, ErrConnectionClosed) {
			s.log.Debug("session closed")
		} else {
			s.log.Warn("session failed", zap.Error(cause))
		}
		close(s.done)

		for _, fn := range hooks {
			fn(s, cause)
		}
	})
}

// WriteFrame encodes f and writes it with a single Write. A write failure
// closes the session.
func (s *Session) WriteFrame(f protocol.Frame) error {
	buf, err := protocol.Encode(f, s.opts.Limits)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	if s.closed.Load() {
		s.writeMu.Unlock()
		<-s.done
		return s.closedErr
	}
	if s.opts.WriteTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	}
	_, err = s.conn.Write(buf)
	s.writeMu.Unlock()
	if err == nil {
		return nil
	}

	// Close hooks may block, so they run without the write lock held.
	s.shutdown(fmt.Errorf("transport: write %s: %w", f.Key, err))
	<-s.done
	return s.closedErr
}

// Serve runs the read loop until the session closes and returns the cause.
// It must be called at most once.
func (s *Session) Serve() error {
	if s.opts.HeartbeatInterval > 0 {
		go s.heartbeatLoop(s.opts.HeartbeatInterval)
	}
	go s.notifyLoop()
	defer close(s.notify)

	dec := protocol.NewDecoder(s.opts.Limits)
	buf := make([]byte, s.opts.ReadBufferSize)
	var partialSince time.Time

	for {
		if err := s.armReadDeadline(partialSince); err != nil {
			s.shutdown(s.readError(err, dec.Buffered()))
			break
		}

		n, err := s.conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			if ferr := s.drain(dec); ferr != nil {
				s.shutdown(ferr)
				break
			}
			switch {
			case dec.Buffered() == 0:
				partialSince = time.Time{}
			case partialSince.IsZero():
				partialSince = time.Now()
			}
		}
		if err != nil {
			s.shutdown(s.readError(err, dec.Buffered()))
			break
		}
	}

	<-s.done
	return s.cause
}

// armReadDeadline bounds the next read. While part of a frame is buffered
// the deadline is measured from when that frame started arriving, so a
// trickling peer cannot hold a half-sent frame open indefinitely.
func (s *Session) armReadDeadline(partialSince time.Time) error {
	var deadline time.Time
	switch {
	case !partialSince.IsZero() && s.opts.FrameReadTimeout > 0:
		deadline = partialSince.Add(s.opts.FrameReadTimeout)
	case s.opts.IdleTimeout > 0:
		deadline = time.Now().Add(s.opts.IdleTimeout)
	}
	return s.conn.SetReadDeadline(deadline)
}

func (s *Session) readError(err error, buffered int) error {
	if s.closed.Load() {
		return ErrConnectionClosed
	}
	var ne net.Error
	switch {
	case errors.As(err, &ne) && ne.Timeout():
		if buffered > 0 {
			return protocol.Truncated(buffered)
		}
		return ErrIdle
	case errors.Is(err, io.EOF):
		if buffered > 0 {
			return protocol.Truncated(buffered)
		}
		return ErrConnectionClosed
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		return ErrConnectionClosed
	}
	return fmt.Errorf("transport: read: %w", err)
}

// drain routes every complete frame currently buffered.
func (s *Session) drain(dec *protocol.Decoder) error {
	for {
		f, err := dec.Next()
		if errors.Is(err, protocol.ErrNeedMoreData) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := s.route(f); err != nil {
			return err
		}
	}
}

func (s *Session) route(f protocol.Frame) error {
	if !f.Tagged && f.Key == "" {
		return nil // heartbeat
	}

	if f.Tagged && s.engine.owns(f.ID) {
		switch s.engine.resolve(f) {
		case lookupResolved:
		case lookupKeyMismatch:
			return fmt.Errorf("%w: reply %q does not match the call pending on id %d",
				ErrProtocolViolation, f.Key, f.ID)
		default:
			s.log.Debug("dropping reply with no pending call",
				zap.String("key", f.Key), zap.Uint32("id", f.ID))
		}
		return nil
	}

	if s.dispatcher == nil {
		s.log.Debug("dropping inbound frame, no dispatcher",
			zap.String("key", f.Key), zap.Bool("tagged", f.Tagged))
		return nil
	}

	s.active.Add(1)
	if !f.Tagged {
		select {
		case s.notify <- f:
		case <-s.done:
			s.active.Add(-1)
		}
		return nil
	}

	// Without a goroutine per request a slow handler would stall every reply
	// behind it on this connection.
	go func() {
		defer s.active.Add(-1)
		s.dispatcher.Dispatch(s.ctx, s, f)
	}()
	return nil
}

// notifyLoop dispatches untagged frames in arrival order. A full queue
// pushes back on the read loop.
func (s *Session) notifyLoop() {
	for f := range s.notify {
		s.dispatcher.Dispatch(s.ctx, s, f)
		s.active.Add(-1)
	}
}

func (s *Session) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.WriteFrame(protocol.Frame{}); err != nil {
				return
			}
		}
	}
}
