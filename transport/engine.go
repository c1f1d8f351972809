package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"signal-rpc/message"
	"signal-rpc/protocol"
)

// Engine correlates tagged calls with their replies on one session.
//
//	caller-1 ──Call(id=1)──┐
//	caller-2 ──Call(id=3)──┼──→ Session ──→ peer
//	caller-3 ──Fire()──────┘
//
//	read loop: ←── reply(id=3) → pending[3] → caller-2 wakes up
//
// Each call gets an id that is not currently outstanding. The read loop hands
// a reply to its caller through a one-slot channel and never blocks on it.
type Engine struct {
	sess    *Session
	table   *pendingTable
	role    Role
	timeout time.Duration
	log     *zap.Logger
}

func newEngine(s *Session) *Engine {
	return &Engine{
		sess:    s,
		table:   newPendingTable(s.role, s.opts.MaxPending),
		role:    s.role,
		timeout: s.opts.CallTimeout,
		log:     s.log,
	}
}

// Call sends a tagged request and waits for the reply, the context, the
// call timeout, or the session closing, whichever comes first. A typed
// failure reported by the peer is returned as a *message.Error.
func (e *Engine) Call(ctx context.Context, key string, body []byte) ([]byte, error) {
	if e.timeout > 0 {
		if dl, ok := ctx.Deadline(); !ok || time.Until(dl) > e.timeout {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, e.timeout)
			defer cancel()
		}
	}

	p, err := e.table.insert(key)
	if err != nil {
		return nil, err
	}

	// The entry is registered before the write so a fast reply always finds it.
	err = e.sess.WriteFrame(protocol.Frame{Key: key, Tagged: true, ID: p.id, Body: body})
	if err != nil {
		if e.table.remove(p) {
			return nil, err
		}
		return e.await(p)
	}

	select {
	case r := <-p.done:
		return unwrapReply(key, r)
	case <-ctx.Done():
		if !e.table.remove(p) {
			// resolved or cancelled concurrently; that outcome wins
			return e.await(p)
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			e.log.Debug("call timed out",
				zap.String("key", key),
				zap.Uint32("id", p.id),
				zap.Duration("elapsed", time.Since(p.created)))
			return nil, fmt.Errorf("%w: %s (id %d)", ErrTimeout, key, p.id)
		}
		return nil, ctx.Err()
	}
}

func (e *Engine) await(p *pendingCall) ([]byte, error) {
	return unwrapReply(p.key, <-p.done)
}

func unwrapReply(key string, r result) ([]byte, error) {
	if r.err != nil {
		return nil, r.err
	}
	reply, err := message.DecodeReply(r.body)
	if err != nil {
		return nil, fmt.Errorf("transport: reply to %s: %w", key, err)
	}
	return reply.Result()
}

// Fire sends an untagged message. Nothing is registered and nothing can
// answer it.
func (e *Engine) Fire(key string, body []byte) error {
	return e.sess.WriteFrame(protocol.Frame{Key: key, Body: body})
}

// Pending reports the number of outstanding calls.
func (e *Engine) Pending() int {
	return e.table.len()
}

// owns reports whether id belongs to this side's half of the id space, i.e.
// whether a tagged frame carrying it can only be a reply to our own call.
func (e *Engine) owns(id uint32) bool {
	if e.role == RoleAcceptor {
		return id%2 == 0
	}
	return id%2 == 1
}

// resolve hands a tagged reply to its waiting caller.
func (e *Engine) resolve(f protocol.Frame) lookup {
	p, res := e.table.take(f.ID, f.Key)
	if res == lookupResolved {
		p.done <- result{body: f.Body}
	}
	return res
}

// cancelAll fails every outstanding call with err and refuses new ones.
func (e *Engine) cancelAll(err error) {
	for _, p := range e.table.drain(err) {
		p.done <- result{err: err}
	}
}
