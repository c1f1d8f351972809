package client

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"signal-rpc/message"
	"signal-rpc/protocol"
	"signal-rpc/transport"
)

// Notification is an untagged message pushed by the server.
type Notification struct {
	Key     string
	Body    []byte
	Session *transport.Session
}

type subscription struct {
	key     string
	ch      chan Notification
	dropped atomic.Uint64
}

// Subscribe delivers every notification with the given key to the returned
// channel, in the order the server sent them. The channel holds up to buffer undelivered messages. A full channel
// drops new notifications rather than stall the connection. cancel stops
// delivery and closes the channel; Close does the same for all
// subscriptions.
func (c *Client) Subscribe(key string, buffer int) (<-chan Notification, func()) {
	if buffer < 1 {
		buffer = 1
	}
	sub := &subscription{key: key, ch: make(chan Notification, buffer)}

	c.subsMu.Lock()
	if c.subs == nil {
		c.subsMu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	c.subs[key] = append(c.subs[key], sub)
	c.subsMu.Unlock()

	return sub.ch, func() { c.unsubscribe(sub) }
}

// Decode decodes a notification body with the client's codec.
func (c *Client) Decode(n Notification, v any) error {
	return c.opts.Codec.Decode(n.Body, v)
}

func (c *Client) unsubscribe(sub *subscription) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	list := c.subs[sub.key]
	for i, s := range list {
		if s == sub {
			c.subs[sub.key] = append(list[:i:i], list[i+1:]...)
			if len(c.subs[sub.key]) == 0 {
				delete(c.subs, sub.key)
			}
			close(sub.ch)
			return
		}
	}
}

func (c *Client) closeSubscriptions() {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, list := range c.subs {
		for _, sub := range list {
			close(sub.ch)
		}
	}
	c.subs = nil
}

// publish hands n to every subscriber of its key without blocking and
// reports how many received it.
func (c *Client) publish(n Notification) int {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()

	delivered := 0
	for _, sub := range c.subs[n.Key] {
		select {
		case sub.ch <- n:
			delivered++
		default:
			if sub.dropped.Add(1) == 1 {
				c.log.Warn("subscriber is not keeping up, dropping notifications", zap.String("key", n.Key))
			}
		}
	}
	return delivered
}

// dispatch receives every frame the server sends that is not a reply to one
// of our calls.
func (c *Client) dispatch(ctx context.Context, s *transport.Session, f protocol.Frame) {
	if !f.Tagged {
		n := c.publish(Notification{Key: f.Key, Body: f.Body, Session: s})
		if c.opts.Handlers != nil {
			c.opts.Handlers.Dispatch(ctx, s, f)
		} else if n == 0 {
			c.log.Debug("notification without subscribers", zap.String("key", f.Key))
		}
		return
	}

	if c.opts.Handlers != nil {
		c.opts.Handlers.Dispatch(ctx, s, f)
		return
	}
	err := message.NewError(message.CodeMethodNotFound, "client has no handler for %q", f.Key)
	if werr := s.Reply(f, message.EncodeReply(nil, err)); werr != nil {
		c.log.Debug("reply not sent", zap.String("key", f.Key), zap.Error(werr))
	}
}
