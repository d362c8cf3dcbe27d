package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"mini-ipc/codec"
	"mini-ipc/internal/queue"
	"mini-ipc/message"
	"mini-ipc/protocol"
)

// shared is the one server-side listen behind every Subscription with the
// same channel, event and arguments.
type shared struct {
	id        uint32
	key       string
	epoch     uint64 // connection generation the ListenRequest went out on
	listeners map[*Subscription]struct{}
}

// Subscription is one listener of an event stream. Values arrive in the
// order the server fired them.
type Subscription struct {
	c      *Client
	sh     *shared
	q      *queue.Queue[codec.Raw]
	cause  error // guarded by c.mu
	closed bool  // guarded by c.mu
}

// Listen subscribes to event on the named channel. The first subscriber to a
// given (channel, event, args) sends the ListenRequest; later ones share it.
func (c *Client) Listen(channel, event string, args ...any) (*Subscription, error) {
	if channel == "" {
		return nil, fmt.Errorf("client: %w", protocol.ErrEmptyChannel)
	}
	payload, err := c.codec.EncodeArgs(args)
	if err != nil {
		return nil, fmt.Errorf("client: encode args: %w", err)
	}
	key := channel + "\x00" + event + "\x00" + string(payload)

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, message.ErrClosed
	}
	if sh, ok := c.subs[key]; ok {
		s := c.attach(sh)
		c.mu.Unlock()
		return s, nil
	}
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, message.ErrConnectionLost
	}
	sh := &shared{id: c.allocID(), key: key, epoch: c.gen, listeners: make(map[*Subscription]struct{})}
	c.subs[key] = sh
	c.byID[sh.id] = sh
	s := c.attach(sh)
	c.mu.Unlock()

	conn.Send(context.Background(), &message.Message{
		Kind:      message.KindListenRequest,
		RequestID: sh.id,
		Channel:   channel,
		Name:      event,
		Payload:   payload,
	})
	c.logger.Debug("listening", "request_id", sh.id, "channel", channel, "event", event)
	return s, nil
}

// attach must be called with mu held.
func (c *Client) attach(sh *shared) *Subscription {
	s := &Subscription{c: c, sh: sh, q: queue.New[codec.Raw]()}
	sh.listeners[s] = struct{}{}
	return s
}

// end terminates every listener of sh. Must be called with mu held.
func (c *Client) end(sh *shared, cause error) {
	if c.byID[sh.id] == sh {
		delete(c.byID, sh.id)
		delete(c.subs, sh.key)
	}
	for s := range sh.listeners {
		s.cause = cause
		s.closed = true
		s.q.Close()
	}
	sh.listeners = make(map[*Subscription]struct{})
}

// Next returns the next value. Once the stream has ended and every value
// received before that has been returned, it returns io.EOF; Cause tells why.
func (s *Subscription) Next(ctx context.Context) (codec.Raw, error) {
	v, err := s.q.Pop(ctx)
	if errors.Is(err, queue.ErrClosed) {
		return codec.Raw{}, io.EOF
	}
	return v, err
}

// Cause is nil while the stream is open and after it completed normally or
// was closed by Close. Otherwise it is message.ErrConnectionLost,
// message.ErrSessionExpired, message.ErrClosed or the server's error.
func (s *Subscription) Cause() error {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	return s.cause
}

// Close detaches this listener. When it was the last one, ListenDispose is
// sent and nothing more is accepted for the stream.
func (s *Subscription) Close() error {
	c := s.c
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	if s.closed {
		c.mu.Unlock()
		return nil
	}
	s.closed = true
	s.q.Close()
	sh := s.sh
	delete(sh.listeners, s)
	if len(sh.listeners) > 0 || c.byID[sh.id] != sh {
		c.mu.Unlock()
		return nil
	}
	delete(c.byID, sh.id)
	delete(c.subs, sh.key)
	conn := c.conn
	if conn == nil {
		c.orphans = append(c.orphans, sh.id)
	}
	c.mu.Unlock()

	if conn != nil {
		conn.Send(context.Background(), &message.Message{Kind: message.KindListenDispose, RequestID: sh.id})
		c.logger.Debug("listen disposed", "request_id", sh.id)
	}
	return nil
}
