// Package client is the consumer end of a channel connection.
//
// A Client multiplexes any number of concurrent calls and subscriptions over
// one Connection. Each request gets a request id, and the connection's read
// loop routes every reply to the caller waiting on that id:
//
//	goroutine-1 ──Call(id=1)──┐
//	goroutine-2 ──Call(id=2)──┼──→ one Connection ──→ Server
//	goroutine-3 ──Listen(id=3)┘
//
//	recvLoop: ←── CallSuccess(id=2) → pending[2] → goroutine-2 wakes up
//	          ←── EventFire(id=3)   → every Subscription sharing id 3
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"mini-ipc/codec"
	"mini-ipc/connection"
	"mini-ipc/message"
	"mini-ipc/protocol"
	"mini-ipc/transport"
)

type Option func(*Client)

// WithClientID sets the id sent in Hello. Default is a random UUID.
// Reconnecting with the same id resumes the server-side session.
func WithClientID(id string) Option {
	return func(c *Client) { c.id = id }
}

// WithCodec sets the payload codec. It must match the server's.
func WithCodec(cd codec.Codec) Option {
	return func(c *Client) { c.codec = cd }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithReconnect redials after a lost connection, up to maxRetries times with
// exponential backoff starting at baseDelay. Pending calls still fail with
// ErrConnectionLost; subscriptions are kept.
func WithReconnect(maxRetries int, baseDelay time.Duration) Option {
	return func(c *Client) {
		c.retries = maxRetries
		c.backoff = baseDelay
	}
}

func WithMaxFrameSize(n int) Option {
	return func(c *Client) { c.connOpts = append(c.connOpts, connection.WithMaxFrameSize(n)) }
}

// Client manages one logical connection to a Server.
//
// c.mu is never held while sending; net.Pipe style transports block a writer
// until the peer reads, and the peer may be writing to us at the same time.
type Client struct {
	id       string
	dial     transport.Dialer
	codec    codec.Codec
	logger   *slog.Logger
	retries  int
	backoff  time.Duration
	connOpts []connection.Option

	ctx    context.Context // cancelled by Close; bounds redials
	cancel context.CancelFunc

	// sendMu orders ListenRequest, ListenDispose and Hello on the wire.
	sendMu sync.Mutex

	mu          sync.Mutex
	conn        *connection.Connection // nil while reconnecting
	gen         uint64                 // bumped for every new connection
	nextID      uint32
	pending     map[uint32]*pendingCall
	subs        map[string]*shared // by signature
	byID        map[uint32]*shared
	orphans     []uint32 // listens released while disconnected
	noReconnect bool     // the server said Goodbye
	closed      bool
	err         error
	done        chan struct{}
}

type pendingCall struct {
	conn *connection.Connection
	done chan result // buffered; written once by whoever removes the call from pending
}

type result struct {
	msg *message.Message
	err error
}

// Dial connects, sends Hello and returns the Client. The session is usable
// right away; the server's acknowledgement is not awaited.
func Dial(ctx context.Context, dial transport.Dialer, opts ...Option) (*Client, error) {
	c := &Client{
		id:      uuid.NewString(),
		dial:    dial,
		codec:   &codec.JSONCodec{},
		logger:  slog.Default(),
		pending: make(map[uint32]*pendingCall),
		subs:    make(map[string]*shared),
		byID:    make(map[uint32]*shared),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("client_id", c.id)
	c.connOpts = append(c.connOpts, connection.WithLogger(c.logger))
	c.ctx, c.cancel = context.WithCancel(context.Background())

	if err := c.connect(ctx); err != nil {
		c.cancel()
		return nil, fmt.Errorf("client: dial: %w", err)
	}
	return c, nil
}

func (c *Client) ID() string {
	return c.id
}

// Done is closed once the Client is closed, by Close or because the
// connection was lost for good.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the Client is done.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// link routes one connection's events to the Client.
type link struct {
	c     *Client
	ready chan struct{} // closed once the connection is current or abandoned
}

func (l *link) HandleMessage(conn *connection.Connection, msg *message.Message) {
	<-l.ready
	l.c.handleMessage(conn, msg)
}

func (l *link) HandleClose(conn *connection.Connection, err error) {
	<-l.ready
	l.c.handleClose(conn, err)
}

// connect dials a new connection, makes it current and says Hello.
func (c *Client) connect(ctx context.Context) error {
	t, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	l := &link{c: c, ready: make(chan struct{})}
	conn := connection.New(t, l, c.connOpts...)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(l.ready)
		conn.Close()
		return message.ErrClosed
	}
	c.conn = conn
	c.gen++
	orphans := c.orphans
	c.orphans = nil
	c.mu.Unlock()
	close(l.ready)

	// A failed write closes conn, and handleClose takes it from there.
	if err := conn.Send(context.Background(), &message.Message{Kind: message.KindHello, Payload: []byte(c.id)}); err != nil {
		c.logger.Debug("hello failed", "err", err)
		return nil
	}
	for _, id := range orphans {
		conn.Send(context.Background(), &message.Message{Kind: message.KindListenDispose, RequestID: id})
	}
	return nil
}

// allocID returns a request id not used by any outstanding call or
// subscription. Must be called with mu held.
func (c *Client) allocID() uint32 {
	for {
		c.nextID++
		id := c.nextID
		if id == 0 {
			continue
		}
		if _, ok := c.pending[id]; ok {
			continue
		}
		if _, ok := c.byID[id]; ok {
			continue
		}
		return id
	}
}

// Call invokes command on the named channel and decodes the result into
// reply, which may be nil. Cancelling ctx sends CallCancel and returns an
// error matching both message.ErrCanceled and ctx.Err(); a reply arriving
// afterwards is discarded. A handler failure is returned as a
// *message.RemoteError.
func (c *Client) Call(ctx context.Context, channel, command string, reply any, args ...any) error {
	if channel == "" {
		return fmt.Errorf("client: %w", protocol.ErrEmptyChannel)
	}
	payload, err := c.codec.EncodeArgs(args)
	if err != nil {
		return fmt.Errorf("client: encode args: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", message.ErrCanceled, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return message.ErrClosed
	}
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return message.ErrConnectionLost
	}
	id := c.allocID()
	pc := &pendingCall{conn: conn, done: make(chan result, 1)}
	c.pending[id] = pc
	c.mu.Unlock()

	// A send failure closes conn, which settles pc.
	conn.Send(context.Background(), &message.Message{
		Kind:      message.KindCallRequest,
		RequestID: id,
		Channel:   channel,
		Name:      command,
		Payload:   payload,
	})

	select {
	case r := <-pc.done:
		return c.settle(r, reply)
	case <-ctx.Done():
	}

	c.mu.Lock()
	live := c.pending[id] == pc
	if live {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !live {
		// Settled concurrently; that outcome wins.
		return c.settle(<-pc.done, reply)
	}
	conn.Send(context.Background(), &message.Message{Kind: message.KindCallCancel, RequestID: id})
	c.logger.Debug("call cancelled", "request_id", id, "channel", channel, "command", command)
	return fmt.Errorf("%w: %w", message.ErrCanceled, ctx.Err())
}

func (c *Client) settle(r result, reply any) error {
	if r.err != nil {
		return r.err
	}
	if r.msg.Kind == message.KindCallError {
		return c.remoteError(r.msg.Payload)
	}
	if reply == nil {
		return nil
	}
	if err := c.codec.Decode(r.msg.Payload, reply); err != nil {
		return fmt.Errorf("client: decode reply: %w", err)
	}
	return nil
}

func (c *Client) remoteError(payload []byte) error {
	re := &message.RemoteError{}
	if err := c.codec.Decode(payload, re); err != nil {
		return fmt.Errorf("client: decode error reply: %w", err)
	}
	return re
}

func (c *Client) handleMessage(conn *connection.Connection, msg *message.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return
	}

	switch msg.Kind {
	case message.KindCallSuccess, message.KindCallError:
		if pc, ok := c.pending[msg.RequestID]; ok {
			delete(c.pending, msg.RequestID)
			pc.done <- result{msg: msg}
			return
		}
		if sh, ok := c.byID[msg.RequestID]; ok {
			var cause error
			if msg.Kind == message.KindCallError {
				cause = c.remoteError(msg.Payload)
			}
			c.end(sh, cause)
			return
		}
		c.logger.Debug("discarding reply to unknown request", "request_id", msg.RequestID)
	case message.KindEventFire:
		sh, ok := c.byID[msg.RequestID]
		if !ok {
			return
		}
		v := codec.Raw{Data: msg.Payload, Codec: c.codec}
		for s := range sh.listeners {
			s.q.Push(v)
		}
	case message.KindHello:
		ack, err := message.ParseHelloAck(msg.Payload)
		if err != nil {
			c.logger.Warn("ignoring hello ack", "err", err)
			return
		}
		c.reconcile(conn, ack)
	case message.KindGoodbye:
		c.noReconnect = true
		c.logger.Info("server said goodbye")
	default:
		c.logger.Warn("ignoring unexpected message", "msg", msg.String())
	}
}

// reconcile matches our subscriptions against the listens the server still
// has after a Hello. Must be called with mu held.
func (c *Client) reconcile(conn *connection.Connection, ack message.HelloAck) {
	if !ack.Resumed {
		// The server lost our session; listens from earlier connections are gone.
		for _, sh := range c.byID {
			if sh.epoch < c.gen {
				c.end(sh, message.ErrSessionExpired)
			}
		}
		return
	}

	served := make(map[uint32]bool, len(ack.Listens))
	for _, id := range ack.Listens {
		served[id] = true
	}
	// The ListenRequest never reached the server.
	for _, sh := range c.byID {
		if sh.epoch < c.gen && !served[sh.id] {
			c.logger.Debug("listen lost with the connection", "request_id", sh.id)
			c.end(sh, fmt.Errorf("%w: listen %d not found after reconnect", message.ErrConnectionLost, sh.id))
		}
	}
	// The ListenDispose never reached the server.
	var stray []uint32
	for _, id := range ack.Listens {
		if _, ok := c.byID[id]; !ok {
			stray = append(stray, id)
		}
	}
	if len(stray) > 0 {
		go c.dispose(conn, stray)
	}
}

func (c *Client) dispose(conn *connection.Connection, ids []uint32) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	for _, id := range ids {
		if err := conn.Send(context.Background(), &message.Message{Kind: message.KindListenDispose, RequestID: id}); err != nil {
			return
		}
		c.logger.Debug("stray listen disposed", "request_id", id)
	}
}

func (c *Client) handleClose(conn *connection.Connection, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return
	}
	c.conn = nil
	lost := fmt.Errorf("%w: %v", message.ErrConnectionLost, err)
	for id, pc := range c.pending {
		if pc.conn == conn {
			delete(c.pending, id)
			pc.done <- result{err: lost}
		}
	}
	if c.closed {
		return
	}
	if c.retries > 0 && !c.noReconnect {
		c.logger.Info("connection lost, reconnecting", "err", err)
		go c.reconnect()
		return
	}
	c.terminate(lost)
}

func (c *Client) reconnect() {
	var err error
	for i := 0; i < c.retries; i++ {
		delay := c.backoff * time.Duration(1<<i) // exponential backoff
		select {
		case <-time.After(delay):
		case <-c.ctx.Done():
			return
		}
		if err = c.connect(c.ctx); err == nil {
			c.logger.Info("reconnected", "attempt", i+1)
			return
		}
		if errors.Is(err, message.ErrClosed) {
			return
		}
		c.logger.Warn("reconnect failed", "attempt", i+1, "err", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed && c.conn == nil {
		c.terminate(fmt.Errorf("%w: reconnect failed after %d attempts: %v", message.ErrConnectionLost, c.retries, err))
	}
}

// terminate ends everything the Client still holds. Must be called with mu held.
func (c *Client) terminate(cause error) {
	if c.closed {
		return
	}
	c.closed = true
	c.err = cause
	for id, pc := range c.pending {
		delete(c.pending, id)
		pc.done <- result{err: cause}
	}
	for _, sh := range c.byID {
		c.end(sh, cause)
	}
	close(c.done)
}

// Close says Goodbye to the server, which then drops the session at once,
// and ends all calls and subscriptions with message.ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.conn = nil
	c.terminate(message.ErrClosed)
	c.mu.Unlock()
	c.cancel()

	if conn != nil {
		conn.Send(context.Background(), &message.Message{Kind: message.KindGoodbye})
		conn.Close()
	}
	return nil
}
