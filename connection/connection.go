// Package connection binds one transport to the frame protocol.
//
// A Connection runs a single read loop per transport (frames must be parsed
// in order, so there is exactly one reader) and serializes writes with a
// mutex (so two frames never interleave on the wire):
//
//	goroutine-1 ──Send──┐
//	goroutine-2 ──Send──┼──writeMu──→ transport ──→ peer
//	goroutine-3 ──Send──┘
//
//	recvLoop: transport.Read → Decoder → Handler.HandleMessage (in arrival order)
//	                                   → Handler.HandleClose   (exactly once, last)
package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"mini-ipc/message"
	"mini-ipc/protocol"
	"mini-ipc/transport"
)

// Handler receives what arrives on a Connection. HandleMessage is called from
// the read loop, one message at a time; it must not block for long.
// HandleClose is called once after the last HandleMessage.
type Handler interface {
	HandleMessage(c *Connection, msg *message.Message)
	HandleClose(c *Connection, err error)
}

// Funcs adapts a pair of functions to Handler.
type Funcs struct {
	OnMessage func(c *Connection, msg *message.Message)
	OnClose   func(c *Connection, err error)
}

func (f Funcs) HandleMessage(c *Connection, msg *message.Message) {
	if f.OnMessage != nil {
		f.OnMessage(c, msg)
	}
}

func (f Funcs) HandleClose(c *Connection, err error) {
	if f.OnClose != nil {
		f.OnClose(c, err)
	}
}

type Option func(*Connection)

func WithLogger(l *slog.Logger) Option {
	return func(c *Connection) { c.logger = l }
}

// WithMaxFrameSize bounds incoming frames. Default protocol.DefaultMaxFrameSize.
func WithMaxFrameSize(n int) Option {
	return func(c *Connection) { c.maxFrame = n }
}

type Connection struct {
	t        transport.Transport
	h        Handler
	logger   *slog.Logger
	maxFrame int

	writeMu sync.Mutex

	ctx       context.Context // cancelled on close
	cancel    context.CancelFunc
	closeOnce sync.Once
	err       error // first close cause; written once before done is closed
	done      chan struct{}
}

// New starts reading from t and returns the Connection. h must be ready to
// receive messages immediately.
func New(t transport.Transport, h Handler, opts ...Option) *Connection {
	c := &Connection{
		t:        t,
		h:        h,
		logger:   slog.Default(),
		maxFrame: protocol.DefaultMaxFrameSize,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("remote", t.RemoteAddr())
	c.ctx, c.cancel = context.WithCancel(context.Background())
	go c.recvLoop()
	return c
}

func (c *Connection) recvLoop() {
	dec := protocol.NewDecoder(c.maxFrame)
	defer func() {
		dec.Reset()
		c.h.HandleClose(c, c.Err())
	}()
	for {
		chunk, err := c.t.Read(c.ctx)
		if err != nil {
			c.shutdown(err)
			return
		}
		dec.Write(chunk)
		for {
			msg, ok, err := dec.Next()
			if err != nil {
				c.logger.Warn("dropping connection on bad frame", "err", err)
				c.shutdown(err)
				return
			}
			if !ok {
				break
			}
			if c.closed() {
				return
			}
			c.h.HandleMessage(c, msg)
		}
	}
}

// Send writes msg as one frame. Encode and write failures close the
// Connection; the error is also returned.
func (c *Connection) Send(ctx context.Context, msg *message.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		c.logger.Warn("dropping connection on unencodable message", "msg", msg.String(), "err", err)
		c.shutdown(err)
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed() {
		return message.ErrClosed
	}
	if err := c.t.Write(ctx, frame); err != nil {
		if ctx.Err() == nil {
			c.shutdown(err)
		}
		return err
	}
	return nil
}

// Close closes the transport. The Handler still gets HandleClose.
func (c *Connection) Close() error {
	c.shutdown(message.ErrClosed)
	return nil
}

func (c *Connection) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		c.cancel()
		close(c.done)
		if cerr := c.t.Close(); cerr != nil && !errors.Is(err, message.ErrClosed) {
			c.logger.Debug("transport close", "err", cerr)
		}
	})
}

func (c *Connection) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Done is closed once the Connection starts shutting down.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns why the Connection closed: message.ErrClosed after Close, the
// transport or decode error otherwise, nil while still open.
func (c *Connection) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Connection) RemoteAddr() string {
	return c.t.RemoteAddr()
}

// Context is cancelled when the Connection closes.
func (c *Connection) Context() context.Context {
	return c.ctx
}
