// Package transport provides the byte pipes a connection runs over.
//
// A Transport is a point-to-point, ordered, reliable byte stream. It does not
// have to preserve write boundaries: Read may return any slice of the bytes
// the peer wrote, and the protocol layer reassembles frames.
//
//	Stream      any io.ReadWriteCloser (net.Conn, pipes)
//	Pipe        in-memory pair, for tests and same-process peers
//	Listen/Dial TCP or unix sockets, optionally s2-compressed
//	Spawn/Stdio a child process's stdin/stdout
//	WebSocket   binary messages through a UI host's websocket bridge
package transport

import (
	"context"
	"io"
)

type Transport interface {
	// Read returns the next chunk of received bytes. It returns io.EOF (or
	// another error) once the peer or Close ends the stream.
	Read(ctx context.Context) ([]byte, error)
	// Write sends p in full. Callers serialize writes.
	Write(ctx context.Context, p []byte) error
	// Close releases the transport and unblocks a pending Read.
	Close() error
	RemoteAddr() string
}

type Listener interface {
	Accept(ctx context.Context) (Transport, error)
	Close() error
	Addr() string
}

// Dialer opens a new transport to the same peer. The client calls it again
// to reconnect.
type Dialer func(ctx context.Context) (Transport, error)

type options struct {
	compress   bool
	readBuffer int
}

type Option func(*options)

// WithCompression wraps each stream in s2 compression. Both ends must agree.
func WithCompression() Option {
	return func(o *options) { o.compress = true }
}

// WithReadBuffer sets the size of the chunk handed out by Read. Default 4096.
func WithReadBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.readBuffer = n
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{readBuffer: 4096}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) wrap(rwc io.ReadWriteCloser, remote string) *Stream {
	if o.compress {
		rwc = Compress(rwc)
	}
	s := NewStream(rwc, remote)
	s.buf = make([]byte, o.readBuffer)
	return s
}
