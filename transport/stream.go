package transport

import (
	"context"
	"io"
	"net"
	"sync"
)

// Stream adapts an io.ReadWriteCloser to Transport.
type Stream struct {
	rwc       io.ReadWriteCloser
	remote    string
	buf       []byte
	closeOnce sync.Once
	closeErr  error
}

func NewStream(rwc io.ReadWriteCloser, remote string) *Stream {
	return &Stream{rwc: rwc, remote: remote, buf: make([]byte, 4096)}
}

// Read blocks in the underlying reader; ctx is only checked up front; Close
// is what releases a blocked Read.
func (s *Stream) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n, err := s.rwc.Read(s.buf)
	if n > 0 {
		// The error, if any, is returned again by the next Read.
		return append([]byte(nil), s.buf[:n]...), nil
	}
	if err == nil {
		err = io.ErrNoProgress
	}
	return nil, err
}

func (s *Stream) Write(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.rwc.Write(p)
	return err
}

func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.rwc.Close()
	})
	return s.closeErr
}

func (s *Stream) RemoteAddr() string {
	return s.remote
}

// Pipe returns two connected in-memory transports. Writes block until the
// other side reads, like net.Pipe.
func Pipe() (Transport, Transport) {
	a, b := net.Pipe()
	return NewStream(a, "pipe"), NewStream(b, "pipe")
}
