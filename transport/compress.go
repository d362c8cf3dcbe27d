package transport

import (
	"io"
	"sync"

	"github.com/klauspost/compress/s2"
)

type compressed struct {
	rwc io.ReadWriteCloser
	r   *s2.Reader
	mu  sync.Mutex // guards w
	w   *s2.Writer
}

// Compress wraps rwc in an s2 stream. Every Write is flushed, so a frame is
// never held back waiting for more data.
func Compress(rwc io.ReadWriteCloser) io.ReadWriteCloser {
	return &compressed{
		rwc: rwc,
		r:   s2.NewReader(rwc),
		w:   s2.NewWriter(rwc, s2.WriterConcurrency(1)),
	}
}

func (c *compressed) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *compressed) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.w.Write(p)
	if err != nil {
		return n, err
	}
	return n, c.w.Flush()
}

// Close closes the underlying stream first so a Write blocked on a slow peer
// returns. Nothing is lost: every Write has already been flushed.
func (c *compressed) Close() error {
	err := c.rwc.Close()
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.w.Close()
	return err
}
