package transport

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// wsTransport carries each write as one binary websocket message.
type wsTransport struct {
	conn      net.Conn
	rw        io.ReadWriter // reads may first drain the handshake's bufio.Reader
	server    bool
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.server {
		return wsutil.ReadClientBinary(t.rw)
	}
	return wsutil.ReadServerBinary(t.rw)
}

func (t *wsTransport) Write(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.server {
		return wsutil.WriteServerBinary(t.conn, p)
	}
	return wsutil.WriteClientBinary(t.conn, p)
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		// Skip the close frame rather than wait behind a blocked Write.
		if t.writeMu.TryLock() {
			if t.server {
				_ = wsutil.WriteServerMessage(t.conn, ws.OpClose, nil)
			} else {
				_ = wsutil.WriteClientMessage(t.conn, ws.OpClose, nil)
			}
			t.writeMu.Unlock()
		}
		err = t.conn.Close()
	})
	return err
}

func (t *wsTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// handshakeTimeout bounds how long Accept waits for one client's upgrade
// request.
var handshakeTimeout = 10 * time.Second

type wsListener struct {
	ln net.Listener
}

// ListenWebSocket accepts websocket upgrades on a plain TCP listener. Any
// request path is accepted.
func ListenWebSocket(network, address string) (Listener, error) {
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	return &wsListener{ln: ln}, nil
}

// Accept returns the next connection that completes the upgrade handshake.
// Failed handshakes are dropped.
func (l *wsListener) Accept(ctx context.Context) (Transport, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		conn, err := l.ln.Accept()
		if err != nil {
			return nil, err
		}
		conn.SetDeadline(time.Now().Add(handshakeTimeout))
		if _, err := ws.Upgrade(conn); err != nil {
			conn.Close()
			continue
		}
		conn.SetDeadline(time.Time{})
		return &wsTransport{conn: conn, rw: conn, server: true}, nil
	}
}

func (l *wsListener) Close() error {
	return l.ln.Close()
}

func (l *wsListener) Addr() string {
	return l.ln.Addr().String()
}

type bufferedConn struct {
	io.Reader
	io.Writer
}

// DialWebSocket connects to a ws:// URL.
func DialWebSocket(ctx context.Context, url string) (Transport, error) {
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	var rw io.ReadWriter = conn
	if br != nil {
		rw = bufferedConn{Reader: br, Writer: conn}
	}
	return &wsTransport{conn: conn, rw: rw}, nil
}

// WebSocketDialer returns a Dialer for DialWebSocket(url).
func WebSocketDialer(url string) Dialer {
	return func(ctx context.Context) (Transport, error) {
		return DialWebSocket(ctx, url)
	}
}
