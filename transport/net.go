package transport

import (
	"context"
	"net"
)

type netListener struct {
	ln   net.Listener
	opts options
}

// Listen opens a stream listener ("tcp", "unix", ...).
func Listen(network, address string, opts ...Option) (Listener, error) {
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	return &netListener{ln: ln, opts: buildOptions(opts)}, nil
}

func (l *netListener) Accept(ctx context.Context) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return l.opts.wrap(conn, conn.RemoteAddr().String()), nil
}

func (l *netListener) Close() error {
	return l.ln.Close()
}

func (l *netListener) Addr() string {
	return l.ln.Addr().String()
}

// Dial connects to a Listen'ed address.
func Dial(ctx context.Context, network, address string, opts ...Option) (Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return buildOptions(opts).wrap(conn, conn.RemoteAddr().String()), nil
}

// NetDialer returns a Dialer for Dial(network, address).
func NetDialer(network, address string, opts ...Option) Dialer {
	return func(ctx context.Context) (Transport, error) {
		return Dial(ctx, network, address, opts...)
	}
}
