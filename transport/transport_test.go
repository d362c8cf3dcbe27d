package transport

import (
	"bytes"
	"context"
	"io"
	"net"
	"os/exec"
	"testing"
	"time"
)

// readN collects chunks until n bytes have arrived.
func readN(t *testing.T, tr Transport, n int) []byte {
	t.Helper()
	var got []byte
	for len(got) < n {
		chunk, err := tr.Read(context.Background())
		if err != nil {
			t.Fatalf("Read failed after %d bytes: %v", len(got), err)
		}
		got = append(got, chunk...)
	}
	return got
}

func exchange(t *testing.T, a, b Transport) {
	t.Helper()
	ctx := context.Background()
	payload := bytes.Repeat([]byte("frame-bytes "), 1000)

	errc := make(chan error, 1)
	go func() { errc <- a.Write(ctx, payload) }()
	if got := readN(t, b, len(payload)); !bytes.Equal(got, payload) {
		t.Fatalf("a→b: payload mismatch (%d bytes)", len(got))
	}
	if err := <-errc; err != nil {
		t.Fatalf("a.Write failed: %v", err)
	}

	go func() { errc <- b.Write(ctx, []byte("pong")) }()
	if got := readN(t, a, 4); string(got) != "pong" {
		t.Fatalf("b→a: got %q", got)
	}
	if err := <-errc; err != nil {
		t.Fatalf("b.Write failed: %v", err)
	}
}

func TestPipe(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()
	exchange(t, a, b)

	a.Close()
	if _, err := b.Read(context.Background()); err == nil {
		t.Fatal("expect error after peer close")
	}
}

func TestCloseUnblocksRead(t *testing.T) {
	a, b := Pipe()
	defer b.Close()
	done := make(chan error, 1)
	go func() {
		_, err := a.Read(context.Background())
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	a.Close()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expect error from closed transport")
		}
	case <-time.After(time.Second):
		t.Fatal("Read still blocked after Close")
	}
}

func dialPair(t *testing.T, l Listener, dial Dialer) (Transport, Transport) {
	t.Helper()
	accepted := make(chan Transport, 1)
	go func() {
		tr, err := l.Accept(context.Background())
		if err != nil {
			t.Errorf("Accept failed: %v", err)
			close(accepted)
			return
		}
		accepted <- tr
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := dial(ctx)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	s, ok := <-accepted
	if !ok {
		t.FailNow()
	}
	return c, s
}

func TestTCP(t *testing.T) {
	for _, compress := range []bool{false, true} {
		var opts []Option
		if compress {
			opts = append(opts, WithCompression())
		}
		l, err := Listen("tcp", "127.0.0.1:0", opts...)
		if err != nil {
			t.Fatalf("Listen failed: %v", err)
		}
		c, s := dialPair(t, l, NetDialer("tcp", l.Addr(), opts...))
		exchange(t, c, s)
		if c.RemoteAddr() != l.Addr() {
			t.Errorf("RemoteAddr = %q, want %q", c.RemoteAddr(), l.Addr())
		}
		c.Close()
		s.Close()
		l.Close()
	}
}

func TestCompressShrinksRepetitiveData(t *testing.T) {
	var wire bytes.Buffer
	w := Compress(nopCloser{&wire})
	payload := bytes.Repeat([]byte("aaaaaaaa"), 4096)
	if _, err := w.Write(payload); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if wire.Len() >= len(payload)/4 {
		t.Fatalf("compressed %d bytes into %d", len(payload), wire.Len())
	}
	r := Compress(nopCloser{&wire})
	got := make([]byte, len(payload))
	if _, err := io.ReadFull(r, got); err != nil {
		t.Fatalf("ReadFull failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("decompressed payload mismatch")
	}
}

type nopCloser struct{ io.ReadWriter }

func (nopCloser) Close() error { return nil }

func TestWebSocket(t *testing.T) {
	l, err := ListenWebSocket("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenWebSocket failed: %v", err)
	}
	defer l.Close()
	c, s := dialPair(t, l, WebSocketDialer("ws://"+l.Addr()+"/ipc"))
	defer c.Close()
	defer s.Close()
	exchange(t, c, s)
}

func TestWebSocketSilentClientDoesNotBlockAccept(t *testing.T) {
	defer func(d time.Duration) { handshakeTimeout = d }(handshakeTimeout)
	handshakeTimeout = 50 * time.Millisecond

	l, err := ListenWebSocket("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenWebSocket failed: %v", err)
	}
	defer l.Close()

	// Connects but never sends its upgrade request.
	silent, err := net.Dial("tcp", l.Addr())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer silent.Close()

	c, s := dialPair(t, l, WebSocketDialer("ws://"+l.Addr()+"/ipc"))
	defer c.Close()
	defer s.Close()
	exchange(t, c, s)
}

func TestSpawnOutlivesDialContext(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	dial := SpawnDialer(func() *exec.Cmd { return exec.Command("cat") })
	ctx, cancel := context.WithCancel(context.Background())
	tr, err := dial(ctx)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	cancel()
	time.Sleep(20 * time.Millisecond)

	if err := tr.Write(context.Background(), []byte("echo")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if got := readN(t, tr, 4); string(got) != "echo" {
		t.Fatalf("got %q", got)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := dial(ctx); err == nil {
		t.Fatal("expect an error dialing with a cancelled ctx")
	}
}

func TestSpawnCloseKillsStuckChild(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	defer func(d time.Duration) { reapTimeout = d }(reapTimeout)
	reapTimeout = 50 * time.Millisecond

	// sleep ignores stdin EOF.
	tr, err := Spawn(exec.Command("sleep", "60"))
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	readErr := make(chan error, 1)
	go func() {
		_, err := tr.Read(context.Background())
		readErr <- err
	}()
	time.Sleep(10 * time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- tr.Close() }()
	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked on a child that ignores stdin EOF")
	}
	select {
	case err := <-readErr:
		if err == nil {
			t.Fatal("expect a read error after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("Read still blocked after Close")
	}
}
