package proxy

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"mini-ipc/channel"
	"mini-ipc/client"
	"mini-ipc/codec"
	"mini-ipc/message"
)

var jsonCodec = &codec.JSONCodec{}

func argsOf(t *testing.T, values ...any) *codec.Args {
	t.Helper()
	args, err := codec.ArgsOf(jsonCodec, values...)
	if err != nil {
		t.Fatalf("ArgsOf failed: %v", err)
	}
	return args
}

var cc = channel.ClientContext{ClientID: "c1", RemoteAddr: "pipe"}

func TestHandle(t *testing.T) {
	svc := NewService()
	Handle0(svc, "ping", func(ctx context.Context) (string, error) { return "pong", nil })
	Handle1(svc, "upper", func(ctx context.Context, s string) (string, error) { return strings.ToUpper(s), nil })
	Handle2(svc, "add", func(ctx context.Context, a, b int) (int, error) { return a + b, nil })
	Handle3(svc, "join", func(ctx context.Context, a, b, sep string) (string, error) { return a + sep + b, nil })
	Handle0(svc, "who", func(ctx context.Context) (string, error) {
		c, ok := ClientFrom(ctx)
		if !ok {
			return "", errors.New("no client in ctx")
		}
		return c.ClientID, nil
	})

	tests := []struct {
		command string
		args    []any
		want    any
	}{
		{"ping", nil, "pong"},
		{"upper", []any{"abc"}, "ABC"},
		{"add", []any{1, 2}, 3},
		{"add", []any{1}, 1}, // missing args are zero values
		{"join", []any{"a", "b", "-"}, "a-b"},
		{"who", nil, "c1"},
	}
	for _, tt := range tests {
		got, err := svc.Call(context.Background(), cc, tt.command, argsOf(t, tt.args...))
		if err != nil {
			t.Fatalf("%s: %v", tt.command, err)
		}
		if got != tt.want {
			t.Errorf("%s%v = %v, want %v", tt.command, tt.args, got, tt.want)
		}
	}

	_, err := svc.Call(context.Background(), cc, "add", argsOf(t, "x", 1))
	var re *message.RemoteError
	if !errors.As(err, &re) || re.Name != "BadRequest" {
		t.Fatalf("expect BadRequest, got %v", err)
	}
	if _, err := svc.Call(context.Background(), cc, "nope", nil); !errors.Is(err, message.ErrUnknownCommand) {
		t.Fatalf("expect ErrUnknownCommand, got %v", err)
	}
	if _, err := svc.Listen(context.Background(), cc, "nope", nil); !errors.Is(err, message.ErrUnknownEvent) {
		t.Fatalf("expect ErrUnknownEvent, got %v", err)
	}
}

func TestEmitter(t *testing.T) {
	var e Emitter[int]
	var got []string
	unsubA := e.Subscribe(func(v int) { got = append(got, "a") })
	e.Subscribe(func(v int) { got = append(got, "b") })

	e.Fire(1)
	unsubA()
	unsubA()
	e.Fire(2)
	if want := []string{"a", "b", "b"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	if e.Len() != 1 {
		t.Fatalf("Len = %d", e.Len())
	}
}

func recv(t *testing.T, ch <-chan any) any {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an event")
		return nil
	}
}

func waitLen[T any](t *testing.T, e *Emitter[T], n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for e.Len() != n {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers = %d, want %d", e.Len(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestExpose(t *testing.T) {
	svc := NewService()
	var e Emitter[string]
	Expose[string](svc, "onMessage", &e)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := svc.Listen(ctx, cc, "onMessage", nil)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	waitLen(t, &e, 1)

	// Firing never blocks on the reader.
	for _, m := range []string{"a", "b", "c"} {
		e.Fire(m)
	}
	for _, want := range []string{"a", "b", "c"} {
		if got := recv(t, ch); got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
	}

	cancel()
	for range ch {
	}
	waitLen(t, &e, 0)
}

type files struct {
	OnChange *Emitter[string]
	Spare    *Emitter[int] // nil: not exposed
	touched  []string
}

func (f *files) ReadFile(ctx context.Context, path string) (string, error) {
	if path != "/a.txt" {
		return "", message.NewError("NotFound", "no such file: %s", path)
	}
	return "hi", nil
}

func (f *files) Touch(ctx context.Context, path string) error {
	f.touched = append(f.touched, path)
	f.OnChange.Fire(path)
	return nil
}

// Not a command: no context.
func (f *files) Size(path string) (int, error) { return 0, nil }

func TestFromObject(t *testing.T) {
	f := &files{OnChange: &Emitter[string]{}}
	svc, err := FromObject(f)
	if err != nil {
		t.Fatalf("FromObject failed: %v", err)
	}
	d := svc.Description()
	if want := (Description{Methods: []string{"readFile", "touch"}, Events: []string{"onChange"}}); !reflect.DeepEqual(d, want) {
		t.Fatalf("description = %+v, want %+v", d, want)
	}

	got, err := svc.Call(context.Background(), cc, "readFile", argsOf(t, "/a.txt"))
	if err != nil || got != "hi" {
		t.Fatalf("readFile = %v, %v", got, err)
	}
	_, err = svc.Call(context.Background(), cc, "readFile", argsOf(t, "/b.txt"))
	if re := message.ToRemote(err); re.Name != "NotFound" {
		t.Fatalf("expect NotFound, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := svc.Listen(ctx, cc, "onChange", nil)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	waitLen(t, f.OnChange, 1)
	if got, err := svc.Call(context.Background(), cc, "touch", argsOf(t, "/c.txt")); err != nil || got != nil {
		t.Fatalf("touch = %v, %v", got, err)
	}
	if v := recv(t, ch); v != "/c.txt" {
		t.Fatalf("event = %v", v)
	}
}

func TestFromObjectRejects(t *testing.T) {
	type empty struct{}
	for _, rcvr := range []any{nil, files{}, new(int), &empty{}} {
		if _, err := FromObject(rcvr); err == nil {
			t.Errorf("FromObject(%T) should fail", rcvr)
		}
	}
}

type fakeCaller struct {
	ctx     context.Context
	channel string
	command string
	args    []any
	listen  string
}

func (f *fakeCaller) Call(ctx context.Context, channel, command string, reply any, args ...any) error {
	f.ctx, f.channel, f.command, f.args = ctx, channel, command, args
	if p, ok := reply.(*string); ok {
		*p = "ok"
	}
	return nil
}

func (f *fakeCaller) Listen(channel, event string, args ...any) (*client.Subscription, error) {
	f.listen = channel + "." + event
	return nil, nil
}

type ctxKey struct{}

func TestInvoke(t *testing.T) {
	fc := &fakeCaller{}
	p := New(fc, "fileService", Description{Methods: []string{"readFile"}, Events: []string{"onChange"}})

	ctx := context.WithValue(context.Background(), ctxKey{}, "token")
	var reply string
	if err := p.Invoke("readFile", &reply, "/a.txt", ctx); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if fc.ctx.Value(ctxKey{}) != "token" {
		t.Fatal("trailing context not used as the call context")
	}
	if fc.channel != "fileService" || fc.command != "readFile" || !reflect.DeepEqual(fc.args, []any{"/a.txt"}) || reply != "ok" {
		t.Fatalf("forwarded %s.%s%v -> %q", fc.channel, fc.command, fc.args, reply)
	}

	got, err := Method[string](p, "readFile")(ctx, "/b.txt")
	if err != nil || got != "ok" || !reflect.DeepEqual(fc.args, []any{"/b.txt"}) {
		t.Fatalf("Method = %q, %v, args %v", got, err, fc.args)
	}

	if err := p.Invoke("writeFile", nil); !errors.Is(err, message.ErrUnknownCommand) {
		t.Fatalf("expect ErrUnknownCommand, got %v", err)
	}
	if _, err := p.Event("onChange").Subscribe(); err != nil || fc.listen != "fileService.onChange" {
		t.Fatalf("Subscribe: %v, %q", err, fc.listen)
	}
	if _, err := p.Event("onDelete").Subscribe(); !errors.Is(err, message.ErrUnknownEvent) {
		t.Fatalf("expect ErrUnknownEvent, got %v", err)
	}
}
