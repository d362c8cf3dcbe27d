package proxy

import (
	"context"
	"fmt"

	"mini-ipc/client"
	"mini-ipc/message"
)

// Caller is the part of *client.Client a Proxy needs.
type Caller interface {
	Call(ctx context.Context, channel, command string, reply any, args ...any) error
	Listen(channel, event string, args ...any) (*client.Subscription, error)
}

// Description names the methods and events of a remote channel.
type Description struct {
	Methods []string
	Events  []string
}

// Proxy forwards method invocations and event subscriptions to one channel.
type Proxy struct {
	caller  Caller
	channel string
	methods map[string]struct{}
	events  map[string]struct{}
}

func New(caller Caller, channel string, desc Description) *Proxy {
	p := &Proxy{
		caller:  caller,
		channel: channel,
		methods: make(map[string]struct{}, len(desc.Methods)),
		events:  make(map[string]struct{}, len(desc.Events)),
	}
	for _, m := range desc.Methods {
		p.methods[m] = struct{}{}
	}
	for _, e := range desc.Events {
		p.events[e] = struct{}{}
	}
	return p
}

func (p *Proxy) Channel() string {
	return p.channel
}

// Invoke calls method with args and decodes the result into reply. If the
// last argument is a context.Context it is not sent; it cancels the call.
func (p *Proxy) Invoke(method string, reply any, args ...any) error {
	if _, ok := p.methods[method]; !ok {
		return fmt.Errorf("%w: %s.%s", message.ErrUnknownCommand, p.channel, method)
	}
	ctx := context.Background()
	if n := len(args); n > 0 {
		if c, ok := args[n-1].(context.Context); ok {
			ctx, args = c, args[:n-1]
		}
	}
	return p.caller.Call(ctx, p.channel, method, reply, args...)
}

// Event returns the named event of the channel.
func (p *Proxy) Event(name string) Event {
	return Event{p: p, name: name}
}

type Event struct {
	p    *Proxy
	name string
}

func (e Event) Name() string {
	return e.name
}

// Subscribe starts listening. Subscriptions with equal args share one
// server-side stream.
func (e Event) Subscribe(args ...any) (*client.Subscription, error) {
	if _, ok := e.p.events[e.name]; !ok {
		return nil, fmt.Errorf("%w: %s.%s", message.ErrUnknownEvent, e.p.channel, e.name)
	}
	return e.p.caller.Listen(e.p.channel, e.name, args...)
}

// Method binds a method of p to a typed function.
//
//	readFile := proxy.Method[string](p, "readFile")
//	text, err := readFile(ctx, "/a.txt")
func Method[R any](p *Proxy, name string) func(ctx context.Context, args ...any) (R, error) {
	return func(ctx context.Context, args ...any) (R, error) {
		var r R
		err := p.Invoke(name, &r, append(args, ctx)...)
		return r, err
	}
}

// On subscribes to a typed event.
func On[T any](p *Proxy, name string, args ...any) (*Stream[T], error) {
	sub, err := p.Event(name).Subscribe(args...)
	if err != nil {
		return nil, err
	}
	return &Stream[T]{sub: sub}, nil
}

// Stream decodes the values of a Subscription.
type Stream[T any] struct {
	sub *client.Subscription
}

// Next returns the next value, or io.EOF once the stream has ended.
func (s *Stream[T]) Next(ctx context.Context) (T, error) {
	var v T
	raw, err := s.sub.Next(ctx)
	if err != nil {
		return v, err
	}
	if err := raw.Decode(&v); err != nil {
		return v, fmt.Errorf("proxy: decode %T event: %w", v, err)
	}
	return v, nil
}

func (s *Stream[T]) Cause() error {
	return s.sub.Cause()
}

func (s *Stream[T]) Close() error {
	return s.sub.Close()
}
