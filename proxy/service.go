// Package proxy adapts between plain Go services and channels.
//
// Server side, a Service is a channel.Handler assembled from ordinary
// functions and event sources:
//
//	svc := proxy.NewService()
//	proxy.Handle1(svc, "readFile", files.ReadFile)   // command
//	proxy.Expose(svc, "onMessage", logs.Messages)     // event
//	srv.Register("fileService", svc)
//
// Client side, a Proxy turns method and event names into Client calls and
// subscriptions on one channel.
package proxy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"mini-ipc/channel"
	"mini-ipc/codec"
	"mini-ipc/internal/queue"
	"mini-ipc/message"
)

// CallFunc serves one command.
type CallFunc func(ctx context.Context, cc channel.ClientContext, args *codec.Args) (any, error)

// ListenFunc opens one event stream. The stream ends when the returned
// channel is closed; ctx is cancelled when the client no longer wants it.
type ListenFunc func(ctx context.Context, cc channel.ClientContext, args *codec.Args) (<-chan any, error)

// Service dispatches commands and events by name.
type Service struct {
	mu      sync.RWMutex
	methods map[string]CallFunc
	events  map[string]ListenFunc
}

func NewService() *Service {
	return &Service{
		methods: make(map[string]CallFunc),
		events:  make(map[string]ListenFunc),
	}
}

// HandleFunc registers fn as command name, replacing any earlier one.
func (s *Service) HandleFunc(name string, fn CallFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[name] = fn
}

// ExposeFunc registers fn as event name, replacing any earlier one.
func (s *Service) ExposeFunc(name string, fn ListenFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[name] = fn
}

func (s *Service) Call(ctx context.Context, cc channel.ClientContext, command string, args *codec.Args) (any, error) {
	s.mu.RLock()
	fn, ok := s.methods[command]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", message.ErrUnknownCommand, command)
	}
	return fn(withClient(ctx, cc), cc, args)
}

func (s *Service) Listen(ctx context.Context, cc channel.ClientContext, event string, args *codec.Args) (<-chan any, error) {
	s.mu.RLock()
	fn, ok := s.events[event]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", message.ErrUnknownEvent, event)
	}
	return fn(withClient(ctx, cc), cc, args)
}

// Description lists what the Service serves, sorted by name.
func (s *Service) Description() Description {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d := Description{}
	for name := range s.methods {
		d.Methods = append(d.Methods, name)
	}
	for name := range s.events {
		d.Events = append(d.Events, name)
	}
	sort.Strings(d.Methods)
	sort.Strings(d.Events)
	return d
}

type clientKey struct{}

func withClient(ctx context.Context, cc channel.ClientContext) context.Context {
	return context.WithValue(ctx, clientKey{}, cc)
}

// ClientFrom returns the calling client inside a handler registered with
// Handle0..Handle3, Expose or FromObject.
func ClientFrom(ctx context.Context) (channel.ClientContext, bool) {
	cc, ok := ctx.Value(clientKey{}).(channel.ClientContext)
	return cc, ok
}

// arg decodes argument i. Arguments the caller left out are zero values.
func arg[A any](args *codec.Args, i int) (A, error) {
	var a A
	if i >= args.Len() {
		return a, nil
	}
	if err := args.Decode(i, &a); err != nil {
		return a, message.NewError("BadRequest", "%v", err)
	}
	return a, nil
}

func Handle0[R any](s *Service, name string, fn func(ctx context.Context) (R, error)) {
	s.HandleFunc(name, func(ctx context.Context, _ channel.ClientContext, _ *codec.Args) (any, error) {
		return fn(ctx)
	})
}

func Handle1[A, R any](s *Service, name string, fn func(ctx context.Context, a A) (R, error)) {
	s.HandleFunc(name, func(ctx context.Context, _ channel.ClientContext, args *codec.Args) (any, error) {
		a, err := arg[A](args, 0)
		if err != nil {
			return nil, err
		}
		return fn(ctx, a)
	})
}

func Handle2[A, B, R any](s *Service, name string, fn func(ctx context.Context, a A, b B) (R, error)) {
	s.HandleFunc(name, func(ctx context.Context, _ channel.ClientContext, args *codec.Args) (any, error) {
		a, err := arg[A](args, 0)
		if err != nil {
			return nil, err
		}
		b, err := arg[B](args, 1)
		if err != nil {
			return nil, err
		}
		return fn(ctx, a, b)
	})
}

func Handle3[A, B, C, R any](s *Service, name string, fn func(ctx context.Context, a A, b B, c C) (R, error)) {
	s.HandleFunc(name, func(ctx context.Context, _ channel.ClientContext, args *codec.Args) (any, error) {
		a, err := arg[A](args, 0)
		if err != nil {
			return nil, err
		}
		b, err := arg[B](args, 1)
		if err != nil {
			return nil, err
		}
		c, err := arg[C](args, 2)
		if err != nil {
			return nil, err
		}
		return fn(ctx, a, b, c)
	})
}

// EventSource is anything with a subscribe/unsubscribe pair, such as an
// Emitter.
type EventSource[T any] interface {
	Subscribe(fn func(T)) (unsubscribe func())
}

// Expose serves src as event name. Every listen subscribes to src once and
// unsubscribes when the client disposes the listen.
func Expose[T any](s *Service, name string, src EventSource[T]) {
	s.ExposeFunc(name, func(ctx context.Context, _ channel.ClientContext, _ *codec.Args) (<-chan any, error) {
		return forward(ctx, func(push func(any)) func() {
			return src.Subscribe(func(v T) { push(v) })
		}), nil
	})
}

// forward bridges a callback-style source to a channel. Values are queued
// without bound so the source never blocks on a slow client.
func forward(ctx context.Context, subscribe func(push func(any)) func()) <-chan any {
	q := queue.New[any]()
	unsubscribe := subscribe(func(v any) { q.Push(v) })
	out := make(chan any)
	go func() {
		defer close(out)
		defer q.Close()
		defer unsubscribe()
		for {
			v, err := q.Pop(ctx)
			if err != nil {
				return
			}
			select {
			case out <- v:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
