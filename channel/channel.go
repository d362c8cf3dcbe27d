// Package channel defines what a server exposes: named channels, each backed
// by a Handler that answers calls and produces event streams.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"mini-ipc/codec"
)

// ClientContext identifies the peer a request came from.
type ClientContext struct {
	ClientID   string
	RemoteAddr string
}

// Handler services the requests for one channel.
//
// Call runs one command. ctx is cancelled once nobody waits for the result
// any more; handlers should stop early when it is done, but are not forced to.
//
// Listen starts an event stream. The handler sends values on the returned
// channel and closes it when the stream ends. Once ctx is done the handler
// must stop sending and close the channel; nothing reads it any more.
type Handler interface {
	Call(ctx context.Context, cc ClientContext, command string, args *codec.Args) (any, error)
	Listen(ctx context.Context, cc ClientContext, event string, args *codec.Args) (<-chan any, error)
}

// Request is one call as seen by the middleware chain.
type Request struct {
	Client    ClientContext
	RequestID uint32
	Channel   string
	Command   string
	Args      *codec.Args
}

var ErrDuplicateChannel = errors.New("channel: already registered")

// Registry maps channel names to handlers. Lookups are safe while handlers
// are being registered.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(name string, h Handler) error {
	if name == "" {
		return errors.New("channel: empty channel name")
	}
	if h == nil {
		return fmt.Errorf("channel: nil handler for %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateChannel, name)
	}
	r.handlers[name] = h
	return nil
}

// Unregister removes name. Requests already dispatched to it keep running.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handlers[name]
	delete(r.handlers, name)
	return ok
}

func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered channel names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}
