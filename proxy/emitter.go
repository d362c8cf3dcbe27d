package proxy

import "sync"

// Emitter is an in-process event source. The zero value is ready to use.
type Emitter[T any] struct {
	mu   sync.Mutex
	subs []*func(T)
}

// Subscribe registers fn and returns the function that removes it.
func (e *Emitter[T]) Subscribe(fn func(T)) func() {
	p := &fn
	e.mu.Lock()
	e.subs = append(e.subs, p)
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			for i, s := range e.subs {
				if s == p {
					e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Fire calls every subscriber with v, in subscription order. Subscribers
// added or removed during Fire take effect from the next call.
func (e *Emitter[T]) Fire(v T) {
	e.mu.Lock()
	subs := e.subs
	e.mu.Unlock()
	for _, fn := range subs {
		(*fn)(v)
	}
}

func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

func (e *Emitter[T]) subscribeAny(fn func(any)) func() {
	return e.Subscribe(func(v T) { fn(v) })
}

// anySource lets FromObject expose Emitter fields of any element type.
type anySource interface {
	subscribeAny(fn func(any)) func()
}
