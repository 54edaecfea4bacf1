package client

import "sync"

// A Subscription is the handle returned by Event.Subscribe. Unsubscribe
// detaches the handler; calling it more than once is a no-op.
type Subscription struct {
	once   sync.Once
	cancel func()
}

func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

type handler[T any] struct {
	id uint64
	fn func(T)
}

// Event is a typed fan-out of values to any number of subscribers. The zero
// value is ready to use. Handlers run synchronously on the emitting goroutine
// in subscription order.
type Event[T any] struct {
	mu       sync.Mutex
	nextID   uint64
	handlers []handler[T]
}

// Subscribe registers fn and returns its handle.
func (e *Event[T]) Subscribe(fn func(T)) *Subscription {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.handlers = append(e.handlers, handler[T]{id: id, fn: fn})
	e.mu.Unlock()
	return &Subscription{cancel: func() { e.remove(id) }}
}

func (e *Event[T]) remove(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, h := range e.handlers {
		if h.id == id {
			e.handlers = append(e.handlers[:i:i], e.handlers[i+1:]...)
			return
		}
	}
}

// Len returns the number of live subscriptions.
func (e *Event[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handlers)
}

func (e *Event[T]) emit(v T) {
	e.mu.Lock()
	hs := e.handlers
	e.mu.Unlock()
	for _, h := range hs {
		h.fn(v)
	}
}

func unsubscribeAll(subs []*Subscription) {
	for _, s := range subs {
		s.Unsubscribe()
	}
}
