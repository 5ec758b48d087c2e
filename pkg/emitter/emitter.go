// Package emitter delivers values to listeners one at a time, in the order
// they were enqueued, listeners in registration order.
//
// A component mutates its state under its own lock and calls Enqueue before
// releasing it, then calls Drain after unlocking. Enqueue order is therefore
// commit order, even when commits happen on different goroutines. Only one
// goroutine drains at a time; a value enqueued from inside a listener is
// delivered after the current value has reached every listener.
package emitter

import (
	"moff.io/coursewallet/pkg/errors"
	"moff.io/coursewallet/pkg/log"
	"sync"
)

type listener[T any] struct {
	fn      func(T)
	removed bool
}

type Emitter[T any] struct {
	mu        sync.Mutex
	listeners []*listener[T]
	queue     []T
	draining  bool
}

// On registers fn and returns a function that unregisters it. A listener
// removed while a value is being delivered does not receive that value if it
// has not been called yet.
func (e *Emitter[T]) On(fn func(T)) (off func()) {
	l := &listener[T]{fn: fn}
	e.mu.Lock()
	e.listeners = append(e.listeners, l)
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			l.removed = true
			for i, cur := range e.listeners {
				if cur == l {
					e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
					break
				}
			}
		})
	}
}

// Enqueue appends v to the delivery queue without delivering it.
func (e *Emitter[T]) Enqueue(v T) {
	e.mu.Lock()
	e.queue = append(e.queue, v)
	e.mu.Unlock()
}

// Drain delivers queued values until the queue is empty. It returns at once
// when another goroutine, or an outer frame of the same goroutine, is
// already draining; that drainer delivers the values instead.
func (e *Emitter[T]) Drain() {
	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		return
	}
	e.draining = true
	for len(e.queue) > 0 {
		v := e.queue[0]
		var zero T
		e.queue[0] = zero
		e.queue = e.queue[1:]
		listeners := make([]*listener[T], len(e.listeners))
		copy(listeners, e.listeners)
		e.mu.Unlock()

		for _, l := range listeners {
			e.mu.Lock()
			removed := l.removed
			e.mu.Unlock()
			if removed {
				continue
			}
			deliver(l.fn, v)
		}

		e.mu.Lock()
	}
	e.queue = nil
	e.draining = false
	e.mu.Unlock()
}

// Emit is Enqueue followed by Drain.
func (e *Emitter[T]) Emit(v T) {
	e.Enqueue(v)
	e.Drain()
}

// Len returns the number of registered listeners.
func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}

func deliver[T any](fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(errors.ErrorfAndReport("listener panic: %v", r))
		}
	}()
	fn(v)
}
