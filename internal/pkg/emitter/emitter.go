/*
Package emitter is a typed publish/subscribe registry keyed by event name.

Handlers are registered with On and removed through the returned Subscription.
Emit calls handlers synchronously in registration order on the caller's goroutine.
*/
package emitter

import (
	"sort"
	"sync"
)

// Emitter dispatches values of type T to handlers subscribed by event name.
// The zero value is ready to use.
type Emitter[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]func(T)
}

// Subscription is a revocable handle for one handler.
type Subscription struct {
	off  func()
	once sync.Once
}

// Off removes the handler. It is safe to call more than once.
func (s *Subscription) Off() {
	if s == nil {
		return
	}
	s.once.Do(s.off)
}

// On registers fn for event.
func (e *Emitter[T]) On(event string, fn func(T)) *Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.subs == nil {
		e.subs = make(map[string]map[uint64]func(T))
	}
	if e.subs[event] == nil {
		e.subs[event] = make(map[uint64]func(T))
	}

	e.nextID++
	id := e.nextID
	e.subs[event][id] = fn

	return &Subscription{off: func() { e.remove(event, id) }}
}

func (e *Emitter[T]) remove(event string, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	handlers, ok := e.subs[event]
	if !ok {
		return
	}

	delete(handlers, id)
	if len(handlers) == 0 {
		delete(e.subs, event)
	}
}

// Emit delivers v to every handler of event. Handlers may subscribe or
// unsubscribe during delivery; the change applies to the next Emit.
func (e *Emitter[T]) Emit(event string, v T) {
	e.mu.RLock()
	handlers := e.subs[event]
	ids := make([]uint64, 0, len(handlers))
	for id := range handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	fns := make([]func(T), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, handlers[id])
	}
	e.mu.RUnlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Count returns the number of handlers registered for event.
func (e *Emitter[T]) Count(event string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs[event])
}
