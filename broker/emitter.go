package broker

import "sync"

// emitter is an ordered observer registry. Listeners are invoked
// synchronously in registration order; listener lifetime is owned by the
// emitting object, so there is no unsubscribe.
type emitter[T any] struct {
	mu  sync.Mutex
	fns []func(T)
}

func (e *emitter[T]) on(fn func(T)) {
	e.mu.Lock()
	e.fns = append(e.fns, fn)
	e.mu.Unlock()
}

func (e *emitter[T]) emit(v T) {
	e.mu.Lock()
	fns := make([]func(T), len(e.fns))
	copy(fns, e.fns)
	e.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}
