// Package hook provides an ordered, multi-listener callback list. It backs
// the node manager's connection-created and connection-lost events and the
// container watcher's event stream, so observers can subscribe without the
// publishing package importing them directly.
package hook

import "sync"

// Hook is an ordered list of callbacks, all invoked in registration order
// on Fire. Hook is safe for concurrent use.
type Hook[T any] struct {
	mu        sync.Mutex
	callbacks []func(T)
}

// New creates an empty Hook.
func New[T any]() *Hook[T] {
	return &Hook[T]{}
}

// Add appends callback to the list and returns its index in registration
// order. A registered callback cannot be removed; Hook has no Remove.
func (h *Hook[T]) Add(callback func(T)) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.callbacks = append(h.callbacks, callback)
	return len(h.callbacks) - 1
}

// Fire invokes every registered callback, in registration order, with arg.
// Callbacks run synchronously on the calling goroutine; a slow callback
// delays the rest.
func (h *Hook[T]) Fire(arg T) {
	h.mu.Lock()
	callbacks := make([]func(T), len(h.callbacks))
	copy(callbacks, h.callbacks)
	h.mu.Unlock()

	for _, c := range callbacks {
		c(arg)
	}
}

// Len reports the number of currently registered callbacks.
func (h *Hook[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.callbacks)
}
