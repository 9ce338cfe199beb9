// Package correlation matches asynchronous callback events to the live
// streaming session that is waiting for them, keyed by scene identifier.
package correlation

import "sync"

// Registry routes at most one value to the waiter registered under a key.
// Delivery is first-committer-wins: concurrent Deliver calls for the same key
// agree on a single winner, and late deliveries after deregistration report
// that nobody was waiting.
type Registry[T any] struct {
	mu      sync.Mutex
	waiters map[string]chan T
}

// NewRegistry constructs an empty Registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{waiters: make(map[string]chan T)}
}

// Register installs a waiter for key and returns the channel its value will
// arrive on. The channel is buffered for exactly one value so the delivering
// goroutine never blocks on a slow or departed consumer. Registering a key
// that is already present replaces the previous waiter, which will never be
// delivered to.
func (r *Registry[T]) Register(key string) <-chan T {
	ch := make(chan T, 1)
	r.mu.Lock()
	r.waiters[key] = ch
	r.mu.Unlock()
	return ch
}

// Deliver hands v to the waiter registered under key and reports whether one
// was found. The waiter is removed before the send, so a second Deliver for
// the same key finds nothing and returns false.
func (r *Registry[T]) Deliver(key string, v T) bool {
	r.mu.Lock()
	ch, ok := r.waiters[key]
	if ok {
		delete(r.waiters, key)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	ch <- v
	return true
}

// Deregister removes the waiter for key if one is still present. It is safe
// to call whether or not delivery happened, and to call more than once.
func (r *Registry[T]) Deregister(key string) {
	r.mu.Lock()
	delete(r.waiters, key)
	r.mu.Unlock()
}

// Len reports how many keys currently have a waiter registered.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}
