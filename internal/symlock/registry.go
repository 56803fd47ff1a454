// Package symlock provides process-wide per-symbol mutual exclusion.
//
// The registry is shared between the execution engine and the stream
// reconciler: both must hold the symbol's lock before mutating exchange or
// persistence state for that symbol.
package symlock

import "sync"

// Registry hands out one mutex per symbol string
type Registry struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRegistry creates an empty lock registry
func NewRegistry() *Registry {
	return &Registry{locks: make(map[string]*sync.Mutex)}
}

func (r *Registry) get(symbol string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[symbol]
	if !ok {
		l = &sync.Mutex{}
		r.locks[symbol] = l
	}
	return l
}

// Lock acquires the symbol's mutex, creating it on first use
func (r *Registry) Lock(symbol string) {
	r.get(symbol).Lock()
}

// Unlock releases the symbol's mutex
func (r *Registry) Unlock(symbol string) {
	r.get(symbol).Unlock()
}
