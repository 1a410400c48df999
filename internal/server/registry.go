package server

import (
	"errors"
	"sync"
)

// ErrCapacityExceeded is returned by TryAdmit when the registry is full.
var ErrCapacityExceeded = errors.New("capacity_exceeded")

// Registry is the capacity-bounded set of admitted connections. It is the
// only long-lived owner of *Conn values.
type Registry struct {
	mu       sync.RWMutex
	capacity int
	conns    map[*Conn]struct{}
}

func NewRegistry(capacity int) *Registry {
	return &Registry{
		capacity: capacity,
		conns:    make(map[*Conn]struct{}),
	}
}

// TryAdmit adds c unless the registry is at capacity. The returned count
// includes c.
func (r *Registry) TryAdmit(c *Conn) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c]; ok {
		return len(r.conns), nil
	}
	if len(r.conns) >= r.capacity {
		return len(r.conns), ErrCapacityExceeded
	}
	r.conns[c] = struct{}{}
	return len(r.conns), nil
}

// Remove is idempotent. It reports true only for the call that took the
// registry from non-empty to empty.
func (r *Registry) Remove(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c]; !ok {
		return false
	}
	delete(r.conns, c)
	return len(r.conns) == 0
}

// ForEachOpen calls fn for every admitted connection that is open at the
// time it is visited. fn runs without the registry lock held.
func (r *Registry) ForEachOpen(fn func(*Conn)) {
	for _, c := range r.list() {
		if c.IsOpen() {
			fn(c)
		}
	}
}

func (r *Registry) list() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for c := range r.conns {
		out = append(out, c)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) Capacity() int { return r.capacity }
