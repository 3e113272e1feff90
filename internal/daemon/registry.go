// internal/daemon/registry.go
package daemon

import (
	"sync"

	"github.com/user/threadrelay/internal/ipc"
	"github.com/user/threadrelay/internal/types"
)

// Pusher delivers one server-initiated line to a live agent connection.
type Pusher interface {
	Send(resp *ipc.Response) error
}

// Registry maps session ids to their live connections. A session has at most
// one; a re-register replaces the old binding.
type Registry struct {
	mu    sync.RWMutex
	conns map[types.SessionID]Pusher
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[types.SessionID]Pusher),
	}
}

// Bind associates a connection with a session, replacing any previous one.
func (r *Registry) Bind(id types.SessionID, p Pusher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[id] = p
}

// Unbind removes the binding only when p is still the current one, so a
// stale connection closing cannot evict its replacement. Reports whether it
// removed anything.
func (r *Registry) Unbind(id types.SessionID, p Pusher) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[id]; ok && cur == p {
		delete(r.conns, id)
		return true
	}
	return false
}

// Drop removes whatever binding the session has.
func (r *Registry) Drop(id types.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

// Connected reports whether the session has a live connection.
func (r *Registry) Connected(id types.SessionID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[id]
	return ok
}

// Push sends to the session's connection. Reports false when the session has
// no connection or the write failed.
func (r *Registry) Push(id types.SessionID, resp *ipc.Response) bool {
	r.mu.RLock()
	p, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return p.Send(resp) == nil
}

// Len counts live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
