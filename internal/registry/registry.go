// Package registry tracks which live connection is bound to which identity.
// It holds no durable state; a restarted process starts empty.
package registry

import (
	"sync"

	"github.com/christopherjohns/minix/internal/feed"
)

type session struct {
	conn       feed.Conn
	identityID string
}

// Registry maps live connections to the identity they logged in as.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]session
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		sessions: make(map[string]session),
	}
}

// Register binds conn to identityID, replacing any previous binding for the
// same connection. Callers are responsible for checking uniqueness first.
func (r *Registry) Register(conn feed.Conn, identityID string) {
	r.mu.Lock()
	r.sessions[conn.ID()] = session{conn: conn, identityID: identityID}
	r.mu.Unlock()
}

// IsIdentityConnected reports whether any live connection is bound to identityID.
func (r *Registry) IsIdentityConnected(identityID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.identityID == identityID {
			return true
		}
	}
	return false
}

// Lookup returns the identity bound to the connection, if it has logged in.
func (r *Registry) Lookup(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[connID]
	return s.identityID, ok
}

// Unregister removes the connection. Unknown connections are ignored.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	delete(r.sessions, connID)
	r.mu.Unlock()
}

// Connections returns a snapshot of every registered connection.
func (r *Registry) Connections() []feed.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]feed.Conn, 0, len(r.sessions))
	for _, s := range r.sessions {
		conns = append(conns, s.conn)
	}
	return conns
}

// Count returns the number of logged-in connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
