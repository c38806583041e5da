// Package server tracks the (username, room) binding of each live connection
// via the SessionRegistry type.
package server

import "sync"

// Session binds a connection handle to a username and the room it joined.
type Session struct {
	Username string
	Room     string
}

// SessionRegistry is a concurrency-safe lookup table from connection handle
// to session. There is at most one session per handle; an absent entry is a
// valid state (before join, or during a disconnect race). The registry has no
// background behavior.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[Handle]Session
}

// NewSessionRegistry creates an empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[Handle]Session),
	}
}

// Put inserts or silently replaces the session for the given handle.
func (r *SessionRegistry) Put(handle Handle, username, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[handle] = Session{Username: username, Room: room}
}

// Get returns the session for the given handle, if one exists.
func (r *SessionRegistry) Get(handle Handle) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[handle]
	return session, ok
}

// Remove deletes and returns the session for the given handle, atomically
// with respect to concurrent lookups. Removing an absent handle is a no-op.
func (r *SessionRegistry) Remove(handle Handle) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[handle]
	if ok {
		delete(r.sessions, handle)
	}
	return session, ok
}

// Len returns the number of registered sessions.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
