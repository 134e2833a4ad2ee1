package playback

import "sync"

// Registry maps session IDs to their stream states. It only guards the map
// itself; serializing mutation of an individual StreamState is the engine's
// job via the state's own mutex.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*StreamState
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*StreamState)}
}

// GetOrNone returns the state for a session, if one exists.
func (r *Registry) GetOrNone(sessionID string) (*StreamState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.sessions[sessionID]
	return st, ok
}

// CreateIfAbsent returns the existing state for a session or creates one.
// The second return reports whether a new state was created.
func (r *Registry) CreateIfAbsent(sessionID string) (*StreamState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.sessions[sessionID]; ok {
		return st, false
	}
	st := newStreamState(sessionID)
	r.sessions[sessionID] = st
	return st, true
}

// Remove drops a session's state from the registry. Removing an absent
// session is a no-op.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

// Has reports whether a session currently has a state.
func (r *Registry) Has(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[sessionID]
	return ok
}

// ActiveSessions returns the IDs of all registered sessions.
func (r *Registry) ActiveSessions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}
