package call

import "sync"

// Registry is the process-wide mapping from call SID to session. It is the
// only mutable structure shared between calls; all methods are safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Insert registers a session under its call SID. A session with the same SID
// is replaced; callers guarantee SID uniqueness per live call.
func (r *Registry) Insert(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.CallSID] = s
}

// Get returns the session for callSID, or nil.
func (r *Registry) Get(callSID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[callSID]
}

// Remove deletes the session for callSID. Removing an absent SID is a no-op,
// which keeps the idempotent cleanup path simple.
func (r *Registry) Remove(callSID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, callSID)
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Each calls fn for every registered session. The snapshot is taken under
// the lock; fn runs outside it.
func (r *Registry) Each(fn func(*Session)) {
	r.mu.RLock()
	snapshot := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	r.mu.RUnlock()

	for _, s := range snapshot {
		fn(s)
	}
}
