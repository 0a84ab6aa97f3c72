package mcp

import "sync"

// SessionRegistry maps instance IDs to the MCP session that started them.
// Populated when a client calls workflow.start.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // instanceID → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates an instance ID with a session ID, replacing any
// earlier owner.
func (r *SessionRegistry) Register(instanceID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[instanceID] = sessionID
}

// SessionFor returns the session watching the given instance, if any.
func (r *SessionRegistry) SessionFor(instanceID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[instanceID]
	return sid, ok
}

// Remove deletes all instance mappings for the given session ID.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, id)
		}
	}
}

// Len returns the number of watched instances.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
