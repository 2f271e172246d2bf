package core

import "sync"

// session is the live record linking an authenticated user to its socket
// and current group context. It exists iff the user has an open,
// authenticated connection.
type session struct {
	peer  *Peer
	group string // group identity; empty means home
}

// Member is one element of a group snapshot.
type Member struct {
	UserID string
	Peer   *Peer
}

// Registry is the in-memory session registry shared by all connection
// workers. A single mutex guards metadata only; no operation performs
// I/O while holding it.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*session)}
}

// Upsert installs or replaces the session for userID with no group
// context. A replaced entry silently supersedes the previous socket
// without closing it; the orphaned worker cleans up on its own via
// RemoveIfOwner.
func (r *Registry) Upsert(userID string, peer *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[userID] = &session{peer: peer}
}

// SetGroup mutates the current group of an existing session. An empty
// groupID clears the context back to home. Returns ErrNoSession when the
// user has no live session.
func (r *Registry) SetGroup(userID, groupID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[userID]
	if !ok {
		return ErrNoSession
	}
	s.group = groupID
	return nil
}

// Remove deletes the session for userID. Idempotent.
func (r *Registry) Remove(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, userID)
}

// RemoveIfOwner deletes the session only while peer still owns it, so a
// superseded connection cannot evict its replacement. Reports whether a
// session was removed.
func (r *Registry) RemoveIfOwner(userID string, peer *Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[userID]
	if !ok || s.peer != peer {
		return false
	}
	delete(r.sessions, userID)
	return true
}

// SnapshotMembers returns the sessions currently viewing groupID, taken
// under one critical section. Callers write to the returned peers after
// the lock is released.
func (r *Registry) SnapshotMembers(groupID string) []Member {
	r.mu.Lock()
	defer r.mu.Unlock()

	var members []Member
	for userID, s := range r.sessions {
		if s.group == groupID && groupID != "" {
			members = append(members, Member{UserID: userID, Peer: s.peer})
		}
	}
	return members
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
