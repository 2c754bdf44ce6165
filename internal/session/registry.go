package session

import (
	"sync"

	"github.com/relaybroker/relaybroker/internal/apperr"
)

// Registry is the broker's single source of truth for live sessions.
// Map mutation is guarded by a single exclusive lock, held only long
// enough to insert/delete/lookup — never across I/O (spec.md §7 Shared
// resources).
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	store    Store
}

// NewRegistry builds an empty Registry. store may be a no-op Store when
// Postgres persistence is not configured.
func NewRegistry(store Store) *Registry {
	if store == nil {
		store = NoopStore{}
	}
	return &Registry{sessions: make(map[string]*Session), store: store}
}

// Add registers a newly created session.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	r.store.Upsert(s.Snapshot())
}

// Get looks up a session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// MustGet looks up a session, returning an AppError(CodeUnknownSession) if
// absent.
func (r *Registry) MustGet(id string) (*Session, error) {
	s, ok := r.Get(id)
	if !ok {
		return nil, apperr.New(apperr.CodeUnknownSession, "no such session: "+id)
	}
	return s, nil
}

// List returns a snapshot of every registered session, in no particular
// order; callers that need a stable order should sort by CreatedAt.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

// Remove deletes a session from the registry. It is idempotent.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
	r.store.Delete(id)
}

// PersistSnapshot asks the configured Store to persist the session's
// current metadata, e.g. after a state transition or ownership change.
func (r *Registry) PersistSnapshot(s *Session) {
	r.store.Upsert(s.Snapshot())
}

// snapshotSessions returns the live *Session pointers (not Snapshots), for
// internal use by the orphan sweeper which needs to call Remove on the
// exact instances it just scanned.
func (r *Registry) snapshotSessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
