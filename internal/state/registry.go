package state

import (
	"sort"
	"sync"
	"time"

	"github.com/weftlabs/weft/domain"
)

// StatsDelta is an optimistic bump applied to a session's UI metadata.
type StatsDelta struct {
	Title         string // applied only when the session has no title yet
	LastMessageAt time.Time
	CountDelta    int
}

// Registry holds the session list the UI renders: authoritative rows
// from the feed merged with locally created optimistic rows.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*domain.Session
	current  string

	onChange func()
}

// NewRegistry creates an empty registry. onChange, when non-nil, runs
// outside the lock after every mutation.
func NewRegistry(onChange func()) *Registry {
	return &Registry{
		sessions: make(map[string]*domain.Session),
		onChange: onChange,
	}
}

func (r *Registry) notify() {
	if r.onChange != nil {
		r.onChange()
	}
}

// SetSessions replaces the registry from an authoritative list. Local
// optimistic sessions absent from the list are retained; an
// authoritative row with a matching id clears the optimistic flag.
func (r *Registry) SetSessions(list []domain.Session) {
	r.mu.Lock()
	next := make(map[string]*domain.Session, len(list))
	for i := range list {
		sess := list[i]
		sess.Optimistic = false
		next[sess.SessionID] = &sess
	}
	for id, sess := range r.sessions {
		if _, ok := next[id]; !ok && sess.Optimistic {
			next[id] = sess
		}
	}
	r.sessions = next
	if _, ok := r.sessions[r.current]; !ok {
		r.current = ""
	}
	r.mu.Unlock()
	r.notify()
}

// Upsert inserts or replaces one session.
func (r *Registry) Upsert(sess domain.Session) {
	r.mu.Lock()
	r.sessions[sess.SessionID] = &sess
	r.mu.Unlock()
	r.notify()
}

// Remove deletes a session. Removing the current session unsets the
// selection.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	_, existed := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	if r.current == sessionID {
		r.current = ""
	}
	r.mu.Unlock()
	if existed {
		r.notify()
	}
}

// BumpStats applies an optimistic UI bump: recency, message count and,
// for untitled sessions, a title. Unknown sessions are ignored.
func (r *Registry) BumpStats(sessionID string, delta StatsDelta) {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if delta.Title != "" && sess.Title == "" {
		sess.Title = delta.Title
	}
	if !delta.LastMessageAt.IsZero() {
		sess.LastMessageAt = delta.LastMessageAt
	}
	sess.MessageCount += delta.CountDelta
	r.mu.Unlock()
	r.notify()
}

// SetCurrent selects a session; the empty string unsets the selection.
func (r *Registry) SetCurrent(sessionID string) {
	r.mu.Lock()
	changed := r.current != sessionID
	r.current = sessionID
	r.mu.Unlock()
	if changed {
		r.notify()
	}
}

// Current returns the selected session, if any.
func (r *Registry) Current() (domain.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[r.current]
	if !ok {
		return domain.Session{}, false
	}
	return *sess, true
}

// CurrentID returns the selected session id, or "".
func (r *Registry) CurrentID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Get returns one session by id.
func (r *Registry) Get(sessionID string) (domain.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return domain.Session{}, false
	}
	return *sess, true
}

// List returns the sessions sorted by last activity, most recent first,
// ids ascending on ties.
func (r *Registry) List() []domain.Session {
	r.mu.RLock()
	out := make([]domain.Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, *sess)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}
