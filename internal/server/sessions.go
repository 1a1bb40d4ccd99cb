package server

import (
	"sync"

	"github.com/MarcoPoloResearchLab/cedars/internal/adjudication"
)

// SessionRegistry holds the in-memory review session of each reviewer.
// Calls for the same reviewer are serialized.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*reviewerSession
}

type reviewerSession struct {
	mu    sync.Mutex
	state *adjudication.SessionState
}

// NewSessionRegistry returns an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*reviewerSession)}
}

func (r *SessionRegistry) slot(reviewer string) *reviewerSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[reviewer]
	if !ok {
		session = &reviewerSession{}
		r.sessions[reviewer] = session
	}
	return session
}

// With runs fn with the reviewer's current state, which is nil when the reviewer
// has no session. The state fn returns replaces the stored one; inactive states
// are dropped.
func (r *SessionRegistry) With(reviewer string, fn func(*adjudication.SessionState) (*adjudication.SessionState, error)) error {
	session := r.slot(reviewer)
	session.mu.Lock()
	defer session.mu.Unlock()
	next, err := fn(session.state)
	if next.Active() {
		session.state = next
	} else {
		session.state = nil
	}
	return err
}

// Active returns a copy of the reviewer's active state.
func (r *SessionRegistry) Active(reviewer string) (adjudication.SessionState, bool) {
	session := r.slot(reviewer)
	session.mu.Lock()
	defer session.mu.Unlock()
	if !session.state.Active() {
		return adjudication.SessionState{}, false
	}
	return *session.state, true
}

// Drain removes every session and returns the states that were still active.
func (r *SessionRegistry) Drain() []*adjudication.SessionState {
	r.mu.Lock()
	sessions := make([]*reviewerSession, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	r.mu.Unlock()

	var drained []*adjudication.SessionState
	for _, session := range sessions {
		session.mu.Lock()
		if session.state.Active() {
			drained = append(drained, session.state)
		}
		session.state = nil
		session.mu.Unlock()
	}
	return drained
}
