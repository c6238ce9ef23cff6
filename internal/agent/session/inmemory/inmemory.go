package inmemory

import (
	"sync"
	"time"

	"github.com/cliplens/cliplens/internal/agent/session"
)

// Store is a process-lifetime session store. Sessions are ephemeral: the
// orchestrator clears them on exit, and anything left behind is dropped by
// the TTL sweep on access.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]map[string]session.State
	ttl      time.Duration
	now      func() time.Time
}

// NewStore creates an in-memory session store. ttl <= 0 disables expiry.
func NewStore(ttl time.Duration) *Store {
	return &Store{
		sessions: make(map[string]map[string]session.State),
		ttl:      ttl,
		now:      time.Now,
	}
}

func (s *Store) Get(sessionID, backendID string) (session.State, bool) {
	s.mu.RLock()
	backends, ok := s.sessions[sessionID]
	if !ok {
		s.mu.RUnlock()
		return session.State{}, false
	}
	st, ok := backends[backendID]
	s.mu.RUnlock()
	if !ok {
		return session.State{}, false
	}
	if s.ttl > 0 && s.now().Sub(st.UpdatedAt) > s.ttl {
		s.mu.Lock()
		delete(s.sessions[sessionID], backendID)
		s.mu.Unlock()
		return session.State{}, false
	}
	return st, true
}

func (s *Store) Set(sessionID, backendID string, st session.State) {
	st.UpdatedAt = s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	backends, ok := s.sessions[sessionID]
	if !ok {
		backends = make(map[string]session.State)
		s.sessions[sessionID] = backends
	}
	backends[backendID] = st
}

func (s *Store) Clear(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}
