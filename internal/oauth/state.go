package oauth

import (
	"sync"
	"time"
)

// DefaultStateTTL bounds how long an authorization attempt may take.
const DefaultStateTTL = 10 * time.Minute

type stateEntry struct {
	ownerID   string
	expiresAt time.Time
}

// StateStore binds single-use OAuth state tokens to owners.
type StateStore struct {
	mu     sync.Mutex
	states map[string]stateEntry
	ttl    time.Duration
	now    func() time.Time
}

// NewStateStore creates a store whose entries live for ttl.
func NewStateStore(ttl time.Duration) *StateStore {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &StateStore{states: make(map[string]stateEntry), ttl: ttl, now: time.Now}
}

// Bind records that state was issued to ownerID.
func (s *StateStore) Bind(state, ownerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state] = stateEntry{ownerID: ownerID, expiresAt: s.now().Add(s.ttl)}
}

// Consume removes state and reports whether it was issued to ownerID and is
// still valid. A state can be consumed only once.
func (s *StateStore) Consume(state, ownerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.states[state]
	if !ok {
		return false
	}
	delete(s.states, state)
	return e.ownerID == ownerID && s.now().Before(e.expiresAt)
}

// Sweep drops expired states.
func (s *StateStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for k, e := range s.states {
		if !now.Before(e.expiresAt) {
			delete(s.states, k)
			removed++
		}
	}
	return removed
}
