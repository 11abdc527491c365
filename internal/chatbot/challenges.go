package chatbot

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fitcast/backend/internal/apperr"
	"github.com/fitcast/backend/internal/models"
)

const (
	DefaultChallengeTTL  = 5 * time.Minute
	DefaultChallengeReps = 10
	DefaultMaxReps       = 100

	// DefaultCompletionWindow is how long an accepted challenge stays open.
	DefaultCompletionWindow = 30 * time.Minute
)

// ChallengeStore holds viewer challenges for every owner. Expiry is derived
// from the clock on read; GC removes challenges that reached a final state.
type ChallengeStore struct {
	mu         sync.Mutex
	byID       map[uuid.UUID]*models.Challenge
	ttl        time.Duration
	completion time.Duration
	maxReps    int
	now        func() time.Time
}

// NewChallengeStore creates a store. Zero values pick the defaults.
func NewChallengeStore(ttl time.Duration, maxReps int) *ChallengeStore {
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	if maxReps <= 0 {
		maxReps = DefaultMaxReps
	}
	return &ChallengeStore{
		byID:       make(map[uuid.UUID]*models.Challenge),
		ttl:        ttl,
		completion: DefaultCompletionWindow,
		maxReps:    maxReps,
		now:        time.Now,
	}
}

// SetCompletionWindow sets how long an accepted challenge may take before it
// expires. Non-positive values are ignored.
func (s *ChallengeStore) SetCompletionWindow(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completion = d
}

// SetClock overrides the time source.
func (s *ChallengeStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// TTL returns how long a challenge stays pending.
func (s *ChallengeStore) TTL() time.Duration { return s.ttl }

// MaxReps is the largest accepted repetition target.
func (s *ChallengeStore) MaxReps() int { return s.maxReps }

// Create records a pending reps challenge. reps is clamped to [1, MaxReps];
// zero picks DefaultChallengeReps. A challenger may have one open challenge
// per owner.
func (s *ChallengeStore) Create(ownerID, channel, challengerID, challengerName string, reps int) (models.Challenge, error) {
	if ownerID == "" || challengerID == "" {
		return models.Challenge{}, apperr.Validation("owner and challenger are required")
	}
	switch {
	case reps == 0:
		reps = DefaultChallengeReps
	case reps < 1:
		reps = 1
	case reps > s.maxReps:
		reps = s.maxReps
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, c := range s.byID {
		if c.TargetOwnerID == ownerID && c.ChallengerID == challengerID && !c.StatusAt(now).Terminal() {
			return models.Challenge{}, apperr.Validation("you already have an open challenge")
		}
	}
	c := &models.Challenge{
		ID:             uuid.New(),
		ChallengerID:   challengerID,
		ChallengerName: challengerName,
		TargetOwnerID:  ownerID,
		Channel:        channel,
		Type:           models.ChallengeReps,
		Target:         reps,
		Status:         models.ChallengePending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.ttl),
	}
	s.byID[c.ID] = c
	return *c, nil
}

// Get returns the challenge with its effective status.
func (s *ChallengeStore) Get(id uuid.UUID) (models.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return models.Challenge{}, apperr.NotFound("challenge not found")
	}
	return s.viewLocked(c), nil
}

// Respond accepts or declines a pending challenge on behalf of its owner.
// Accepting starts the completion window.
func (s *ChallengeStore) Respond(ownerID string, id uuid.UUID, accept bool) (models.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.ownedLocked(ownerID, id)
	if err != nil {
		return models.Challenge{}, err
	}
	now := s.now()
	if st := c.StatusAt(now); st != models.ChallengePending {
		return s.viewLocked(c), apperr.Validation("challenge is " + string(st))
	}
	if accept {
		c.Status = models.ChallengeAccepted
		c.ExpiresAt = now.Add(s.completion)
	} else {
		c.Status = models.ChallengeDeclined
	}
	return *c, nil
}

// Progress adds reps to an accepted challenge, completing it at target.
func (s *ChallengeStore) Progress(ownerID string, id uuid.UUID, amount int) (models.Challenge, error) {
	if amount <= 0 {
		return models.Challenge{}, apperr.Validation("progress must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.ownedLocked(ownerID, id)
	if err != nil {
		return models.Challenge{}, err
	}
	if c.StatusAt(s.now()) != models.ChallengeAccepted {
		return s.viewLocked(c), apperr.Validation("only accepted challenges take progress")
	}
	c.Current += amount
	if c.Current >= c.Target {
		c.Current = c.Target
		c.Status = models.ChallengeCompleted
	}
	return *c, nil
}

// List returns the owner's challenges, newest first, with effective statuses.
func (s *ChallengeStore) List(ownerID string) []models.Challenge {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Challenge
	for _, c := range s.byID {
		if c.TargetOwnerID == ownerID {
			out = append(out, s.viewLocked(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// ActiveCount counts the owner's unexpired pending and accepted challenges.
func (s *ChallengeStore) ActiveCount(ownerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for _, c := range s.byID {
		if c.TargetOwnerID == ownerID && !c.StatusAt(now).Terminal() {
			n++
		}
	}
	return n
}

// Clear drops every open challenge of the owner and returns how many went.
func (s *ChallengeStore) Clear(ownerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for id, c := range s.byID {
		if c.TargetOwnerID == ownerID && !c.StatusAt(now).Terminal() {
			delete(s.byID, id)
			n++
		}
	}
	return n
}

// RemoveOwner drops all of the owner's challenges.
func (s *ChallengeStore) RemoveOwner(ownerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.byID {
		if c.TargetOwnerID == ownerID {
			delete(s.byID, id)
		}
	}
}

// GC removes challenges in a final state and returns how many were removed.
func (s *ChallengeStore) GC() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for id, c := range s.byID {
		if c.StatusAt(now).Terminal() {
			delete(s.byID, id)
			n++
		}
	}
	return n
}

// Len returns the number of stored challenges.
func (s *ChallengeStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

func (s *ChallengeStore) ownedLocked(ownerID string, id uuid.UUID) (*models.Challenge, error) {
	c, ok := s.byID[id]
	if !ok || c.TargetOwnerID != ownerID {
		return nil, apperr.NotFound("challenge not found")
	}
	return c, nil
}

func (s *ChallengeStore) viewLocked(c *models.Challenge) models.Challenge {
	out := *c
	out.Status = c.StatusAt(s.now())
	return out
}
