package service

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultChallengeTTL bounds how long a step-up challenge can be answered.
const DefaultChallengeTTL = 5 * time.Minute

// Challenge references an account that passed the password check but still owes a second factor.
type Challenge struct {
	ID        string
	ExpiresAt time.Time
}

type pendingChallenge struct {
	accountID uuid.UUID
	expiresAt time.Time
}

// ChallengeStore keeps step-up challenges in process memory.
type ChallengeStore struct {
	ttl   time.Duration
	now   func() time.Time
	mu    sync.Mutex
	items map[string]pendingChallenge
}

// NewChallengeStore builds a store whose challenges live for ttl (DefaultChallengeTTL when zero).
func NewChallengeStore(ttl time.Duration) *ChallengeStore {
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	return &ChallengeStore{ttl: ttl, now: time.Now, items: make(map[string]pendingChallenge)}
}

// WithClock overrides the time source; used by tests.
func (s *ChallengeStore) WithClock(now func() time.Time) *ChallengeStore {
	s.now = now
	return s
}

// Create registers a new challenge for accountID.
func (s *ChallengeStore) Create(accountID uuid.UUID) Challenge {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, c := range s.items {
		if !now.Before(c.expiresAt) {
			delete(s.items, id)
		}
	}

	c := Challenge{ID: uuid.NewString(), ExpiresAt: now.Add(s.ttl)}
	s.items[c.ID] = pendingChallenge{accountID: accountID, expiresAt: c.ExpiresAt}
	return c
}

// Lookup returns the account bound to a live challenge.
func (s *ChallengeStore) Lookup(id string) (uuid.UUID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.items[id]
	if !ok {
		return uuid.Nil, false
	}
	if !s.now().Before(c.expiresAt) {
		delete(s.items, id)
		return uuid.Nil, false
	}
	return c.accountID, true
}

// Consume removes a live challenge. Only one caller can consume a given challenge.
func (s *ChallengeStore) Consume(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.items[id]
	if !ok {
		return false
	}
	delete(s.items, id)
	return s.now().Before(c.expiresAt)
}

// Len reports the number of stored challenges, expired ones included until the next sweep.
func (s *ChallengeStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}
