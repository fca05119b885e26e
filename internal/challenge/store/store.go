// Package store holds the outstanding challenges of the running process, keyed by entity.
package store

import (
	"errors"
	"sync"

	"captcha-gate/internal/challenge/domain"
)

// ErrExists is returned by Add when the entity already has an issued challenge.
var ErrExists = errors.New("challenge store: entity already has an outstanding challenge")

// Store is the set of outstanding challenges.
type Store interface {
	// Add registers ch under its key. Fails with ErrExists if an issued challenge is already
	// registered for the same entity; a resolved leftover is replaced.
	Add(ch *domain.Challenge) error
	// Get returns the challenge registered for key, if any.
	Get(key domain.Key) (*domain.Challenge, bool)
	// Delete removes the entry for key only if it is ch. Reports whether it removed anything.
	Delete(key domain.Key, ch *domain.Challenge) bool
	Len() int
	List() []*domain.Challenge
}

// MemoryStore is an in-memory Store implementation.
type MemoryStore struct {
	mu sync.RWMutex
	m  map[domain.Key]*domain.Challenge
}

// NewMemoryStore returns an empty in-memory challenge store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: make(map[domain.Key]*domain.Challenge)}
}

func (s *MemoryStore) Add(ch *domain.Challenge) error {
	key := ch.Key()
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.m[key]; ok && existing.State() == domain.StateIssued {
		return ErrExists
	}
	s.m[key] = ch
	return nil
}

func (s *MemoryStore) Get(key domain.Key) (*domain.Challenge, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.m[key]
	return ch, ok
}

func (s *MemoryStore) Delete(key domain.Key, ch *domain.Challenge) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.m[key]; !ok || existing != ch {
		return false
	}
	delete(s.m, key)
	return true
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

// List returns a snapshot of the registered challenges in no particular order.
func (s *MemoryStore) List() []*domain.Challenge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Challenge, 0, len(s.m))
	for _, ch := range s.m {
		out = append(out, ch)
	}
	return out
}
