package memory

import (
	"sync"
	"time"

	"github.com/risa-org/collector/protocol"
)

// Letter is one record the session gave up on.
type Letter struct {
	Record    protocol.Record
	Reason    string
	DroppedAt time.Time
}

// Store is a thread-safe in-memory dead-letter store.
// Satisfies session.DeadLetters. Letters are lost when the process exits,
// use store/file when a later run should replay them.
type Store struct {
	mu      sync.RWMutex
	letters []Letter
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{}
}

// Put stores records with the reason they were dropped.
func (s *Store) Put(records []protocol.Record, reason string) error {
	now := time.Now()
	s.mu.Lock()
	for _, r := range records {
		s.letters = append(s.letters, Letter{Record: r, Reason: reason, DroppedAt: now})
	}
	s.mu.Unlock()
	return nil
}

// Letters returns a copy of every stored letter in drop order.
func (s *Store) Letters() []Letter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Letter, len(s.letters))
	copy(out, s.letters)
	return out
}

// Drain removes and returns every stored letter.
func (s *Store) Drain() []Letter {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.letters
	s.letters = nil
	return out
}

// Count returns the number of letters currently in the store.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.letters)
}
