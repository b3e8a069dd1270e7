package file

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/risa-org/collector/protocol"
	"github.com/risa-org/collector/store/memory"
)

// letter is the JSON structure persisted to disk for each dropped record.
type letter struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	Reason    string          `json:"reason"`
	DroppedAt time.Time       `json:"dropped_at"`
}

// Store is a file-backed dead-letter store. Satisfies session.DeadLetters.
// Letters are persisted to a JSON file and survive restarts, so the next
// run can replay them. Not suitable for several processes sharing a path.
type Store struct {
	mu      sync.RWMutex
	path    string
	letters []memory.Letter
}

// New creates a file-backed store at the given path.
// If the file exists, letters are loaded from it on startup.
// If it doesn't exist, it will be created on first write.
func New(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("failed to load dead letters from %s: %w", path, err)
	}
	return s, nil
}

// Put stores records and flushes to disk before returning.
func (s *Store) Put(records []protocol.Record, reason string) error {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		s.letters = append(s.letters, memory.Letter{Record: r, Reason: reason, DroppedAt: now})
	}
	if err := s.flush(); err != nil {
		return fmt.Errorf("failed to persist dead letters: %w", err)
	}
	return nil
}

// Letters returns a copy of every stored letter in drop order.
func (s *Store) Letters() []memory.Letter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]memory.Letter, len(s.letters))
	copy(out, s.letters)
	return out
}

// Drain removes every letter, truncates the file and returns what was
// stored. On a flush error nothing is removed.
func (s *Store) Drain() ([]memory.Letter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.letters
	s.letters = nil
	if err := s.flush(); err != nil {
		s.letters = out
		return nil, err
	}
	return out, nil
}

// Count returns the number of letters currently stored.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.letters)
}

// load reads letters from the JSON file into memory.
// Called once at startup. If the file doesn't exist, returns nil and the store starts empty.
func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil // fresh start, no file yet
	}
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}

	var stored []letter
	if err := json.Unmarshal(data, &stored); err != nil {
		return err
	}
	for _, l := range stored {
		s.letters = append(s.letters, memory.Letter{
			Record:    protocol.Record{ID: l.ID, Payload: l.Payload},
			Reason:    l.Reason,
			DroppedAt: l.DroppedAt,
		})
	}
	return nil
}

// flush writes the current in-memory state to the JSON file.
// Must be called with the write lock held.
func (s *Store) flush() error {
	stored := make([]letter, len(s.letters))
	for i, l := range s.letters {
		stored[i] = letter{
			ID:        l.Record.ID,
			Payload:   l.Record.Payload,
			Reason:    l.Reason,
			DroppedAt: l.DroppedAt,
		}
	}

	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return err
	}

	// write to a temp file then rename, atomic on most systems
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
