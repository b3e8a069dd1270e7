package memory

import (
	"sync"
	"testing"

	"github.com/risa-org/collector/protocol"
)

func record(id string) protocol.Record {
	return protocol.Record{ID: id, Payload: []byte(`{"id":"` + id + `"}`)}
}

func TestPutAndLetters(t *testing.T) {
	s := New()
	if err := s.Put([]protocol.Record{record("a"), record("b")}, "close_timeout"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	letters := s.Letters()
	if len(letters) != 2 {
		t.Fatalf("expected 2 letters, got %d", len(letters))
	}
	if letters[0].Record.ID != "a" || letters[1].Record.ID != "b" {
		t.Errorf("expected drop order a, b, got %s, %s", letters[0].Record.ID, letters[1].Record.ID)
	}
	if letters[0].Reason != "close_timeout" {
		t.Errorf("expected reason close_timeout, got %s", letters[0].Reason)
	}
	if letters[0].DroppedAt.IsZero() {
		t.Error("expected DroppedAt to be set")
	}
}

func TestDrainEmptiesStore(t *testing.T) {
	s := New()
	s.Put([]protocol.Record{record("a")}, "reconnect_failed")

	if got := s.Drain(); len(got) != 1 {
		t.Fatalf("expected 1 drained letter, got %d", len(got))
	}
	if s.Count() != 0 {
		t.Errorf("expected empty store after drain, got %d", s.Count())
	}
}

func TestConcurrentPut(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Put([]protocol.Record{record("x")}, "close_timeout")
		}()
	}
	wg.Wait()

	if s.Count() != 50 {
		t.Errorf("expected 50 letters, got %d", s.Count())
	}
}
