package session

import (
	"context"
	"sort"
	"sync"

	"github.com/risa-org/collector/protocol"
)

// tracked is a record held until the service confirms it.
type tracked struct {
	seq    uint64 // write order, so retransmissions keep producer order
	record protocol.Record
}

// Tracker is the set of records that were handed to the sender but not yet
// confirmed. A record leaves the set only on an explicit confirmation naming
// it or when the whole set is flushed at close; never speculatively.
type Tracker struct {
	mu      sync.Mutex
	nextSeq uint64
	pending map[string]tracked

	// empty is closed whenever pending is empty and replaced with a fresh
	// channel when the first record arrives. Waiters grab the current
	// channel under mu, so they wake exactly on the transition to empty.
	empty chan struct{}
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	empty := make(chan struct{})
	close(empty)
	return &Tracker{
		nextSeq: 1,
		pending: make(map[string]tracked),
		empty:   empty,
	}
}

// Track inserts rec and calls enqueue while still holding the lock, so a
// confirmation can never be processed between the insert and the enqueue.
// Tracking an id that is already pending replaces its payload.
func (t *Tracker) Track(rec protocol.Record, enqueue func(protocol.Record)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.pending) == 0 {
		t.empty = make(chan struct{})
	}
	t.pending[rec.ID] = tracked{seq: t.nextSeq, record: rec}
	t.nextSeq++

	if enqueue != nil {
		enqueue(rec)
	}
}

// Confirm removes every id it knows and returns how many were removed.
// Unknown ids (duplicates, confirmations after a flush) are ignored.
func (t *Tracker) Confirm(ids []string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.pending) == 0 {
		return 0
	}
	removed := 0
	for _, id := range ids {
		if _, ok := t.pending[id]; ok {
			delete(t.pending, id)
			removed++
		}
	}
	if removed > 0 && len(t.pending) == 0 {
		close(t.empty)
	}
	return removed
}

// Count returns how many records are awaiting confirmation.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// snapshot returns every pending record in write order.
func (t *Tracker) snapshot() []protocol.Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Requeue hands a snapshot of every pending record to fn while holding the
// lock, so no Track can interleave between the snapshot and whatever fn
// does with the queue.
func (t *Tracker) Requeue(fn func([]protocol.Record)) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	records := t.snapshotLocked()
	fn(records)
	return len(records)
}

// Flush removes and returns every pending record in write order.
func (t *Tracker) Flush() []protocol.Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	records := t.snapshotLocked()
	if len(t.pending) > 0 {
		t.pending = make(map[string]tracked)
		close(t.empty)
	}
	return records
}

// WaitEmpty blocks until the set is empty or ctx is done, and reports
// whether it became empty. An already empty set returns immediately.
func (t *Tracker) WaitEmpty(ctx context.Context) bool {
	t.mu.Lock()
	if len(t.pending) == 0 {
		t.mu.Unlock()
		return true
	}
	empty := t.empty
	t.mu.Unlock()

	select {
	case <-empty:
		return true
	case <-ctx.Done():
		return false
	}
}

func (t *Tracker) snapshotLocked() []protocol.Record {
	entries := make([]tracked, 0, len(t.pending))
	for _, e := range t.pending {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].seq < entries[j].seq
	})
	records := make([]protocol.Record, len(entries))
	for i, e := range entries {
		records[i] = e.record
	}
	return records
}
