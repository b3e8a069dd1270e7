package sender

import (
	"context"
	"sync"

	"github.com/risa-org/collector/protocol"
)

// Kind tags a send Action.
type Kind int

const (
	KindRecords           Kind = iota // a batch of test results
	KindEndOfTransmission             // no more records for this run
)

func (k Kind) String() string {
	if k == KindEndOfTransmission {
		return "end_of_transmission"
	}
	return "records"
}

// Action is one unit of work for the sender loop.
type Action struct {
	Kind    Kind
	Records []protocol.Record // KindRecords only
	Summary protocol.Summary  // KindEndOfTransmission only
}

// Encode renders the action as the frame sent on channel.
func (a Action) Encode(channel string) ([]byte, error) {
	if a.Kind == KindEndOfTransmission {
		return protocol.EndOfTransmissionFrame(channel, a.Summary)
	}
	return protocol.RecordResultsFrame(channel, a.Records)
}

// Queue is the ordered, unbounded outbound queue.
//
// End-of-transmission is not a queue item. It is a barrier held beside the
// records: Pop only hands it out once no records are queued, so it can never
// overtake a batch that was enqueued before it, retransmissions included.
type Queue struct {
	mu      sync.Mutex
	records []protocol.Record
	eot     *protocol.Summary
	notify  chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// PushRecords appends records in order.
func (q *Queue) PushRecords(records ...protocol.Record) {
	if len(records) == 0 {
		return
	}
	q.mu.Lock()
	q.records = append(q.records, records...)
	q.mu.Unlock()
	q.wake()
}

// PushEndOfTransmission arms the barrier. Arming it again before it has
// been popped only replaces the summary.
func (q *Queue) PushEndOfTransmission(summary protocol.Summary) {
	q.mu.Lock()
	q.eot = &summary
	q.mu.Unlock()
	q.wake()
}

// Reset drops every queued record and returns how many were dropped.
// The end-of-transmission barrier is left alone.
func (q *Queue) Reset() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.records)
	q.records = nil
	return n
}

// Len returns the number of queued records.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

// EndOfTransmissionPending reports whether the barrier is armed and not yet popped.
func (q *Queue) EndOfTransmissionPending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.eot != nil
}

// Pop blocks until an action is available or ctx is done.
// Consecutive queued records are merged into one batch of at most
// maxRecords; maxRecords <= 0 takes everything queued.
func (q *Queue) Pop(ctx context.Context, maxRecords int) (Action, error) {
	for {
		q.mu.Lock()
		if n := len(q.records); n > 0 {
			if maxRecords > 0 && n > maxRecords {
				n = maxRecords
			}
			batch := make([]protocol.Record, n)
			copy(batch, q.records[:n])
			q.records = q.records[n:]
			if len(q.records) == 0 {
				q.records = nil
			}
			q.mu.Unlock()
			return Action{Kind: KindRecords, Records: batch}, nil
		}
		if q.eot != nil {
			summary := *q.eot
			q.eot = nil
			q.mu.Unlock()
			return Action{Kind: KindEndOfTransmission, Summary: summary}, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Action{}, ctx.Err()
		case <-q.notify:
		}
	}
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
