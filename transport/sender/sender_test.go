package sender

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/risa-org/collector/protocol"
	"github.com/risa-org/collector/transport"
)

// mockAdapter is a minimal transport.Adapter for testing.
// It records sent frames and can be configured to fail.
type mockAdapter struct {
	mu        sync.Mutex
	sent      [][]byte
	failAfter int // fail after N successful sends, -1 means never fail
	closed    bool
	sentCh    chan []byte
}

func newMockAdapter() *mockAdapter {
	return &mockAdapter{failAfter: -1, sentCh: make(chan []byte, 64)}
}

func (m *mockAdapter) Send(msg transport.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || (m.failAfter >= 0 && len(m.sent) >= m.failAfter) {
		return transport.ErrTransportClosed
	}
	m.sent = append(m.sent, msg.Payload)
	m.sentCh <- msg.Payload
	return nil
}

func (m *mockAdapter) Receive() <-chan transport.Message {
	return make(chan transport.Message)
}

func (m *mockAdapter) Disconnected() <-chan transport.DisconnectEvent {
	return make(chan transport.DisconnectEvent)
}

func (m *mockAdapter) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *mockAdapter) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// decoded is the interesting part of one outbound frame.
type decoded struct {
	Action  string
	IDs     []string
	Summary protocol.Summary
}

func decodeFrame(t *testing.T, frame []byte) decoded {
	t.Helper()
	var env struct {
		Command    string `json:"command"`
		Identifier string `json:"identifier"`
		Data       string `json:"data"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		t.Fatalf("frame is not JSON: %v", err)
	}
	var data struct {
		Action        string              `json:"action"`
		Results       []map[string]string `json:"results"`
		ExamplesCount protocol.Summary    `json:"examples_count"`
	}
	if err := json.Unmarshal([]byte(env.Data), &data); err != nil {
		t.Fatalf("data is not JSON: %v", err)
	}
	d := decoded{Action: data.Action, Summary: data.ExamplesCount}
	for _, r := range data.Results {
		d.IDs = append(d.IDs, r["id"])
	}
	return d
}

func rec(id string) protocol.Record {
	r, _ := protocol.NewRecord(id, map[string]string{"id": id})
	return r
}

func next(t *testing.T, m *mockAdapter) decoded {
	t.Helper()
	select {
	case f := <-m.sentCh:
		return decodeFrame(t, f)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return decoded{}
	}
}

// --- Tests ---

func TestSenderDeliversRecordsInOrder(t *testing.T) {
	q := NewQueue()
	adapter := newMockAdapter()
	s := New(q, adapter, Options{Channel: "chan", MaxBatch: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	q.PushRecords(rec("a"))
	q.PushRecords(rec("b"))

	if got := next(t, adapter); got.Action != protocol.ActionRecordResults || got.IDs[0] != "a" {
		t.Errorf("expected first frame for a, got %+v", got)
	}
	if got := next(t, adapter); got.IDs[0] != "b" {
		t.Errorf("expected second frame for b, got %+v", got)
	}
}

func TestSenderCoalescesQueuedRecords(t *testing.T) {
	q := NewQueue()
	q.PushRecords(rec("a"))
	q.PushRecords(rec("b"))
	q.PushRecords(rec("c"))

	adapter := newMockAdapter()
	s := New(q, adapter, Options{Channel: "chan", MaxBatch: 2})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	first := next(t, adapter)
	second := next(t, adapter)
	if len(first.IDs) != 2 || first.IDs[0] != "a" || first.IDs[1] != "b" {
		t.Errorf("expected [a b] in first frame, got %v", first.IDs)
	}
	if len(second.IDs) != 1 || second.IDs[0] != "c" {
		t.Errorf("expected [c] in second frame, got %v", second.IDs)
	}
}

func TestEndOfTransmissionWaitsForEarlierRecords(t *testing.T) {
	q := NewQueue()
	q.PushRecords(rec("a"))
	q.PushEndOfTransmission(protocol.Summary{Examples: 2})
	// a retransmission arriving after the barrier was armed still goes first
	q.PushRecords(rec("b"))

	adapter := newMockAdapter()
	s := New(q, adapter, Options{Channel: "chan", MaxBatch: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	var actions []string
	for i := 0; i < 3; i++ {
		actions = append(actions, next(t, adapter).Action)
	}
	want := []string{protocol.ActionRecordResults, protocol.ActionRecordResults, protocol.ActionEndOfTransmission}
	for i := range want {
		if actions[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, actions)
		}
	}
}

func TestSendFailureClosesAdapterAndReports(t *testing.T) {
	q := NewQueue()
	adapter := newMockAdapter()
	adapter.failAfter = 1

	var failed []Action
	var mu sync.Mutex
	s := New(q, adapter, Options{
		Channel:  "chan",
		MaxBatch: 1,
		OnFailed: func(a Action, err error) {
			mu.Lock()
			failed = append(failed, a)
			mu.Unlock()
		},
	})

	q.PushRecords(rec("a"), rec("b"))

	err := s.Run(context.Background())
	if !errors.Is(err, transport.ErrTransportClosed) {
		t.Fatalf("expected ErrTransportClosed, got %v", err)
	}
	if !adapter.isClosed() {
		t.Error("expected adapter to be closed after a failed send")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(failed) != 1 || failed[0].Records[0].ID != "b" {
		t.Errorf("expected failure report for b, got %+v", failed)
	}
}

func TestOnSentSeesEndOfTransmission(t *testing.T) {
	q := NewQueue()
	adapter := newMockAdapter()

	sent := make(chan Action, 4)
	s := New(q, adapter, Options{Channel: "chan", OnSent: func(a Action) { sent <- a }})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	q.PushEndOfTransmission(protocol.Summary{Examples: 7, Failed: 1})

	select {
	case a := <-sent:
		if a.Kind != KindEndOfTransmission || a.Summary.Examples != 7 {
			t.Errorf("unexpected action %+v", a)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnSent")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	q := NewQueue()
	s := New(q, newMockAdapter(), Options{Channel: "chan"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestAccessors(t *testing.T) {
	q := NewQueue()
	adapter := newMockAdapter()
	s := New(q, adapter, Options{})

	if s.Queue() != q {
		t.Error("expected Queue() to return the underlying queue")
	}
	if s.Adapter() != adapter {
		t.Error("expected Adapter() to return the underlying adapter")
	}
}
