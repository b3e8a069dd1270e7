package sender

import (
	"context"
	"fmt"

	"github.com/risa-org/collector/transport"
)

// Sender drains a Queue onto one transport Adapter.
//
// A Sender is bound to a single connection epoch. When the session
// reconnects it stops the old Sender and starts a new one on the new
// Adapter, so frames always go to the current socket. The Queue outlives
// every Sender.
type Sender struct {
	queue   *Queue
	adapter transport.Adapter
	opts    Options
}

// Options configures a Sender.
type Options struct {
	// Channel is the subscription identifier stamped on every frame.
	Channel string

	// MaxBatch caps how many records go into one frame. <= 0 means no cap.
	MaxBatch int

	// OnSent runs after an action was handed to the transport.
	OnSent func(Action)

	// OnFailed runs when the transport refused an action. The action is
	// gone from the queue; the owner decides whether to re-arm it.
	OnFailed func(Action, error)
}

// New creates a Sender that pops from queue and writes to adapter.
func New(queue *Queue, adapter transport.Adapter, opts Options) *Sender {
	return &Sender{queue: queue, adapter: adapter, opts: opts}
}

// Run pops one action at a time and sends it until ctx is cancelled or
// a send fails. A failed send closes the adapter so its read loop reports
// the disconnect; Run never drives reconnection itself.
func (s *Sender) Run(ctx context.Context) error {
	for {
		action, err := s.queue.Pop(ctx, s.opts.MaxBatch)
		if err != nil {
			return err
		}

		frame, err := action.Encode(s.opts.Channel)
		if err != nil {
			// payloads are validated on write, so this is a programming error
			s.fail(action, fmt.Errorf("sender: encode %s: %w", action.Kind, err))
			continue
		}

		if err := s.adapter.Send(transport.Message{Payload: frame}); err != nil {
			s.fail(action, err)
			s.adapter.Close()
			return err
		}

		if s.opts.OnSent != nil {
			s.opts.OnSent(action)
		}
	}
}

func (s *Sender) fail(action Action, err error) {
	if s.opts.OnFailed != nil {
		s.opts.OnFailed(action, err)
	}
}

// Queue returns the queue this Sender drains.
func (s *Sender) Queue() *Queue {
	return s.queue
}

// Adapter returns the transport this Sender writes to.
func (s *Sender) Adapter() transport.Adapter {
	return s.adapter
}
