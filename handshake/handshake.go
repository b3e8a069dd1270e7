package handshake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/risa-org/collector/protocol"
	"github.com/risa-org/collector/transport"
)

// DefaultTimeout bounds each wait in the exchange.
const DefaultTimeout = 30 * time.Second

var (
	// ErrRejectedSubscription means the service refused the channel.
	ErrRejectedSubscription = errors.New("handshake: subscription rejected")

	// ErrTimeout means an expected message did not arrive in time.
	ErrTimeout = errors.New("handshake: timed out")
)

// Stage names the step a handshake failed at, for logs.
type Stage string

const (
	StageWelcome   Stage = "welcome"
	StageSubscribe Stage = "subscribe"
)

// Error reports which stage failed and why.
type Error struct {
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("handshake %s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Perform runs the channel handshake on a freshly dialed connection.
//
// Steps:
//  1. Wait for welcome
//  2. Send subscribe for channel
//  3. Wait for confirm_subscription naming channel, or reject_subscription
//
// events carries the handshake messages the connection owner routes out
// of its read loop (welcome, confirm_subscription, reject_subscription).
// Each wait is bounded by timeout; zero means DefaultTimeout.
func Perform(ctx context.Context, conn transport.Adapter, events <-chan protocol.Inbound, channel string, timeout time.Duration) error {
	if err := AwaitWelcome(ctx, events, timeout); err != nil {
		return err
	}
	return Subscribe(ctx, conn, events, channel, timeout)
}

// AwaitWelcome is step 1 of Perform.
func AwaitWelcome(ctx context.Context, events <-chan protocol.Inbound, timeout time.Duration) error {
	if _, err := await(ctx, events, timeout, func(in protocol.Inbound) bool {
		return in.Type == protocol.TypeWelcome
	}); err != nil {
		return &Error{Stage: StageWelcome, Err: err}
	}
	return nil
}

// Subscribe is steps 2 and 3 of Perform.
func Subscribe(ctx context.Context, conn transport.Adapter, events <-chan protocol.Inbound, channel string, timeout time.Duration) error {
	frame, err := protocol.Subscribe(channel)
	if err != nil {
		return &Error{Stage: StageSubscribe, Err: err}
	}
	if err := conn.Send(transport.Message{Payload: frame}); err != nil {
		return &Error{Stage: StageSubscribe, Err: err}
	}

	in, err := await(ctx, events, timeout, func(in protocol.Inbound) bool {
		if in.Identifier != channel {
			return false
		}
		return in.Type == protocol.TypeConfirmSubscription || in.Type == protocol.TypeRejectSubscription
	})
	if err != nil {
		return &Error{Stage: StageSubscribe, Err: err}
	}
	if in.Type == protocol.TypeRejectSubscription {
		return &Error{Stage: StageSubscribe, Err: ErrRejectedSubscription}
	}
	return nil
}

// await pops events until match accepts one, the timeout elapses, the
// events channel closes (connection gone) or ctx is done.
func await(ctx context.Context, events <-chan protocol.Inbound, timeout time.Duration, match func(protocol.Inbound) bool) (protocol.Inbound, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case in, ok := <-events:
			if !ok {
				return protocol.Inbound{}, transport.ErrTransportClosed
			}
			if match(in) {
				return in, nil
			}
		case <-timer.C:
			return protocol.Inbound{}, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		case <-ctx.Done():
			return protocol.Inbound{}, ctx.Err()
		}
	}
}
