package transport

import (
	"context"
	"errors"
)

// ErrTransportClosed is returned when you try to send on a closed transport.
// Named errors like this let callers check the exact cause with errors.Is().
var ErrTransportClosed = errors.New("transport closed")

// Message is one complete application frame.
// The transport does not interpret the payload, it only moves it.
type Message struct {
	Payload []byte
}

// DisconnectReason tells the session layer why a transport closed.
type DisconnectReason int

const (
	ReasonUnknown      DisconnectReason = iota // catch-all, should be rare
	ReasonNetworkError                         // underlying connection failed
	ReasonTimeout                              // no activity within deadline
	ReasonClosedClean                          // graceful shutdown by either side
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonNetworkError:
		return "network_error"
	case ReasonTimeout:
		return "timeout"
	case ReasonClosedClean:
		return "closed_clean"
	default:
		return "unknown"
	}
}

// DisconnectEvent is sent on the channel returned by Disconnected().
// It bundles the reason with an optional error for debugging.
type DisconnectEvent struct {
	Reason DisconnectReason
	Err    error // nil on clean close, populated on errors
}

// Adapter is the contract every transport must satisfy.
// The session layer only ever talks to this interface,
// it never imports tcp or websocket.
type Adapter interface {
	// Send writes one frame to the remote side.
	// Returns ErrTransportClosed once the transport is no longer usable.
	Send(msg Message) error

	// Receive returns a channel that emits every fully decoded inbound frame.
	// The channel is closed when the transport closes.
	Receive() <-chan Message

	// Disconnected returns a channel that emits exactly one DisconnectEvent
	// when the transport closes, for any reason. The event is always
	// delivered before Receive() is closed.
	Disconnected() <-chan DisconnectEvent

	// Close shuts down the transport.
	// Safe to call multiple times, subsequent calls are no-ops.
	Close() error
}

// Dialer opens a fresh, handshaken Adapter. Each call produces a new
// connection epoch. Failures are *SocketError when the transport could not
// be established at all and *HandshakeError when the peer answered but the
// upgrade exchange was rejected or malformed.
type Dialer interface {
	Dial(ctx context.Context) (Adapter, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Adapter, error)

func (f DialerFunc) Dial(ctx context.Context) (Adapter, error) {
	return f(ctx)
}
