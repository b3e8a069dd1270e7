package session

import (
	"errors"
	"fmt"

	"github.com/risa-org/collector/protocol"
)

var (
	// ErrClosed is returned by Write and Close once Close has started.
	ErrClosed = errors.New("session: closed")

	// ErrMissingID is returned by Write for a record without an identifier.
	ErrMissingID = errors.New("session: record has no identifier")

	// ErrInvalidPayload is returned by Write when the payload is not JSON.
	ErrInvalidPayload = errors.New("session: record payload is not valid JSON")
)

// Reasons attached to dropped records in logs, metrics and dead letters.
const (
	DropReconnectFailed = "reconnect_failed"
	DropCloseTimeout    = "close_timeout"
)

// InitialConnectionError wraps whatever stopped the very first connect:
// a *transport.SocketError, *transport.HandshakeError, a handshake timeout
// or a rejected subscription.
type InitialConnectionError struct {
	Err error
}

func (e *InitialConnectionError) Error() string {
	return "session: initial connection failed: " + e.Err.Error()
}

func (e *InitialConnectionError) Unwrap() error { return e.Err }

// ReconnectError is the fatal error a session keeps once reconnection
// gave up. Err is the last attempt's failure.
type ReconnectError struct {
	Attempts int
	Err      error
}

func (e *ReconnectError) Error() string {
	return fmt.Sprintf("session: reconnection failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ReconnectError) Unwrap() error { return e.Err }

// DeadLetters receives records the session gave up on.
// Implementations must be safe for concurrent use.
type DeadLetters interface {
	Put(records []protocol.Record, reason string) error
}
