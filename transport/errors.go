package transport

import "errors"

// SocketError means the transport could not even be established:
// DNS, connect, reset, or TLS negotiation.
type SocketError struct {
	Err error
}

func (e *SocketError) Error() string {
	return "transport: socket error: " + e.Err.Error()
}

func (e *SocketError) Unwrap() error { return e.Err }

// HandshakeError means the socket was established but the upgrade
// exchange was refused or the response was malformed.
type HandshakeError struct {
	Err error
}

func (e *HandshakeError) Error() string {
	return "transport: handshake error: " + e.Err.Error()
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// IsSocketError reports whether err is, or wraps, a *SocketError.
func IsSocketError(err error) bool {
	var se *SocketError
	return errors.As(err, &se)
}

// IsHandshakeError reports whether err is, or wraps, a *HandshakeError.
func IsHandshakeError(err error) bool {
	var he *HandshakeError
	return errors.As(err, &he)
}
