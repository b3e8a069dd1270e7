package tcp

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/risa-org/collector/transport"
)

const (
	// readChunkSize is how many bytes one socket read asks for.
	readChunkSize = 4096

	// Upgrade is the protocol name a client announces in its preamble.
	Upgrade = "collector-frames/1"

	defaultHandshakeTimeout = 30 * time.Second
)

// preamble is the first frame a client sends. It plays the part of the
// HTTP upgrade request: a protocol name plus the auth headers.
type preamble struct {
	Upgrade string      `json:"upgrade"`
	Headers http.Header `json:"headers,omitempty"`
}

// preambleReply is the server's answer to the preamble.
type preambleReply struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// Adapter implements transport.Adapter over a raw TCP (or TLS) connection.
// Frames are length prefixed, see frame.go.
type Adapter struct {
	conn       net.Conn                       // the underlying connection
	dec        decoder                        // only touched by the handshake and then the read loop
	incoming   chan transport.Message         // delivers decoded frames to the owner
	disconnect chan transport.DisconnectEvent // signals when connection closes
	closeOnce  sync.Once                      // guarantees cleanup runs exactly once
	closing    atomic.Bool                    // set when we closed it ourselves
	writeMu    sync.Mutex                     // one writer at a time
}

func newAdapter(conn net.Conn) *Adapter {
	return &Adapter{
		conn:       conn,
		incoming:   make(chan transport.Message, 64),        // buffered so reader doesn't block on slow consumers
		disconnect: make(chan transport.DisconnectEvent, 1), // buffered so writer never blocks
	}
}

// Dialer dials tcp:// and tcps:// URLs. tcps upgrades to TLS and verifies
// the peer against the system trust store unless TLS overrides it.
type Dialer struct {
	Addr   string
	TLS    *tls.Config // nil for plain TCP
	Header http.Header
}

// NewDialer builds a Dialer from a tcp:// or tcps:// URL.
func NewDialer(rawURL string, header http.Header) (*Dialer, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("tcp: parse url: %w", err)
	}
	d := &Dialer{Addr: u.Host, Header: header}
	switch u.Scheme {
	case "tcp":
	case "tcps":
		d.TLS = &tls.Config{ServerName: u.Hostname(), MinVersion: tls.VersionTLS12}
	default:
		return nil, fmt.Errorf("tcp: unsupported scheme %q", u.Scheme)
	}
	if u.Port() == "" {
		return nil, fmt.Errorf("tcp: url %q has no port", rawURL)
	}
	return d, nil
}

func (d *Dialer) Dial(ctx context.Context) (transport.Adapter, error) {
	return Dial(ctx, d.Addr, d.TLS, d.Header)
}

// Dial connects to addr, upgrades to TLS when tlsConfig is set,
// and performs the preamble exchange.
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config, header http.Header) (*Adapter, error) {
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &transport.SocketError{Err: err}
	}

	if tlsConfig != nil {
		tc := tls.Client(conn, tlsConfig)
		if err := tc.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, &transport.SocketError{Err: err}
		}
		conn = tc
	}

	return Client(ctx, conn, header)
}

// Client runs the client side of the preamble on an established conn
// and starts the read loop. The conn is closed on failure.
func Client(ctx context.Context, conn net.Conn, header http.Header) (*Adapter, error) {
	a := newAdapter(conn)
	conn.SetDeadline(handshakeDeadline(ctx))

	frame, err := encodeFrame(mustJSON(preamble{Upgrade: Upgrade, Headers: header}))
	if err != nil {
		conn.Close()
		return nil, &transport.HandshakeError{Err: err}
	}
	if _, err := conn.Write(frame); err != nil {
		conn.Close()
		return nil, &transport.SocketError{Err: err}
	}

	raw, err := a.readOne()
	if err != nil {
		conn.Close()
		if errors.Is(err, ErrFrameTooLarge) {
			return nil, &transport.HandshakeError{Err: err}
		}
		return nil, &transport.SocketError{Err: err}
	}

	var reply preambleReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		conn.Close()
		return nil, &transport.HandshakeError{Err: fmt.Errorf("malformed reply: %w", err)}
	}
	if !reply.Accepted {
		conn.Close()
		return nil, &transport.HandshakeError{Err: fmt.Errorf("upgrade refused: %s", reply.Reason)}
	}

	conn.SetDeadline(time.Time{})
	go a.readLoop()
	return a, nil
}

// Server runs the accepting side of the preamble. accept inspects the
// client's headers; a non-nil error refuses the upgrade and is sent back
// as the reason.
func Server(ctx context.Context, conn net.Conn, accept func(http.Header) error) (*Adapter, error) {
	a := newAdapter(conn)
	conn.SetDeadline(handshakeDeadline(ctx))

	raw, err := a.readOne()
	if err != nil {
		conn.Close()
		return nil, &transport.SocketError{Err: err}
	}

	var req preamble
	if err := json.Unmarshal(raw, &req); err != nil || req.Upgrade != Upgrade {
		conn.Close()
		return nil, &transport.HandshakeError{Err: errors.New("malformed preamble")}
	}

	reply := preambleReply{Accepted: true}
	var refused error
	if accept != nil {
		if refused = accept(req.Headers); refused != nil {
			reply = preambleReply{Reason: refused.Error()}
		}
	}

	frame, _ := encodeFrame(mustJSON(reply))
	if _, err := conn.Write(frame); err != nil {
		conn.Close()
		return nil, &transport.SocketError{Err: err}
	}
	if refused != nil {
		conn.Close()
		return nil, &transport.HandshakeError{Err: refused}
	}

	conn.SetDeadline(time.Time{})
	go a.readLoop()
	return a, nil
}

// Send encodes a frame and writes it with a single Write call.
// Uses writeMu to ensure only one goroutine writes at a time.
func (a *Adapter) Send(msg transport.Message) error {
	frame, err := encodeFrame(msg.Payload)
	if err != nil {
		return err
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	if _, err := a.conn.Write(frame); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrTransportClosed, err)
	}
	return nil
}

// Receive returns the channel of incoming frames.
// The channel is closed when the connection closes.
func (a *Adapter) Receive() <-chan transport.Message {
	return a.incoming
}

// Disconnected returns a channel that emits exactly one event when
// the connection closes, for any reason.
func (a *Adapter) Disconnected() <-chan transport.DisconnectEvent {
	return a.disconnect
}

// Close shuts down the connection.
// Safe to call multiple times, cleanup runs exactly once due to sync.Once.
func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.closing.Store(true)
		err = a.conn.Close()
	})
	return err
}

// readLoop reads fixed-size chunks into the decoder and hands every
// complete frame to the owner before asking the socket for more bytes.
func (a *Adapter) readLoop() {
	defer func() {
		close(a.incoming) // signal to Receive() callers that we're done
		a.Close()
	}()

	chunk := make([]byte, readChunkSize)
	for {
		// the handshake may have left whole frames in the decoder
		if err := a.drain(); err != nil {
			a.signalDisconnect(err)
			return
		}

		n, err := a.conn.Read(chunk)
		a.dec.feed(chunk[:n])
		if err != nil {
			if derr := a.drain(); derr != nil {
				err = derr
			}
			a.signalDisconnect(err)
			return
		}
	}
}

// drain delivers every complete frame currently buffered.
func (a *Adapter) drain() error {
	for {
		payload, ok, err := a.dec.next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		a.incoming <- transport.Message{Payload: payload}
	}
}

// readOne blocks until one complete frame is available. Bytes past that
// frame stay in the decoder for the read loop.
func (a *Adapter) readOne() ([]byte, error) {
	chunk := make([]byte, readChunkSize)
	for {
		payload, ok, err := a.dec.next()
		if err != nil {
			return nil, err
		}
		if ok {
			return payload, nil
		}

		n, err := a.conn.Read(chunk)
		a.dec.feed(chunk[:n])
		if err != nil {
			if payload, ok, _ := a.dec.next(); ok {
				return payload, nil
			}
			if err == io.EOF {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}

// signalDisconnect figures out the reason for disconnection and
// sends exactly one event on the disconnect channel.
func (a *Adapter) signalDisconnect(err error) {
	event := transport.DisconnectEvent{}

	var netErr net.Error
	switch {
	case err == nil, errors.Is(err, io.EOF), a.closing.Load():
		// EOF means the remote side closed cleanly; closing means we did
		event.Reason = transport.ReasonClosedClean
	case errors.As(err, &netErr) && netErr.Timeout():
		event.Reason = transport.ReasonTimeout
		event.Err = err
	default:
		event.Reason = transport.ReasonNetworkError
		event.Err = err
	}

	// non-blocking send, channel is buffered(1) so this never blocks
	select {
	case a.disconnect <- event:
	default:
	}
}

func handshakeDeadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(defaultHandshakeTimeout)
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("tcp: marshal %T: %v", v, err))
	}
	return b
}
