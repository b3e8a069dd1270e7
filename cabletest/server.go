// Package cabletest runs an in-process ingestion service that speaks the
// cable protocol over either transport. Tests drive it to confirm records,
// refuse or drop connections and inspect every frame a session sent.
package cabletest

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"nhooyr.io/websocket"

	"github.com/risa-org/collector/bootstrap"
	"github.com/risa-org/collector/protocol"
	"github.com/risa-org/collector/transport"
	"github.com/risa-org/collector/transport/tcp"
	wsadapter "github.com/risa-org/collector/transport/websocket"
)

// ErrRefused is the cause reported to dialers while the server refuses.
var ErrRefused = errors.New("cabletest: connection refused")

// Frame is one message command the server received.
type Frame struct {
	Epoch   int    // 1 for the first connection, 2 for the next, ...
	Action  string // record_results or end_of_transmission
	IDs     []string
	Summary protocol.Summary
}

// Stats is a consistent view of the server for Await conditions.
type Stats struct {
	Frames        []Frame
	Dials         int
	Subscriptions int
	Connections   int // currently open
}

// Options configures a Server.
type Options struct {
	// Token, when set, must be presented as the Authorization header.
	Token string

	// AutoConfirm acknowledges every record batch as soon as it arrives.
	AutoConfirm bool
}

// Server is the fake service. The zero value is not usable; call New.
type Server struct {
	opts Options

	mu            sync.Mutex
	peers         map[transport.Adapter]string // open connection -> subscribed identifier
	epochs        int
	frames        []Frame
	dials         int
	subscriptions int
	refuse        int
	reject        bool
	silent        bool
	autoConfirm   bool
	changed       chan struct{}
}

// New creates a server.
func New(opts Options) *Server {
	return &Server{
		opts:        opts,
		peers:       make(map[transport.Adapter]string),
		autoConfirm: opts.AutoConfirm,
		changed:     make(chan struct{}),
	}
}

// PipeDialer returns a dialer whose connections are in-memory pipes running
// the tcp transport's framing and preamble.
func (s *Server) PipeDialer() transport.Dialer {
	return transport.DialerFunc(func(ctx context.Context) (transport.Adapter, error) {
		if s.countDial() {
			return nil, &transport.SocketError{Err: ErrRefused}
		}

		serverConn, clientConn := net.Pipe()
		go s.ServeConn(serverConn)
		return tcp.Client(ctx, clientConn, s.header())
	})
}

// Serve accepts tcp transport connections on ln until it is closed.
// Wrap ln with tls.NewListener to serve tcps.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		if s.countDial() {
			conn.Close()
			continue
		}
		go s.ServeConn(conn)
	}
}

// ServeConn runs the tcp transport's preamble on conn and serves the
// cable protocol on it until the connection ends.
func (s *Server) ServeConn(conn net.Conn) {
	a, err := tcp.Server(context.Background(), conn, s.authorize)
	if err != nil {
		return
	}
	s.serve(a)
}

// Header returns the headers a client needs to be accepted.
func (s *Server) Header() http.Header {
	return s.header()
}

// ServeHTTP upgrades to a websocket and serves the cable protocol on it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.countDial() {
		http.Error(w, ErrRefused.Error(), http.StatusServiceUnavailable)
		return
	}
	if err := s.authorize(r.Header); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsadapter.Subprotocol},
	})
	if err != nil {
		return
	}
	s.serve(wsadapter.New(conn))
}

// Confirm acknowledges ids on every open connection, under the channel
// each connection subscribed to.
func (s *Server) Confirm(ids ...string) {
	s.mu.Lock()
	targets := make(map[transport.Adapter]string, len(s.peers))
	for conn, identifier := range s.peers {
		targets[conn] = identifier
	}
	s.mu.Unlock()

	for conn, identifier := range targets {
		conn.Send(transport.Message{Payload: ConfirmFrame(identifier, ids)})
	}
}

// ConfirmAs acknowledges ids under identifier regardless of what each
// connection subscribed to.
func (s *Server) ConfirmAs(identifier string, ids ...string) {
	for _, conn := range s.openPeers() {
		conn.Send(transport.Message{Payload: ConfirmFrame(identifier, ids)})
	}
}

// Ping sends a keepalive on every open connection.
func (s *Server) Ping() {
	for _, conn := range s.openPeers() {
		conn.Send(transport.Message{Payload: mustJSON(map[string]any{"type": protocol.TypePing, "message": time.Now().Unix()})})
	}
}

// Disconnect sends a disconnect message and closes every open connection.
func (s *Server) Disconnect(reason string) {
	for _, conn := range s.openPeers() {
		conn.Send(transport.Message{Payload: mustJSON(map[string]any{"type": protocol.TypeDisconnect, "reason": reason, "reconnect": true})})
		conn.Close()
	}
}

// DropConnections closes every open connection without warning.
func (s *Server) DropConnections() {
	for _, conn := range s.openPeers() {
		conn.Close()
	}
}

// RefuseDials makes the next n dials fail before any handshake.
func (s *Server) RefuseDials(n int) {
	s.mu.Lock()
	s.refuse = n
	s.mu.Unlock()
}

// SetRejectSubscriptions answers subscribe with reject_subscription.
func (s *Server) SetRejectSubscriptions(reject bool) {
	s.mu.Lock()
	s.reject = reject
	s.mu.Unlock()
}

// SetSilent stops the server from sending welcome on new connections.
func (s *Server) SetSilent(silent bool) {
	s.mu.Lock()
	s.silent = silent
	s.mu.Unlock()
}

// SetAutoConfirm toggles confirming every batch on arrival.
func (s *Server) SetAutoConfirm(on bool) {
	s.mu.Lock()
	s.autoConfirm = on
	s.mu.Unlock()
}

// Stats returns a snapshot of what the server has seen.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked()
}

// Await blocks until cond holds or timeout elapses and reports which.
func (s *Server) Await(timeout time.Duration, cond func(Stats) bool) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		s.mu.Lock()
		ok := cond(s.statsLocked())
		changed := s.changed
		s.mu.Unlock()
		if ok {
			return true
		}

		select {
		case <-changed:
		case <-deadline.C:
			return false
		}
	}
}

// RecordIDs returns every record id received on epoch, in arrival order.
// Epoch 0 means all epochs.
func (st Stats) RecordIDs(epoch int) []string {
	var ids []string
	for _, f := range st.Frames {
		if f.Action == protocol.ActionRecordResults && (epoch == 0 || f.Epoch == epoch) {
			ids = append(ids, f.IDs...)
		}
	}
	return ids
}

// EndOfTransmissions returns the EOT frames received, in order.
func (st Stats) EndOfTransmissions() []Frame {
	var eots []Frame
	for _, f := range st.Frames {
		if f.Action == protocol.ActionEndOfTransmission {
			eots = append(eots, f)
		}
	}
	return eots
}

func (s *Server) serve(conn transport.Adapter) {
	s.mu.Lock()
	s.epochs++
	epoch := s.epochs
	s.peers[conn] = ""
	silent := s.silent
	s.notifyLocked()
	s.mu.Unlock()

	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.peers, conn)
		s.notifyLocked()
		s.mu.Unlock()
	}()

	if !silent {
		conn.Send(transport.Message{Payload: mustJSON(map[string]any{"type": protocol.TypeWelcome})})
	}
	for msg := range conn.Receive() {
		s.handle(conn, epoch, msg.Payload)
	}
}

func (s *Server) handle(conn transport.Adapter, epoch int, payload []byte) {
	cmd := gjson.ParseBytes(payload)
	identifier := cmd.Get("identifier").String()

	switch cmd.Get("command").String() {
	case protocol.CommandSubscribe:
		s.mu.Lock()
		reject := s.reject
		if !reject {
			s.subscriptions++
			if _, ok := s.peers[conn]; ok {
				s.peers[conn] = identifier
			}
			s.notifyLocked()
		}
		s.mu.Unlock()

		typ := protocol.TypeConfirmSubscription
		if reject {
			typ = protocol.TypeRejectSubscription
		}
		conn.Send(transport.Message{Payload: mustJSON(map[string]any{"type": typ, "identifier": identifier})})

	case protocol.CommandMessage:
		data := gjson.Parse(cmd.Get("data").String())
		frame := Frame{Epoch: epoch, Action: data.Get("action").String()}
		switch frame.Action {
		case protocol.ActionRecordResults:
			data.Get("results.#.id").ForEach(func(_, v gjson.Result) bool {
				frame.IDs = append(frame.IDs, v.String())
				return true
			})
		case protocol.ActionEndOfTransmission:
			count := data.Get("examples_count")
			frame.Summary = protocol.Summary{
				Examples:              int(count.Get("examples").Int()),
				Failed:                int(count.Get("failed").Int()),
				Pending:               int(count.Get("pending").Int()),
				ErrorsOutsideExamples: int(count.Get("errors_outside_examples").Int()),
			}
		}

		s.mu.Lock()
		s.frames = append(s.frames, frame)
		auto := s.autoConfirm
		s.notifyLocked()
		s.mu.Unlock()

		if auto && len(frame.IDs) > 0 {
			conn.Send(transport.Message{Payload: ConfirmFrame(identifier, frame.IDs)})
		}
	}
}

func (s *Server) authorize(h http.Header) error {
	if s.opts.Token == "" {
		return nil
	}
	if h.Get("Authorization") != s.header().Get("Authorization") {
		return errors.New("invalid token")
	}
	return nil
}

func (s *Server) header() http.Header {
	if s.opts.Token == "" {
		return nil
	}
	return bootstrap.AuthorizationHeader(s.opts.Token)
}

// countDial counts a dial and reports whether it must be refused.
func (s *Server) countDial() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials++
	s.notifyLocked()
	if s.refuse > 0 {
		s.refuse--
		return true
	}
	return false
}

func (s *Server) openPeers() []transport.Adapter {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers := make([]transport.Adapter, 0, len(s.peers))
	for conn := range s.peers {
		peers = append(peers, conn)
	}
	return peers
}

func (s *Server) statsLocked() Stats {
	frames := make([]Frame, len(s.frames))
	copy(frames, s.frames)
	return Stats{
		Frames:        frames,
		Dials:         s.dials,
		Subscriptions: s.subscriptions,
		Connections:   len(s.peers),
	}
}

// notifyLocked wakes every Await. Caller holds s.mu.
func (s *Server) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// ConfirmFrame is the service's acknowledgment of ids on a channel.
func ConfirmFrame(identifier string, ids []string) []byte {
	return mustJSON(map[string]any{
		"identifier": identifier,
		"message":    map[string]any{"confirm": ids},
	})
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
