package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"

	"github.com/risa-org/collector/handshake"
	"github.com/risa-org/collector/metrics"
	"github.com/risa-org/collector/protocol"
	"github.com/risa-org/collector/transport"
	"github.com/risa-org/collector/transport/sender"
)

// Option customizes a Session at Open.
type Option func(*Session)

// WithLogger sets the session logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithMetrics attaches Prometheus instruments.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Session) { s.metrics = m }
}

// WithDeadLetters hands records the session gives up on to d, in
// addition to the warning that is always logged.
func WithDeadLetters(d DeadLetters) Option {
	return func(s *Session) { s.dead = d }
}

// Session streams records to the ingestion service over one channel with
// at-least-once delivery. A record stays in the tracker from Write until
// the service confirms it, and every reconnection retransmits whatever is
// still unconfirmed.
//
// A Session is created once per run with Open and closed exactly once
// with Close. All methods are safe for concurrent use.
type Session struct {
	cfg     Config
	dialer  transport.Dialer
	channel string
	log     zerolog.Logger
	metrics *metrics.Collector
	dead    DeadLetters

	tracker *Tracker
	queue   *sender.Queue

	// ctx lives until shutdown or a fatal reconnection failure. It bounds
	// reconnection, handshakes and every sender loop.
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex // guards the fields below
	state      State
	conn       transport.Adapter // current epoch
	stopSender func()
	closing    bool
	summary    protocol.Summary
	fatal      error

	// writeMu is held shared by Write from its state check through Track,
	// and exclusively while Close or a fatal failure changes that state.
	// No record is tracked after the session stopped accepting them.
	writeMu sync.RWMutex

	// reconnectMu lets one reconnection sequence run at a time.
	reconnectMu sync.Mutex

	eotMu    sync.Mutex
	eotArmed bool

	eotSent     chan struct{}
	eotSentOnce sync.Once
}

// Open dials the first connection and runs the channel handshake.
// The first connect is a single attempt: any failure is returned as an
// *InitialConnectionError and no session is created. ctx bounds only the
// initial connect.
func Open(ctx context.Context, dialer transport.Dialer, channel string, cfg Config, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if channel == "" {
		return nil, fmt.Errorf("%w: channel is required", ErrInvalidConfig)
	}

	s := &Session{
		cfg:     cfg,
		dialer:  dialer,
		channel: channel,
		log:     zerolog.Nop(),
		tracker: NewTracker(),
		queue:   sender.NewQueue(),
		state:   StateConnecting,
		eotSent: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("channel", channel).Logger()
	s.ctx, s.cancel = context.WithCancel(context.Background())

	conn, err := s.connect(ctx, true)
	if err != nil {
		s.cancel()
		s.mu.Lock()
		s.transition(StateClosed)
		s.mu.Unlock()
		return nil, &InitialConnectionError{Err: err}
	}

	s.mu.Lock()
	s.conn = conn
	s.transition(StateConnected)
	s.mu.Unlock()
	s.startSender(conn)

	s.log.Info().Msg("session connected")
	return s, nil
}

// Write tracks rec and queues it for sending. It never blocks on the
// network. Identifiers must be unique for the run; writing an id that is
// still unconfirmed replaces its payload.
func (s *Session) Write(rec protocol.Record) error {
	if rec.ID == "" {
		return ErrMissingID
	}
	if !json.Valid(rec.Payload) {
		return fmt.Errorf("%w: %s", ErrInvalidPayload, rec.ID)
	}

	s.writeMu.RLock()
	defer s.writeMu.RUnlock()

	s.mu.Lock()
	closed := s.closing || s.state == StateClosed
	fatal := s.fatal
	s.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if fatal != nil {
		s.drop([]protocol.Record{rec}, DropReconnectFailed)
		return fatal
	}

	s.tracker.Track(rec, func(r protocol.Record) {
		s.queue.PushRecords(r)
	})
	s.metrics.RecordWritten()
	s.metrics.SetPending(s.tracker.Count())
	return nil
}

// Close ends the run. It queues end-of-transmission carrying summary, then
// waits until every record is confirmed and the EOT frame was sent, bounded
// by the confirmation timeout and by ctx. Whatever is still unconfirmed
// afterwards is dropped with a warning. The session is closed when Close
// returns; the error is the fatal reconnection error if there was one.
func (s *Session) Close(ctx context.Context, summary protocol.Summary) error {
	s.writeMu.Lock()
	s.mu.Lock()
	if s.closing || s.state == StateClosed {
		s.mu.Unlock()
		s.writeMu.Unlock()
		return ErrClosed
	}
	s.closing = true
	s.summary = summary
	s.transition(StateClosing)
	s.mu.Unlock()
	s.writeMu.Unlock()

	s.armEndOfTransmission(summary)

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.ConfirmationTimeout)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	if s.Err() == nil {
		start := time.Now()
		s.awaitDrain(waitCtx)
		s.metrics.ObserveCloseWait(time.Since(start))
	}

	s.shutdown()

	if undelivered := s.tracker.Flush(); len(undelivered) > 0 {
		reason := DropCloseTimeout
		if s.Err() != nil {
			reason = DropReconnectFailed
		}
		s.drop(undelivered, reason)
	}
	s.metrics.SetPending(0)

	s.log.Info().Msg("session closed")
	return s.Err()
}

func (s *Session) awaitDrain(ctx context.Context) {
	if !s.tracker.WaitEmpty(ctx) {
		s.log.Warn().
			Int("pending", s.tracker.Count()).
			Int("queued", s.queue.Len()).
			Bool("eot_queued", s.queue.EndOfTransmissionPending()).
			Dur("timeout", s.cfg.ConfirmationTimeout).
			Msg("confirmation wait ended with records unconfirmed")
		return
	}
	select {
	case <-s.eotSent:
	case <-ctx.Done():
		s.log.Warn().Msg("end of transmission was not sent before the confirmation timeout")
	}
}

// Err returns the fatal reconnection error, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pending returns how many records are awaiting confirmation.
func (s *Session) Pending() int {
	return s.tracker.Count()
}

// Channel returns the subscription identifier.
func (s *Session) Channel() string {
	return s.channel
}

// connect dials a new epoch and runs the handshake on it. Its read loop
// is already running when connect returns so no confirmation is missed.
func (s *Session) connect(ctx context.Context, initial bool) (transport.Adapter, error) {
	conn, err := s.dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}

	events := make(chan protocol.Inbound, 8)
	go s.receive(conn, events)

	if err := handshake.AwaitWelcome(ctx, events, s.cfg.HandshakeTimeout); err != nil {
		conn.Close()
		return nil, err
	}
	if initial {
		s.mu.Lock()
		s.transition(StateSubscribing)
		s.mu.Unlock()
	}
	if err := handshake.Subscribe(ctx, conn, events, s.channel, s.cfg.HandshakeTimeout); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// receive is the read side of one epoch. Handshake replies go to events,
// confirmations go to the tracker. When the transport closes it reports
// the disconnect for this epoch.
func (s *Session) receive(conn transport.Adapter, events chan<- protocol.Inbound) {
	for msg := range conn.Receive() {
		in, err := protocol.Decode(msg.Payload)
		if err != nil {
			s.log.Debug().Err(err).Msg("dropping malformed frame")
			continue
		}

		switch {
		case in.ConfirmsFor(s.channel):
			s.confirm(in.Confirm)
		case in.IsConfirmation():
			s.log.Debug().Str("identifier", in.Identifier).Msg("ignoring confirmation for another channel")
		case in.Type == protocol.TypeWelcome,
			in.Type == protocol.TypeConfirmSubscription,
			in.Type == protocol.TypeRejectSubscription:
			select {
			case events <- in:
			default:
			}
		case in.Type == protocol.TypePing:
		case in.Type == protocol.TypeDisconnect:
			s.log.Info().
				Str("reason", in.Reason).
				Bool("reconnect", in.Reconnect).
				Msg("service requested disconnect")
		default:
			s.log.Debug().Str("type", in.Type).Msg("ignoring unknown message")
		}
	}
	close(events)

	var event transport.DisconnectEvent
	select {
	case event = <-conn.Disconnected():
	default:
	}
	s.disconnected(conn, event)
}

func (s *Session) confirm(ids []string) {
	n := s.tracker.Confirm(ids)
	if n == 0 {
		return
	}
	s.metrics.RecordConfirmed(n)
	s.metrics.SetPending(s.tracker.Count())
	s.log.Debug().Int("confirmed", n).Msg("records confirmed")
}

// disconnected handles the end of an epoch. Only the current epoch may
// start a reconnection; a stale one was already superseded.
func (s *Session) disconnected(failed transport.Adapter, event transport.DisconnectEvent) {
	s.reconnectMu.Lock()
	defer s.reconnectMu.Unlock()

	s.mu.Lock()
	if failed != s.conn || s.state == StateClosed || s.fatal != nil {
		s.mu.Unlock()
		return
	}
	s.transition(StateReconnecting)
	stop := s.stopSender
	s.stopSender = nil
	s.mu.Unlock()

	failed.Close()
	if stop != nil {
		stop()
	}

	s.log.Warn().
		Str("reason", event.Reason.String()).
		AnErr("cause", event.Err).
		Int("pending", s.tracker.Count()).
		Msg("connection lost, reconnecting")

	conn, err := s.reconnect()
	if err != nil {
		s.fail(err)
		return
	}
	s.install(conn)
}

// reconnect retries connect with a fixed wait until it succeeds, the
// attempt cap is hit or the session is shut down.
func (s *Session) reconnect() (transport.Adapter, error) {
	var (
		conn     transport.Adapter
		attempts int
	)
	err := retry.Do(
		func() error {
			attempts++
			c, err := s.connect(s.ctx, false)
			if err != nil {
				if errors.Is(err, handshake.ErrRejectedSubscription) && s.isClosing() {
					return retry.Unrecoverable(err)
				}
				return err
			}
			conn = c
			return nil
		},
		retry.Context(s.ctx),
		retry.Attempts(uint(s.cfg.MaxReconnectAttempts)),
		retry.Delay(s.cfg.ReconnectWait),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.log.Warn().
				Err(err).
				Uint("attempt", n+1).
				Int("max_attempts", s.cfg.MaxReconnectAttempts).
				Msg("reconnection attempt failed")
		}),
	)
	if err != nil {
		return nil, &ReconnectError{Attempts: attempts, Err: err}
	}
	return conn, nil
}

// install makes conn the current epoch and retransmits everything that
// is still unconfirmed, followed by end-of-transmission when closing.
func (s *Session) install(conn transport.Adapter) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		conn.Close()
		s.metrics.RecordReconnect("superseded")
		return
	}
	s.conn = conn
	closing := s.closing
	summary := s.summary
	if closing {
		s.transition(StateClosing)
	} else {
		s.transition(StateConnected)
	}
	s.mu.Unlock()

	// Queued batches are a subset of the tracker, so replacing them with one
	// snapshot retransmits every unconfirmed record exactly once.
	n := s.tracker.Requeue(func(records []protocol.Record) {
		s.queue.Reset()
		s.queue.PushRecords(records...)
	})
	if closing {
		s.queue.PushEndOfTransmission(summary)
	}
	s.startSender(conn)

	s.metrics.RecordReconnect("success")
	s.metrics.RecordRetransmitted(n)
	s.log.Info().Int("retransmitted", n).Bool("closing", closing).Msg("reconnected")
}

// fail records a fatal reconnection error and gives up on delivery for the
// run. Pending records are dropped right away; the producer is never blocked.
func (s *Session) fail(err error) {
	if s.ctx.Err() != nil {
		// shut down while reconnecting
		return
	}

	s.writeMu.Lock()
	s.mu.Lock()
	s.fatal = err
	s.mu.Unlock()
	s.writeMu.Unlock()
	s.cancel()
	s.metrics.RecordReconnect("failed")

	if errors.Is(err, handshake.ErrRejectedSubscription) {
		s.log.Error().Err(err).Msg("subscription rejected while closing")
	} else {
		s.log.Error().Err(err).Msg("reconnection failed, giving up on delivery for this run")
	}

	s.queue.Reset()
	s.drop(s.tracker.Flush(), DropReconnectFailed)
	s.metrics.SetPending(0)
}

func (s *Session) startSender(conn transport.Adapter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}

	snd := sender.New(s.queue, conn, sender.Options{
		Channel:  s.channel,
		MaxBatch: s.cfg.MaxBatchSize,
		OnSent:   s.sent,
		OnFailed: s.sendFailed,
	})
	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		snd.Run(ctx)
	}()
	s.stopSender = func() {
		cancel()
		<-done
	}
}

func (s *Session) sent(a sender.Action) {
	s.metrics.RecordFrame(a.Kind.String())
	if a.Kind == sender.KindEndOfTransmission {
		s.eotSentOnce.Do(func() { close(s.eotSent) })
		s.log.Debug().Msg("end of transmission sent")
	}
}

// sendFailed runs when a frame could not be written. Records stay in the
// tracker and come back with the reconnection snapshot; EOT is re-armed.
func (s *Session) sendFailed(a sender.Action, err error) {
	s.log.Debug().Err(err).Str("action", a.Kind.String()).Int("records", len(a.Records)).Msg("send failed")
	if a.Kind == sender.KindEndOfTransmission {
		s.queue.PushEndOfTransmission(a.Summary)
	}
}

// armEndOfTransmission queues EOT at most once per session. Reconnection
// re-arms the queue slot directly.
func (s *Session) armEndOfTransmission(summary protocol.Summary) {
	s.eotMu.Lock()
	defer s.eotMu.Unlock()
	if s.eotArmed {
		return
	}
	s.eotArmed = true
	s.queue.PushEndOfTransmission(summary)
}

// shutdown moves to Closed and tears down the current epoch. Closing the
// socket first unblocks a sender stuck in a write.
func (s *Session) shutdown() {
	s.mu.Lock()
	s.transition(StateClosed)
	conn := s.conn
	stop := s.stopSender
	s.stopSender = nil
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		conn.Close()
	}
	if stop != nil {
		stop()
	}
}

func (s *Session) drop(records []protocol.Record, reason string) {
	if len(records) == 0 {
		return
	}
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	s.log.Warn().
		Str("reason", reason).
		Int("count", len(records)).
		Strs("ids", ids).
		Msg("dropping undelivered records")
	s.metrics.RecordDropped(reason, len(records))

	if s.dead == nil {
		return
	}
	if err := s.dead.Put(records, reason); err != nil {
		s.log.Error().Err(err).Int("count", len(records)).Msg("dead letter store failed")
	}
}

func (s *Session) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// transition moves to next if the table allows it. Caller holds s.mu.
func (s *Session) transition(next State) bool {
	if s.state == next {
		return true
	}
	if !isValidTransition(s.state, next) {
		s.log.Error().
			Str("from", s.state.String()).
			Str("to", next.String()).
			Msg("invalid state transition")
		return false
	}
	s.state = next
	return true
}
