package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/risa-org/collector/transport"
	"nhooyr.io/websocket"
)

// Subprotocol is offered on every dial; the ingestion service speaks
// JSON envelopes over text frames.
const Subprotocol = "actioncable-v1-json"

const (
	readLimit    = 4 << 20
	writeTimeout = 15 * time.Second
)

// Adapter implements transport.Adapter over a WebSocket connection.
// WebSocket already has message boundaries built in, so each text frame
// is one application message.
type Adapter struct {
	conn       *websocket.Conn
	incoming   chan transport.Message
	disconnect chan transport.DisconnectEvent
	closeOnce  sync.Once
	ctx        context.Context
	cancel     context.CancelFunc
}

// New wraps an existing *websocket.Conn in a transport Adapter and
// starts the read loop.
func New(conn *websocket.Conn) *Adapter {
	ctx, cancel := context.WithCancel(context.Background())
	conn.SetReadLimit(readLimit)
	a := &Adapter{
		conn:       conn,
		incoming:   make(chan transport.Message, 64),
		disconnect: make(chan transport.DisconnectEvent, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
	go a.readLoop()
	return a
}

// Dialer opens ws:// or wss:// connections. For wss the TLS upgrade
// and certificate verification come from HTTPClient, which defaults to
// http.DefaultClient and therefore the system trust store.
type Dialer struct {
	URL        string
	Header     http.Header
	HTTPClient *http.Client
}

func (d *Dialer) Dial(ctx context.Context) (transport.Adapter, error) {
	return Dial(ctx, d.URL, d.Header, d.HTTPClient)
}

// Dial performs the HTTP upgrade. A response that arrived but was not a
// valid upgrade is a *transport.HandshakeError; anything that kept us from
// getting a response is a *transport.SocketError.
func Dial(ctx context.Context, url string, header http.Header, client *http.Client) (*Adapter, error) {
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader:   header,
		HTTPClient:   client,
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		if resp != nil {
			return nil, &transport.HandshakeError{Err: fmt.Errorf("status %d: %w", resp.StatusCode, err)}
		}
		return nil, &transport.SocketError{Err: err}
	}
	return New(conn), nil
}

func (a *Adapter) Send(msg transport.Message) error {
	ctx, cancel := context.WithTimeout(a.ctx, writeTimeout)
	defer cancel()

	if err := a.conn.Write(ctx, websocket.MessageText, msg.Payload); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrTransportClosed, err)
	}
	return nil
}

func (a *Adapter) Receive() <-chan transport.Message {
	return a.incoming
}

func (a *Adapter) Disconnected() <-chan transport.DisconnectEvent {
	return a.disconnect
}

func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		err = a.conn.Close(websocket.StatusNormalClosure, "closed")
		a.cancel()
	})
	return err
}

func (a *Adapter) readLoop() {
	defer func() {
		close(a.incoming)
		a.Close()
	}()

	for {
		typ, data, err := a.conn.Read(a.ctx)
		if err != nil {
			a.signalDisconnect(err)
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		a.incoming <- transport.Message{Payload: data}
	}
}

// signalDisconnect sends exactly one disconnect event.
// StatusNormalClosure (1000) and StatusGoingAway (1001) are both clean closes.
// Context cancellation means we closed it ourselves, also clean.
func (a *Adapter) signalDisconnect(err error) {
	event := transport.DisconnectEvent{}

	status := websocket.CloseStatus(err)
	switch {
	case status == websocket.StatusNormalClosure,
		status == websocket.StatusGoingAway,
		a.ctx.Err() != nil:
		event.Reason = transport.ReasonClosedClean
	case errors.Is(err, context.DeadlineExceeded):
		event.Reason = transport.ReasonTimeout
		event.Err = err
	default:
		event.Reason = transport.ReasonNetworkError
		event.Err = err
	}

	select {
	case a.disconnect <- event:
	default:
	}
}
