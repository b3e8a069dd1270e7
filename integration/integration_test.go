package integration

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/risa-org/collector/cabletest"
	"github.com/risa-org/collector/protocol"
	"github.com/risa-org/collector/session"
	"github.com/risa-org/collector/store/memory"
	"github.com/risa-org/collector/transport"
	"github.com/risa-org/collector/transport/tcp"
	"github.com/risa-org/collector/transport/websocket"
)

const channel = `{"channel":"Analytics::UploadChannel","id":"integration"}`

// ------------------------------------------------------------
// Services
// ------------------------------------------------------------

// service is one fake ingestion service and a dialer that reaches it
// over a real socket.
type service struct {
	name   string
	srv    *cabletest.Server
	dialer transport.Dialer
}

func websocketService(t *testing.T, useTLS bool) service {
	t.Helper()
	srv := cabletest.New(cabletest.Options{Token: "integration"})

	var hs *httptest.Server
	if useTLS {
		hs = httptest.NewTLSServer(srv)
	} else {
		hs = httptest.NewServer(srv)
	}
	t.Cleanup(hs.Close)

	url := "ws" + strings.TrimPrefix(hs.URL, "http")
	name := "ws"
	if useTLS {
		name = "wss"
	}
	return service{
		name:   name,
		srv:    srv,
		dialer: &websocket.Dialer{URL: url, Header: srv.Header(), HTTPClient: hs.Client()},
	}
}

func tcpService(t *testing.T, useTLS bool) service {
	t.Helper()
	srv := cabletest.New(cabletest.Options{Token: "integration"})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	var clientTLS *tls.Config
	name := "tcp"
	if useTLS {
		// borrow httptest's self-signed certificate and matching client pool
		certs := httptest.NewUnstartedServer(http.NotFoundHandler())
		certs.StartTLS()
		t.Cleanup(certs.Close)

		ln = tls.NewListener(ln, certs.TLS)
		clientTLS = certs.Client().Transport.(*http.Transport).TLSClientConfig.Clone()
		clientTLS.ServerName = "127.0.0.1"
		name = "tcps"
	}
	t.Cleanup(func() { ln.Close() })
	go srv.Serve(ln)

	return service{
		name:   name,
		srv:    srv,
		dialer: &tcp.Dialer{Addr: ln.Addr().String(), TLS: clientTLS, Header: srv.Header()},
	}
}

func allServices(t *testing.T) []service {
	return []service{
		websocketService(t, false),
		websocketService(t, true),
		tcpService(t, false),
		tcpService(t, true),
	}
}

func open(t *testing.T, svc service, opts ...session.Option) *session.Session {
	t.Helper()
	cfg := session.DefaultConfig()
	cfg.ConfirmationTimeout = 5 * time.Second
	cfg.ReconnectWait = 20 * time.Millisecond

	opts = append([]session.Option{session.WithLogger(zerolog.New(zerolog.NewTestWriter(t)))}, opts...)
	s, err := session.Open(context.Background(), svc.dialer, channel, cfg, opts...)
	if err != nil {
		t.Fatalf("%s: Open failed: %v", svc.name, err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		s.Close(ctx, protocol.Summary{})
	})
	return s
}

func record(id string) protocol.Record {
	rec, _ := protocol.NewRecord(id, map[string]string{"id": id, "result": "passed"})
	return rec
}

// ------------------------------------------------------------
// Tests
// ------------------------------------------------------------

func TestFullRunLifecycle(t *testing.T) {
	for _, svc := range allServices(t) {
		t.Run(svc.name, func(t *testing.T) {
			svc.srv.SetAutoConfirm(true)
			s := open(t, svc)

			for i := 0; i < 120; i++ {
				if err := s.Write(record(fmt.Sprintf("r%03d", i))); err != nil {
					t.Fatalf("Write failed: %v", err)
				}
			}
			if err := s.Close(context.Background(), protocol.Summary{Examples: 120}); err != nil {
				t.Fatalf("Close failed: %v", err)
			}

			if !svc.srv.Await(3*time.Second, func(st cabletest.Stats) bool { return len(st.EndOfTransmissions()) == 1 }) {
				t.Fatal("no end of transmission")
			}
			st := svc.srv.Stats()
			if got := len(st.RecordIDs(0)); got != 120 {
				t.Errorf("expected 120 records, got %d", got)
			}
			last := st.Frames[len(st.Frames)-1]
			if last.Action != protocol.ActionEndOfTransmission || last.Summary.Examples != 120 {
				t.Errorf("expected end of transmission last, got %+v", last)
			}
		})
	}
}

func TestReconnectRetransmitsUnconfirmed(t *testing.T) {
	for _, svc := range allServices(t) {
		t.Run(svc.name, func(t *testing.T) {
			dead := memory.New()
			s := open(t, svc, session.WithDeadLetters(dead))

			for _, id := range []string{"a", "b", "c"} {
				s.Write(record(id))
			}
			svc.srv.Await(3*time.Second, func(st cabletest.Stats) bool { return len(st.RecordIDs(1)) == 3 })
			svc.srv.Confirm("b")

			deadline := time.Now().Add(3 * time.Second)
			for s.Pending() != 2 && time.Now().Before(deadline) {
				time.Sleep(5 * time.Millisecond)
			}

			svc.srv.DropConnections()
			if !svc.srv.Await(3*time.Second, func(st cabletest.Stats) bool { return len(st.RecordIDs(2)) == 2 }) {
				t.Fatalf("expected retransmission on the second connection, got %v", svc.srv.Stats().RecordIDs(0))
			}
			if got := svc.srv.Stats().RecordIDs(2); strings.Join(got, ",") != "a,c" {
				t.Errorf("expected a,c retransmitted, got %v", got)
			}

			svc.srv.Confirm("a", "c")
			if err := s.Close(context.Background(), protocol.Summary{Examples: 3}); err != nil {
				t.Fatalf("Close failed: %v", err)
			}
			if dead.Count() != 0 {
				t.Errorf("expected nothing dropped, got %d", dead.Count())
			}
		})
	}
}

func TestWrongTokenFailsInitialConnection(t *testing.T) {
	svc := websocketService(t, false)
	d := svc.dialer.(*websocket.Dialer)
	d.Header = http.Header{"Authorization": {`Token token="wrong"`}}

	_, err := session.Open(context.Background(), d, channel, session.DefaultConfig())
	if !transport.IsHandshakeError(err) {
		t.Errorf("expected handshake error, got %v", err)
	}
}
