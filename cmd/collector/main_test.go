package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/risa-org/collector/cabletest"
	"github.com/risa-org/collector/protocol"
	"github.com/risa-org/collector/store/file"
	"github.com/risa-org/collector/transport/tcp"
	"github.com/risa-org/collector/transport/websocket"
)

const results = `{"id":"spec/a_spec.rb[1:1]","result":"passed"}
{"id":"spec/a_spec.rb[1:2]","result":"failed"}

not json
{"name":"no id here","result":"passed"}
{"id":"spec/b_spec.rb[1:1]","result":"pending"}
`

func noEnv(string) string { return "" }

func startService(t *testing.T, opts cabletest.Options) (*cabletest.Server, string) {
	t.Helper()
	srv := cabletest.New(opts)
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)
	return srv, "ws" + strings.TrimPrefix(hs.URL, "http")
}

func TestRunStreamsResults(t *testing.T) {
	srv, url := startService(t, cabletest.Options{Token: "secret", AutoConfirm: true})

	var stderr bytes.Buffer
	args := []string{"--socket-url", url, "--channel", "run-1", "--token", "secret", "--log-level", "debug"}
	if err := run(context.Background(), args, strings.NewReader(results), &stderr, noEnv); err != nil {
		t.Fatalf("run failed: %v\n%s", err, stderr.String())
	}

	if !srv.Await(3*time.Second, func(st cabletest.Stats) bool { return len(st.EndOfTransmissions()) == 1 }) {
		t.Fatalf("no end of transmission received\n%s", stderr.String())
	}
	st := srv.Stats()
	if got := st.RecordIDs(0); len(got) != 3 {
		t.Errorf("expected 3 records, got %v", got)
	}
	summary := st.EndOfTransmissions()[0].Summary
	if summary != (protocol.Summary{Examples: 3, Failed: 1, Pending: 1}) {
		t.Errorf("unexpected summary %+v", summary)
	}
	if !strings.Contains(stderr.String(), "run uploaded") {
		t.Errorf("expected final log line, got:\n%s", stderr.String())
	}
}

func TestRunReplaysSpool(t *testing.T) {
	srv, url := startService(t, cabletest.Options{AutoConfirm: true})

	spool := seedSpool(t)

	args := []string{"--socket-url", url, "--channel", "run-2", "--spool", spool}
	if err := run(context.Background(), args, strings.NewReader(""), &bytes.Buffer{}, noEnv); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	srv.Await(3*time.Second, func(st cabletest.Stats) bool { return len(st.EndOfTransmissions()) == 1 })
	if got := srv.Stats().RecordIDs(0); len(got) != 1 || got[0] != "left-over" {
		t.Errorf("expected spooled record to be replayed, got %v", got)
	}

	reopened, _ := file.New(spool)
	if reopened.Count() != 0 {
		t.Errorf("expected spool emptied after delivery, got %d", reopened.Count())
	}
}

func seedSpool(t *testing.T) string {
	t.Helper()
	spool := filepath.Join(t.TempDir(), "spool.json")
	store, err := file.New(spool)
	if err != nil {
		t.Fatalf("file.New failed: %v", err)
	}
	if err := store.Put([]protocol.Record{{ID: "left-over", Payload: []byte(`{"id":"left-over","result":"passed"}`)}}, "close_timeout"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	return spool
}

func TestRunKeepsSpoolWhenConnectFails(t *testing.T) {
	srv, url := startService(t, cabletest.Options{})
	srv.RefuseDials(1)
	spool := seedSpool(t)

	var stderr bytes.Buffer
	args := []string{"--socket-url", url, "--channel", "run-2", "--spool", spool}
	if err := run(context.Background(), args, strings.NewReader(results), &stderr, noEnv); err != nil {
		t.Fatalf("expected run to swallow delivery failure, got %v", err)
	}

	reopened, err := file.New(spool)
	if err != nil {
		t.Fatalf("file.New failed: %v", err)
	}
	if reopened.Count() != 1 || reopened.Letters()[0].Record.ID != "left-over" {
		t.Errorf("expected spooled record kept, got %+v", reopened.Letters())
	}
	if !strings.Contains(stderr.String(), "left-over") {
		t.Errorf("expected kept record to be logged, got:\n%s", stderr.String())
	}
}

func TestRunKeepsSpoolWhenBootstrapFails(t *testing.T) {
	spool := seedSpool(t)

	var stderr bytes.Buffer
	if err := run(context.Background(), []string{"--spool", spool}, strings.NewReader(results), &stderr, noEnv); err != nil {
		t.Fatalf("expected run to swallow bootstrap failure, got %v", err)
	}

	reopened, err := file.New(spool)
	if err != nil {
		t.Fatalf("file.New failed: %v", err)
	}
	if reopened.Count() != 1 {
		t.Errorf("expected spooled record kept, got %d", reopened.Count())
	}
	if !strings.Contains(stderr.String(), "spooled records kept") {
		t.Errorf("expected kept records to be logged, got:\n%s", stderr.String())
	}
}

func TestRunDoesNotFailWhenServiceIsDown(t *testing.T) {
	srv, url := startService(t, cabletest.Options{})
	srv.RefuseDials(1)

	var stderr bytes.Buffer
	args := []string{"--socket-url", url, "--channel", "run-3"}
	if err := run(context.Background(), args, strings.NewReader(results), &stderr, noEnv); err != nil {
		t.Fatalf("expected run to swallow delivery failure, got %v", err)
	}
	if !strings.Contains(stderr.String(), "could not connect") {
		t.Errorf("expected connection failure to be logged, got:\n%s", stderr.String())
	}
}

func TestRunRequiresChannelWithSocketURL(t *testing.T) {
	err := run(context.Background(), []string{"--socket-url", "ws://localhost:1"}, strings.NewReader(""), &bytes.Buffer{}, noEnv)
	if err == nil {
		t.Error("expected error without --channel")
	}
}

func TestRunUsesBootstrap(t *testing.T) {
	srv, url := startService(t, cabletest.Options{Token: "tok", AutoConfirm: true})

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"cable":"` + url + `","channel":"run-4"}`))
	}))
	defer api.Close()

	env := map[string]string{"COLLECTOR_TOKEN": "tok", "COLLECTOR_ENDPOINT": api.URL}
	in := strings.NewReader(`{"id":"x","result":"passed"}` + "\n")
	if err := run(context.Background(), nil, in, &bytes.Buffer{}, func(k string) string { return env[k] }); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if !srv.Await(3*time.Second, func(st cabletest.Stats) bool { return len(st.RecordIDs(0)) == 1 }) {
		t.Error("record never arrived through the bootstrapped socket")
	}
}

func TestRunReadsInputFile(t *testing.T) {
	srv, url := startService(t, cabletest.Options{AutoConfirm: true})
	path := filepath.Join(t.TempDir(), "results.ndjson")
	if err := os.WriteFile(path, []byte(results), 0644); err != nil {
		t.Fatal(err)
	}

	args := []string{"--socket-url", url, "--channel", "run-5", "-i", path}
	if err := run(context.Background(), args, strings.NewReader(""), &bytes.Buffer{}, noEnv); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	srv.Await(3*time.Second, func(st cabletest.Stats) bool { return len(st.EndOfTransmissions()) == 1 })
	if got := srv.Stats().RecordIDs(0); len(got) != 3 {
		t.Errorf("expected 3 records from file, got %v", got)
	}
}

func TestNewDialerByScheme(t *testing.T) {
	tests := []struct {
		url  string
		want any
	}{
		{"ws://cable.example/ws", &websocket.Dialer{}},
		{"wss://cable.example/ws", &websocket.Dialer{}},
		{"tcp://cable.example:7000", &tcp.Dialer{}},
		{"tcps://cable.example:7001", &tcp.Dialer{}},
	}
	for _, tt := range tests {
		d, err := newDialer(tt.url, nil)
		if err != nil {
			t.Errorf("newDialer(%q) failed: %v", tt.url, err)
			continue
		}
		switch tt.want.(type) {
		case *websocket.Dialer:
			if _, ok := d.(*websocket.Dialer); !ok {
				t.Errorf("%s: expected websocket dialer, got %T", tt.url, d)
			}
		case *tcp.Dialer:
			if _, ok := d.(*tcp.Dialer); !ok {
				t.Errorf("%s: expected tcp dialer, got %T", tt.url, d)
			}
		}
	}

	if _, err := newDialer("http://cable.example", nil); err == nil {
		t.Error("expected error for http scheme")
	}
}
