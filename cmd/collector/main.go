// Command collector streams newline-delimited JSON test results to the
// ingestion service with at-least-once delivery.
//
//	collector --input results.ndjson --token $COLLECTOR_TOKEN
//	my-runner --json | collector --input -
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/risa-org/collector/bootstrap"
	"github.com/risa-org/collector/config"
	"github.com/risa-org/collector/logging"
	"github.com/risa-org/collector/metrics"
	"github.com/risa-org/collector/protocol"
	"github.com/risa-org/collector/session"
	"github.com/risa-org/collector/store/file"
	"github.com/risa-org/collector/store/memory"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stderr, os.Getenv); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "collector: %v\n", err)
		os.Exit(1)
	}
}

type flags struct {
	configPath  string
	input       string
	idField     string
	resultField string
	socketURL   string
	channel     string
	token       string
	endpoint    string
	metricsAddr string
	spool       string
	logLevel    string
}

// deadLetterStore is what the collector needs from a dead-letter store
// beyond what the session uses.
type deadLetterStore interface {
	session.DeadLetters
	Count() int
}

// run is main without the process globals, so tests can drive it.
// Delivery failures are logged and reported in the summary but never make
// run fail: losing results must not fail the test run that produced them.
func run(ctx context.Context, args []string, stdin io.Reader, stderr io.Writer, getenv func(string) string) error {
	var f flags
	flagSet := pflag.NewFlagSet("collector", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&f.configPath, "config", "", "TOML config file")
	flagSet.StringVarP(&f.input, "input", "i", "-", "NDJSON results file, - for stdin")
	flagSet.StringVar(&f.idField, "id-field", "id", "gjson path of the record identifier")
	flagSet.StringVar(&f.resultField, "result-field", "result", "gjson path of passed/failed/pending")
	flagSet.StringVar(&f.socketURL, "socket-url", "", "connect here directly (ws, wss, tcp, tcps), skipping bootstrap")
	flagSet.StringVar(&f.channel, "channel", "", "channel identifier, required with --socket-url")
	flagSet.StringVar(&f.token, "token", "", "API token")
	flagSet.StringVar(&f.endpoint, "endpoint", "", "bootstrap endpoint")
	flagSet.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flagSet.StringVar(&f.spool, "spool", "", "dead-letter file; its records are replayed first")
	flagSet.StringVar(&f.logLevel, "log-level", "", "trace, debug, info, warn, error or off")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(flagSet, f, getenv)
	if err != nil {
		return err
	}

	logOpts := logging.Defaults(logging.ProfileRuntime)
	logging.ApplyEnv(&logOpts, getenv)
	if lvl, ok := logging.ParseLevel(cfg.LogLevel); ok {
		logOpts.Level = lvl
	}
	log := logging.New(stderr, "collector", logOpts)

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	if cfg.MetricsAddr != "" {
		shutdown, err := serveMetrics(cfg.MetricsAddr, reg, log)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	in, closeInput, err := openInput(f.input, stdin)
	if err != nil {
		return err
	}
	defer closeInput()

	dead, spool, err := openSpool(cfg.Spool)
	if err != nil {
		return err
	}

	upload, err := resolveUpload(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("could not start upload, results will not be sent")
		keepSpool(spool, cfg.Spool, log)
		return nil
	}
	dialer, err := newDialer(upload.SocketURL, bootstrap.AuthorizationHeader(cfg.Token))
	if err != nil {
		return err
	}

	sess, err := session.Open(ctx, dialer, upload.Channel, cfg.Session,
		session.WithLogger(log),
		session.WithMetrics(m),
		session.WithDeadLetters(dead),
	)
	if err != nil {
		log.Error().Err(err).Str("url", upload.SocketURL).Msg("could not connect, results will not be sent")
		keepSpool(spool, cfg.Spool, log)
		return nil
	}

	replay, err := drainSpool(spool, cfg.Spool, log)
	if err != nil {
		log.Error().Err(err).Str("spool", cfg.Spool).Msg("could not read spooled records, leaving them for the next run")
	}
	for _, rec := range replay {
		if err := sess.Write(rec); err != nil {
			log.Warn().Err(err).Str("id", rec.ID).Msg("could not replay spooled record")
		}
	}

	reader := &resultReader{IDField: f.idField, ResultField: f.resultField, Log: log}
	summary, readErr := reader.Stream(ctx, in, sess.Write)
	if readErr != nil {
		log.Error().Err(readErr).Msg("reading results stopped early")
	}

	// Close gets its own context so an interrupt still lets it flush.
	closeErr := sess.Close(context.Background(), summary)
	if closeErr != nil {
		log.Error().Err(closeErr).Msg("delivery failed for part of this run")
	}

	log.Info().
		Int("examples", summary.Examples).
		Int("failed", summary.Failed).
		Int("pending", summary.Pending).
		Int("skipped_lines", reader.Skipped).
		Int("undelivered", dead.Count()).
		Msg("run uploaded")
	return nil
}

// loadConfig layers defaults, the TOML file, the environment and then
// explicitly set flags, later layers winning.
func loadConfig(flagSet *pflag.FlagSet, f flags, getenv func(string) string) (config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(getenv); err != nil {
		return config.Config{}, err
	}

	override := func(name string, dst *string, v string) {
		if flagSet.Changed(name) {
			*dst = v
		}
	}
	override("socket-url", &cfg.SocketURL, f.socketURL)
	override("channel", &cfg.Channel, f.channel)
	override("token", &cfg.Token, f.token)
	override("endpoint", &cfg.Endpoint, f.endpoint)
	override("metrics-addr", &cfg.MetricsAddr, f.metricsAddr)
	override("spool", &cfg.Spool, f.spool)
	override("log-level", &cfg.LogLevel, f.logLevel)

	if cfg.SocketURL != "" && cfg.Channel == "" {
		return config.Config{}, errors.New("--channel is required with --socket-url")
	}
	if err := cfg.Session.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func resolveUpload(ctx context.Context, cfg config.Config) (*bootstrap.Upload, error) {
	if cfg.SocketURL != "" {
		return &bootstrap.Upload{SocketURL: cfg.SocketURL, Channel: cfg.Channel}, nil
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("no token: set --token or %s", config.EnvToken)
	}
	client := &bootstrap.Client{Endpoint: cfg.Endpoint, Token: cfg.Token}
	return client.Start(ctx, bootstrap.NewRunEnv(cfg.CI))
}

// openSpool returns the dead-letter store for this run. With a spool path
// it is the file store, which may still hold records a previous run left
// behind; they stay there until a session is open to replay them.
func openSpool(path string) (deadLetterStore, *file.Store, error) {
	if path == "" {
		return memory.New(), nil, nil
	}
	store, err := file.New(path)
	if err != nil {
		return nil, nil, err
	}
	return store, store, nil
}

// drainSpool takes the records a previous run left in the spool.
func drainSpool(store *file.Store, path string, log zerolog.Logger) ([]protocol.Record, error) {
	if store == nil {
		return nil, nil
	}
	letters, err := store.Drain()
	if err != nil {
		return nil, fmt.Errorf("drain spool: %w", err)
	}
	records := make([]protocol.Record, len(letters))
	for i, l := range letters {
		records[i] = l.Record
	}
	if len(records) > 0 {
		log.Info().Int("count", len(records)).Str("spool", path).Msg("replaying records from a previous run")
	}
	return records, nil
}

// keepSpool reports the spooled records a run could not replay.
func keepSpool(store *file.Store, path string, log zerolog.Logger) {
	if store == nil {
		return
	}
	letters := store.Letters()
	if len(letters) == 0 {
		return
	}
	ids := make([]string, len(letters))
	for i, l := range letters {
		ids[i] = l.Record.ID
	}
	log.Warn().
		Int("count", len(letters)).
		Strs("ids", ids).
		Str("spool", path).
		Msg("spooled records kept for the next run")
}

func openInput(path string, stdin io.Reader) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return stdin, func() {}, nil
	}
	fh, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return fh, func() { fh.Close() }, nil
}

func serveMetrics(addr string, reg *prometheus.Registry, log zerolog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("serving metrics")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}, nil
}
