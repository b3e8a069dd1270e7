package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/risa-org/collector/session"
)

const (
	EnvToken                = "COLLECTOR_TOKEN"
	EnvEndpoint             = "COLLECTOR_ENDPOINT"
	EnvSocketURL            = "COLLECTOR_SOCKET_URL"
	EnvChannel              = "COLLECTOR_CHANNEL"
	EnvConfirmationTimeout  = "COLLECTOR_CONFIRMATION_TIMEOUT"
	EnvMaxReconnectAttempts = "COLLECTOR_MAX_RECONNECT_ATTEMPTS"
	EnvReconnectWait        = "COLLECTOR_RECONNECT_WAIT"
	EnvBatchSize            = "COLLECTOR_BATCH_SIZE"
	EnvSpool                = "COLLECTOR_SPOOL"
	EnvMetricsAddr          = "COLLECTOR_METRICS_ADDR"
	EnvCI                   = "COLLECTOR_CI"
)

// Config is everything the collector needs for one run.
type Config struct {
	Token    string
	Endpoint string // bootstrap endpoint, empty for the default

	// SocketURL and Channel skip the bootstrap call when both are set.
	SocketURL string
	Channel   string

	Session session.Config

	Spool       string // dead-letter file, empty keeps them in memory
	MetricsAddr string // serve /metrics here when set
	CI          string
	LogLevel    string
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{Session: session.DefaultConfig()}
}

type fileConfig struct {
	Token                string `toml:"token"`
	Endpoint             string `toml:"endpoint"`
	SocketURL            string `toml:"socket_url"`
	Channel              string `toml:"channel"`
	ConfirmationTimeout  string `toml:"confirmation_timeout"`
	MaxReconnectAttempts int    `toml:"max_reconnect_attempts"`
	ReconnectWait        string `toml:"reconnect_wait"`
	BatchSize            int    `toml:"batch_size"`
	Spool                string `toml:"spool"`
	MetricsAddr          string `toml:"metrics_addr"`
	CI                   string `toml:"ci"`
	LogLevel             string `toml:"log_level"`
}

// Load reads a TOML file over the defaults. Keys absent from the file keep
// their default values.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load collector config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load collector config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("token") {
		cfg.Token = strings.TrimSpace(raw.Token)
	}
	if meta.IsDefined("endpoint") {
		cfg.Endpoint = strings.TrimSpace(raw.Endpoint)
	}
	if meta.IsDefined("socket_url") {
		cfg.SocketURL = strings.TrimSpace(raw.SocketURL)
	}
	if meta.IsDefined("channel") {
		cfg.Channel = strings.TrimSpace(raw.Channel)
	}
	if meta.IsDefined("confirmation_timeout") {
		d, err := parseDuration(raw.ConfirmationTimeout)
		if err != nil {
			return Config{}, fmt.Errorf("parse confirmation_timeout: %w", err)
		}
		cfg.Session.ConfirmationTimeout = d
	}
	if meta.IsDefined("max_reconnect_attempts") {
		cfg.Session.MaxReconnectAttempts = raw.MaxReconnectAttempts
	}
	if meta.IsDefined("reconnect_wait") {
		d, err := parseDuration(raw.ReconnectWait)
		if err != nil {
			return Config{}, fmt.Errorf("parse reconnect_wait: %w", err)
		}
		cfg.Session.ReconnectWait = d
	}
	if meta.IsDefined("batch_size") {
		cfg.Session.MaxBatchSize = raw.BatchSize
	}
	if meta.IsDefined("spool") {
		cfg.Spool = strings.TrimSpace(raw.Spool)
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("ci") {
		cfg.CI = strings.TrimSpace(raw.CI)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}

	return cfg, nil
}

// ApplyEnv overrides c from COLLECTOR_* variables. Empty variables are
// ignored; malformed numbers and durations are errors.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	str(EnvToken, &c.Token)
	str(EnvEndpoint, &c.Endpoint)
	str(EnvSocketURL, &c.SocketURL)
	str(EnvChannel, &c.Channel)
	str(EnvSpool, &c.Spool)
	str(EnvMetricsAddr, &c.MetricsAddr)
	str(EnvCI, &c.CI)

	if v := strings.TrimSpace(getenv(EnvConfirmationTimeout)); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvConfirmationTimeout, err)
		}
		c.Session.ConfirmationTimeout = d
	}
	if v := strings.TrimSpace(getenv(EnvReconnectWait)); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvReconnectWait, err)
		}
		c.Session.ReconnectWait = d
	}
	if v := strings.TrimSpace(getenv(EnvMaxReconnectAttempts)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxReconnectAttempts, err)
		}
		c.Session.MaxReconnectAttempts = n
	}
	if v := strings.TrimSpace(getenv(EnvBatchSize)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvBatchSize, err)
		}
		c.Session.MaxBatchSize = n
	}
	return nil
}

// parseDuration accepts Go duration syntax or a bare number of seconds.
func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(raw)
}
