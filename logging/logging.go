package logging

import (
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	EnvLogLevel     = "COLLECTOR_LOG_LEVEL"
	EnvLogTimestamp = "COLLECTOR_LOG_TIMESTAMP"
	EnvLogNoColor   = "COLLECTOR_LOG_NOCOLOR"
	EnvLogJSON      = "COLLECTOR_LOG_JSON"
)

type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

// Options controls how New builds a logger.
type Options struct {
	Level     zerolog.Level
	Timestamp bool
	NoColor   bool
	JSON      bool // raw JSON lines instead of the console writer
}

// Defaults returns the options for a profile.
func Defaults(profile Profile) Options {
	switch profile {
	case ProfileTest:
		return Options{Level: zerolog.DebugLevel, Timestamp: false}
	default:
		return Options{Level: zerolog.InfoLevel, Timestamp: true}
	}
}

// New builds a logger writing to w. The logger is returned, never installed
// globally; pass it to the components that log.
func New(w io.Writer, app string, opts Options) zerolog.Logger {
	out := w
	if !opts.JSON {
		out = zerolog.ConsoleWriter{
			Out:        w,
			NoColor:    opts.NoColor,
			TimeFormat: time.RFC3339,
		}
	}

	ctx := zerolog.New(out).Level(opts.Level).With()
	if opts.Timestamp {
		ctx = ctx.Timestamp()
	}
	if app != "" {
		ctx = ctx.Str("app", app)
	}
	return ctx.Logger()
}

// ApplyEnv overrides opts from the COLLECTOR_LOG_* variables. Unset or
// unparsable values leave the option alone.
func ApplyEnv(opts *Options, getenv func(string) string) {
	if lvl, ok := ParseLevel(getenv(EnvLogLevel)); ok {
		opts.Level = lvl
	}
	if v, ok := parseBool(getenv(EnvLogTimestamp)); ok {
		opts.Timestamp = v
	}
	if v, ok := parseBool(getenv(EnvLogNoColor)); ok {
		opts.NoColor = v
	}
	if v, ok := parseBool(getenv(EnvLogJSON)); ok {
		opts.JSON = v
	}
}

// ParseLevel accepts the usual level names plus a few aliases.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace", "diagnostics":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "disable", "off", "none", "inactive":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
