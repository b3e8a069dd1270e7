package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/risa-org/collector/handshake"
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("session: invalid config")

// Config holds the session's timing and batching knobs.
// Every field is independently overridable; start from DefaultConfig.
type Config struct {
	// ConfirmationTimeout bounds how long Close waits for outstanding
	// confirmations. Longer than typical TCP timeouts so a reconnection
	// can finish inside it.
	ConfirmationTimeout time.Duration

	// MaxReconnectAttempts caps consecutive failed reconnections before
	// the session gives up for the rest of the run.
	MaxReconnectAttempts int

	// ReconnectWait is the fixed pause between reconnection attempts.
	ReconnectWait time.Duration

	// HandshakeTimeout bounds each handshake wait (welcome, confirm_subscription).
	HandshakeTimeout time.Duration

	// MaxBatchSize caps records per record_results frame.
	MaxBatchSize int
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		ConfirmationTimeout:  75 * time.Second,
		MaxReconnectAttempts: 3,
		ReconnectWait:        5 * time.Second,
		HandshakeTimeout:     handshake.DefaultTimeout,
		MaxBatchSize:         50,
	}
}

// Validate rejects values the session cannot run with.
func (c Config) Validate() error {
	switch {
	case c.ConfirmationTimeout <= 0:
		return fmt.Errorf("%w: confirmation timeout must be positive, got %s", ErrInvalidConfig, c.ConfirmationTimeout)
	case c.MaxReconnectAttempts < 1:
		return fmt.Errorf("%w: max reconnect attempts must be at least 1, got %d", ErrInvalidConfig, c.MaxReconnectAttempts)
	case c.ReconnectWait < 0:
		return fmt.Errorf("%w: reconnect wait must not be negative, got %s", ErrInvalidConfig, c.ReconnectWait)
	case c.HandshakeTimeout <= 0:
		return fmt.Errorf("%w: handshake timeout must be positive, got %s", ErrInvalidConfig, c.HandshakeTimeout)
	case c.MaxBatchSize < 1:
		return fmt.Errorf("%w: max batch size must be at least 1, got %d", ErrInvalidConfig, c.MaxBatchSize)
	}
	return nil
}
