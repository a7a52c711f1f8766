package processing

import (
	"fmt"
	"time"
)

const (
	defaultSendRetries                 = 3
	defaultSendBackoff                 = time.Second
	defaultWaitTimeout                 = 40 * time.Second
	defaultBlockPollInterval           = time.Second
	defaultMessageExpirationTimeout    = 40 * time.Second
	defaultExpirationTimeoutGrowFactor = 1.5

	// maxSendBackoff caps the exponential backoff between send attempts.
	maxSendBackoff = 10 * time.Second
)

// Config is the configuration of the message pipeline.
type Config struct {
	// SendRetries is the number of times a message is sent again after a transport failure.
	SendRetries int `yaml:"send_retries"`

	// SendBackoff is the delay before the first resend. It doubles on every resend.
	SendBackoff time.Duration `yaml:"send_backoff"`

	// WaitTimeout bounds the wall-clock time spent waiting for a message,
	// whatever its expiration says.
	WaitTimeout time.Duration `yaml:"wait_timeout"`

	// BlockPollInterval is the delay between two looks at the chain tip when no new block is available.
	BlockPollInterval time.Duration `yaml:"block_poll_interval"`

	// MessageRetriesCount is the number of times Process encodes and submits
	// a message again after it expired.
	MessageRetriesCount int `yaml:"message_retries_count"`

	// MessageExpirationTimeout is the validity window of messages encoded by Process.
	MessageExpirationTimeout time.Duration `yaml:"message_expiration_timeout"`

	// ExpirationTimeoutGrowFactor multiplies the validity window on every Process retry.
	ExpirationTimeoutGrowFactor float64 `yaml:"expiration_timeout_grow_factor"`
}

// HydrateDefaults sets default values for unset fields.
func (c *Config) HydrateDefaults() {
	if c.SendRetries == 0 {
		c.SendRetries = defaultSendRetries
	}
	if c.SendBackoff == 0 {
		c.SendBackoff = defaultSendBackoff
	}
	if c.WaitTimeout == 0 {
		c.WaitTimeout = defaultWaitTimeout
	}
	if c.BlockPollInterval == 0 {
		c.BlockPollInterval = defaultBlockPollInterval
	}
	if c.MessageExpirationTimeout == 0 {
		c.MessageExpirationTimeout = defaultMessageExpirationTimeout
	}
	if c.ExpirationTimeoutGrowFactor == 0 {
		c.ExpirationTimeoutGrowFactor = defaultExpirationTimeoutGrowFactor
	}
}

// Validate returns an error if a field holds an unusable value.
func (c Config) Validate() error {
	switch {
	case c.SendRetries < 0:
		return fmt.Errorf("%w: send_retries must not be negative, got %d", ErrInvalidConfig, c.SendRetries)
	case c.SendBackoff < 0:
		return fmt.Errorf("%w: send_backoff must not be negative, got %s", ErrInvalidConfig, c.SendBackoff)
	case c.WaitTimeout <= 0:
		return fmt.Errorf("%w: wait_timeout must be positive, got %s", ErrInvalidConfig, c.WaitTimeout)
	case c.BlockPollInterval <= 0:
		return fmt.Errorf("%w: block_poll_interval must be positive, got %s", ErrInvalidConfig, c.BlockPollInterval)
	case c.MessageRetriesCount < 0:
		return fmt.Errorf("%w: message_retries_count must not be negative, got %d", ErrInvalidConfig, c.MessageRetriesCount)
	case c.MessageExpirationTimeout < time.Second:
		return fmt.Errorf("%w: message_expiration_timeout must be at least 1s, got %s", ErrInvalidConfig, c.MessageExpirationTimeout)
	case c.ExpirationTimeoutGrowFactor < 1:
		return fmt.Errorf("%w: expiration_timeout_grow_factor must be at least 1, got %g", ErrInvalidConfig, c.ExpirationTimeoutGrowFactor)
	}
	return nil
}
