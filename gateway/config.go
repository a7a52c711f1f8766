package gateway

import (
	"fmt"
	"time"

	"github.com/buildwithgrove/shardline/protocol"
)

const (
	defaultQueryTimeout        = 30 * time.Second
	defaultProbeTimeout        = 5 * time.Second
	defaultMaxRetries          = 3
	defaultRetryBackoff        = 500 * time.Millisecond
	defaultMaxRetryBackoff     = 10 * time.Second
	defaultOutOfSyncThreshold  = 15 * time.Second
	defaultDemotionDuration    = time.Minute
	defaultMaxConcurrentProbes = 8

	defaultReconnectDelay = time.Second
	defaultDedupWindow    = 1024

	// unlimitedReconnects keeps a subscription reconnecting until it is closed.
	unlimitedReconnects = -1
)

type (
	// Config is the `network` section of the client configuration.
	Config struct {
		Endpoints []string `yaml:"endpoints"`

		// Headers are sent with every request, e.g. an API key.
		Headers map[string]string `yaml:"headers"`

		QueryTimeout time.Duration `yaml:"query_timeout"`
		ProbeTimeout time.Duration `yaml:"probe_timeout"`
		MaxRetries   int           `yaml:"max_retries"`
		RetryBackoff time.Duration `yaml:"retry_backoff"`

		// OutOfSyncThreshold is the largest accepted lag of an endpoint's
		// freshest block behind the network time.
		OutOfSyncThreshold time.Duration `yaml:"out_of_sync_threshold"`

		// DemotionDuration is how long a failed endpoint stays at the back of the ordering.
		DemotionDuration    time.Duration `yaml:"demotion_duration"`
		MaxConcurrentProbes int           `yaml:"max_concurrent_probes"`

		Subscription SubscriptionConfig `yaml:"subscription"`
	}

	SubscriptionConfig struct {
		ReconnectDelay time.Duration `yaml:"reconnect_delay"`
		// MaxReconnectAttempts bounds consecutive failed reconnects. -1 means no limit.
		MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
		// DedupWindow is the number of recently delivered record ids remembered to drop replays.
		DedupWindow int `yaml:"dedup_window"`
	}
)

// HydrateDefaults sets the default value of every unset field.
func (c *Config) HydrateDefaults() {
	if c.QueryTimeout == 0 {
		c.QueryTimeout = defaultQueryTimeout
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = defaultProbeTimeout
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
	if c.OutOfSyncThreshold == 0 {
		c.OutOfSyncThreshold = defaultOutOfSyncThreshold
	}
	if c.DemotionDuration == 0 {
		c.DemotionDuration = defaultDemotionDuration
	}
	if c.MaxConcurrentProbes == 0 {
		c.MaxConcurrentProbes = defaultMaxConcurrentProbes
	}
	if c.Subscription.ReconnectDelay == 0 {
		c.Subscription.ReconnectDelay = defaultReconnectDelay
	}
	if c.Subscription.MaxReconnectAttempts == 0 {
		c.Subscription.MaxReconnectAttempts = unlimitedReconnects
	}
	if c.Subscription.DedupWindow == 0 {
		c.Subscription.DedupWindow = defaultDedupWindow
	}
}

func (c Config) Validate() error {
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("%w: at least one endpoint is required", ErrInvalidNetworkConfig)
	}
	if _, err := c.EndpointAddrs(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidNetworkConfig, err)
	}
	if c.QueryTimeout < 0 || c.ProbeTimeout < 0 || c.RetryBackoff < 0 || c.DemotionDuration < 0 {
		return fmt.Errorf("%w: timeouts and durations must not be negative", ErrInvalidNetworkConfig)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must not be negative, got %d", ErrInvalidNetworkConfig, c.MaxRetries)
	}
	if c.MaxConcurrentProbes < 0 {
		return fmt.Errorf("%w: max_concurrent_probes must not be negative, got %d", ErrInvalidNetworkConfig, c.MaxConcurrentProbes)
	}
	if c.Subscription.MaxReconnectAttempts < unlimitedReconnects {
		return fmt.Errorf("%w: max_reconnect_attempts must be -1 or positive", ErrInvalidNetworkConfig)
	}
	return nil
}

// EndpointAddrs returns the configured endpoints, normalized.
func (c Config) EndpointAddrs() (protocol.EndpointAddrList, error) {
	addrs := make(protocol.EndpointAddrList, 0, len(c.Endpoints))
	for _, raw := range c.Endpoints {
		addr, err := protocol.ParseEndpointAddr(raw)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}
