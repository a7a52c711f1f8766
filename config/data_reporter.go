package config

import (
	"fmt"
	"net/url"
	"time"
)

const defaultDataReporterPostTimeout = 5 * time.Second

// HTTPDataReporterConfig defines settings for HTTP-based data reporting.
// Only JSON-accepting data pipelines are supported
// e.g. Fluentd (HTTP input plugin → BigQuery Output plugin) → BigQuery
type HTTPDataReporterConfig struct {
	// HTTP endpoint for data delivery. An empty URL disables data reporting.
	// Example: Fluentd HTTP input plugin address.
	TargetURL string `yaml:"target_url"`

	// PostTimeout bounds the delivery of each record.
	PostTimeout time.Duration `yaml:"post_timeout"`
}

func (c *HTTPDataReporterConfig) hydrateDataReporterDefaults() {
	if c.TargetURL != "" && c.PostTimeout == 0 {
		c.PostTimeout = defaultDataReporterPostTimeout
	}
}

func (c HTTPDataReporterConfig) Validate() error {
	if c.TargetURL == "" {
		return nil
	}
	u, err := url.Parse(c.TargetURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDataReporterConfig, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: target_url must be an http(s) URL, got %q", ErrInvalidDataReporterConfig, c.TargetURL)
	}
	if c.PostTimeout < 0 {
		return fmt.Errorf("%w: post_timeout must not be negative, got %s", ErrInvalidDataReporterConfig, c.PostTimeout)
	}
	return nil
}
