package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/buildwithgrove/shardline/gateway"
	"github.com/buildwithgrove/shardline/processing"
)

/* ---------------------------------  Client Config Struct -------------------------------- */

// ClientConfig is the top level struct that contains configuration details
// which are parsed from a YAML config file. It contains all the various
// configuration details that are needed to run the client.
type ClientConfig struct {
	Logger             LoggerConfig           `yaml:"logger"`
	Network            gateway.Config         `yaml:"network"`
	Iterator           IteratorConfig         `yaml:"iterator"`
	Processing         processing.Config      `yaml:"processing"`
	Metrics            MetricsConfig          `yaml:"metrics"`
	Router             RouterConfig           `yaml:"router"`
	DataReporterConfig HTTPDataReporterConfig `yaml:"data_reporter_config"`
}

// LoadClientConfigFromYAML reads a YAML configuration file from the specified path
// and unmarshals its content into a ClientConfig instance.
func LoadClientConfigFromYAML(path string) (ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ClientConfig{}, err
	}

	var config ClientConfig
	if err = yaml.Unmarshal(data, &config); err != nil {
		return ClientConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfigFile, err)
	}

	// set defaults for optional fields
	config.hydrateDefaults()

	return config, config.validate()
}

/* --------------------------------- Client Config Hydration Helpers -------------------------------- */

func (c *ClientConfig) hydrateDefaults() {
	c.Logger.hydrateLoggerDefaults()
	c.Network.HydrateDefaults()
	c.Iterator.hydrateIteratorDefaults()
	c.Processing.HydrateDefaults()
	c.Router.hydrateRouterDefaults()
	c.DataReporterConfig.hydrateDataReporterDefaults()
}

/* --------------------------------- Client Config Validation Helpers -------------------------------- */

func (c ClientConfig) validate() error {
	if err := c.Logger.Validate(); err != nil {
		return err
	}
	if err := c.Network.Validate(); err != nil {
		return err
	}
	if err := c.Iterator.Validate(); err != nil {
		return err
	}
	if err := c.Processing.Validate(); err != nil {
		return err
	}
	if err := c.Router.Validate(); err != nil {
		return err
	}
	return c.DataReporterConfig.Validate()
}
