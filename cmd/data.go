package main

import (
	"github.com/pokt-network/poktroll/pkg/polylog"

	"github.com/buildwithgrove/shardline/config"
	"github.com/buildwithgrove/shardline/data"
	"github.com/buildwithgrove/shardline/observation"
)

// setupHTTPDataReporter returns the HTTP data reporter, or nil when no target URL is configured.
// The config is validated by config.LoadClientConfigFromYAML.
func setupHTTPDataReporter(logger polylog.Logger, config config.HTTPDataReporterConfig) observation.Reporter {
	if config.TargetURL == "" {
		logger.Warn().Msg("Target URL not specified for the HTTP data reporter: message outcomes will not be reported.")
		return nil
	}

	return &data.DataReporterHTTP{
		Logger:           logger,
		DataProcessorURL: config.TargetURL,
		PostTimeout:      config.PostTimeout,
	}
}
