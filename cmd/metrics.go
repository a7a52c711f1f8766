package main

import (
	"context"

	"github.com/pokt-network/poktroll/pkg/polylog"

	"github.com/buildwithgrove/shardline/metrics"
	"github.com/buildwithgrove/shardline/observation"
)

// setupMetricsServer starts the Prometheus metrics server at the supplied address.
// An empty address disables metrics: observations are then dropped.
func setupMetricsServer(ctx context.Context, logger polylog.Logger, addr string) (observation.Reporter, error) {
	if addr == "" {
		logger.Info().Msg("metrics server disabled: no address configured")
		return observation.NoopReporter{}, nil
	}

	pmr := &metrics.PrometheusMetricsReporter{
		Logger: logger,
	}

	if err := pmr.ServeMetrics(ctx, addr); err != nil {
		return nil, err
	}

	return pmr, nil
}

// setupPprofServer starts the metric package's pprof server, at the supplied address.
func setupPprofServer(ctx context.Context, logger polylog.Logger, addr string) {
	if addr == "" {
		return
	}
	metrics.ServePprof(ctx, logger, addr)
}
