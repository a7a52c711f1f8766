// package metrics exports the observations of shardline components as Prometheus metrics.
package metrics

import (
	"github.com/pokt-network/poktroll/pkg/polylog"

	"github.com/buildwithgrove/shardline/observation"
)

// PrometheusMetricsReporter is handed to the endpoint manager, iterators and the message pipeline.
var _ observation.Reporter = &PrometheusMetricsReporter{}

// PrometheusMetricsReporter provides the functionality required for exporting shardline metrics to Prometheus.
type PrometheusMetricsReporter struct {
	Logger polylog.Logger
}

// Publish exports the observations as metrics.
// Implements the observation.Reporter interface.
func (pmr *PrometheusMetricsReporter) Publish(observations *observation.Observations) {
	if observations == nil {
		return
	}

	publishEndpointMetrics(observations)
	publishIteratorMetrics(observations.Iterator)
	publishProcessingMetrics(observations.Processing)
}
