package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	metricshttp "github.com/buildwithgrove/shardline/metrics/http"
	"github.com/buildwithgrove/shardline/observation"
	"github.com/buildwithgrove/shardline/protocol"
)

// See the metrics initialization below for details.
const (
	shardlineProcess = "shardline"

	endpointRequestsTotal   = "endpoint_requests_total"
	endpointLatencySeconds  = "endpoint_latency_seconds"
	endpointProbesTotal     = "endpoint_probes_total"
	endpointLastBlockTime   = "endpoint_last_block_time_seconds"
	subscriptionEventsTotal = "subscription_events_total"
)

func init() {
	prometheus.MustRegister(endpointRequests)
	prometheus.MustRegister(endpointLatency)
	prometheus.MustRegister(endpointProbes)
	prometheus.MustRegister(endpointBlockTime)
	prometheus.MustRegister(subscriptionEvents)
}

var (
	// endpointRequests counts the requests sent to data service endpoints, labeled by:
	//   - endpoint_domain: eTLD+1 of the endpoint, e.g. "example.org"
	//   - operation: query, mutation
	//   - collection: blocks, transactions, messages, postRequests, ...
	//   - outcome: success, transport_error, desync, rejected, server_error
	//
	// Usage:
	// - Spot failing providers.
	// - Compare request load across collections.
	endpointRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: shardlineProcess,
			Name:      endpointRequestsTotal,
			Help:      "Total number of requests sent to data service endpoints.",
		},
		[]string{"endpoint_domain", "operation", "collection", "outcome"},
	)

	// endpointLatency measures the round trip of requests to endpoints.
	// Buckets are selected as: [0, 0.05), [0.05, 0.1), [0.1, 0.25), [0.25, 0.5), [0.5, 1), [1, 2.5), [2.5, 10)
	endpointLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: shardlineProcess,
			Name:      endpointLatencySeconds,
			Help:      "Histogram of data service request latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 10},
		},
		[]string{"endpoint_domain"},
	)

	// endpointProbes counts endpoint probes, labeled by domain and whether the endpoint was found in sync.
	endpointProbes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: shardlineProcess,
			Name:      endpointProbesTotal,
			Help:      "Total number of endpoint probes.",
		},
		[]string{"endpoint_domain", "in_sync"},
	)

	// endpointBlockTime is the freshest block time reported by each endpoint.
	// Comparing it across endpoints shows lagging providers.
	endpointBlockTime = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: shardlineProcess,
			Name:      endpointLastBlockTime,
			Help:      "Generation time of the freshest block reported by the endpoint.",
		},
		[]string{"endpoint_addr"},
	)

	// subscriptionEvents counts push stream lifecycle events: connected, reconnect, gap, duplicate, disconnect.
	subscriptionEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: shardlineProcess,
			Name:      subscriptionEventsTotal,
			Help:      "Total number of subscription lifecycle events.",
		},
		[]string{"collection", "event"},
	)
)

// publishEndpointMetrics publishes all metrics related to endpoint manager observations.
func publishEndpointMetrics(observations *observation.Observations) {
	for _, obs := range observations.Endpoints {
		domain := metricshttp.EndpointDomain(protocol.EndpointAddr(obs.EndpointAddr))

		endpointRequests.With(prometheus.Labels{
			"endpoint_domain": domain,
			"operation":       obs.Operation,
			"collection":      obs.Collection,
			"outcome":         string(obs.Outcome),
		}).Inc()

		endpointLatency.With(prometheus.Labels{"endpoint_domain": domain}).Observe(obs.Latency.Seconds())

		if obs.LastBlockTime > 0 {
			endpointBlockTime.With(prometheus.Labels{"endpoint_addr": obs.EndpointAddr}).Set(float64(obs.LastBlockTime))
		}
	}

	for _, obs := range observations.Probes {
		domain := metricshttp.EndpointDomain(protocol.EndpointAddr(obs.EndpointAddr))
		endpointProbes.With(prometheus.Labels{"endpoint_domain": domain, "in_sync": boolLabel(obs.InSync)}).Inc()

		if obs.LastBlockTime > 0 {
			endpointBlockTime.With(prometheus.Labels{"endpoint_addr": obs.EndpointAddr}).Set(float64(obs.LastBlockTime))
		}
	}

	for _, obs := range observations.Subscriptions {
		subscriptionEvents.With(prometheus.Labels{
			"collection": obs.Collection,
			"event":      string(obs.Event),
		}).Inc()
	}
}
