package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/pokt-network/poktroll/pkg/polylog/polyzero"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/buildwithgrove/shardline/observation"
)

// gatheredCount returns the sum of the counter samples of the named metric matching the labels.
func gatheredCount(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	var total float64
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	metrics:
		for _, metric := range family.GetMetric() {
			values := make(map[string]string)
			for _, pair := range metric.GetLabel() {
				values[pair.GetName()] = pair.GetValue()
			}
			for key, value := range labels {
				if values[key] != value {
					continue metrics
				}
			}
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}

func Test_PrometheusMetricsReporter_Publish(t *testing.T) {
	c := require.New(t)
	reporter := &PrometheusMetricsReporter{Logger: polyzero.NewLogger()}

	requests := endpointRequests.With(prometheus.Labels{
		"endpoint_domain": "provider-one.org",
		"operation":       "query",
		"collection":      "blocks",
		"outcome":         "desync",
	})
	before := testutil.ToFloat64(requests)
	itemsBefore := gatheredCount(t, "shardline_iterator_items_total", map[string]string{"kind": "blocks", "direction": "backward"})
	outcomesBefore := gatheredCount(t, "shardline_processing_outcomes_total", map[string]string{"outcome": "expired"})

	reporter.Publish(&observation.Observations{
		Endpoints: []observation.EndpointObservation{{
			EndpointAddr:  "https://eu.mainnet.provider-one.org/graphql",
			Operation:     "query",
			Collection:    "blocks",
			Outcome:       observation.EndpointOutcomeDesync,
			Latency:       120 * time.Millisecond,
			LastBlockTime: 1_700_000_000,
		}},
		Iterator: &observation.IteratorObservation{
			Kind:      "blocks",
			Direction: "backward",
			Branches:  2,
			Emitted:   7,
			Splits:    1,
		},
		Processing: &observation.ProcessingObservation{
			MessageID:    "0xABCD",
			Outcome:      "expired",
			SendAttempts: 1,
			Duration:     3 * time.Second,
		},
	})

	c.Equal(before+1, testutil.ToFloat64(requests))
	c.Equal(float64(1_700_000_000), testutil.ToFloat64(endpointBlockTime.With(prometheus.Labels{
		"endpoint_addr": "https://eu.mainnet.provider-one.org/graphql",
	})))
	c.Equal(itemsBefore+7, gatheredCount(t, "shardline_iterator_items_total", map[string]string{"kind": "blocks", "direction": "backward"}))
	c.Equal(outcomesBefore+1, gatheredCount(t, "shardline_processing_outcomes_total", map[string]string{"outcome": "expired"}))

	// Nothing to publish.
	reporter.Publish(nil)
	reporter.Publish(&observation.Observations{})
}

func Test_PrometheusMetricsReporter_FailedIteratorStep(t *testing.T) {
	c := require.New(t)
	reporter := &PrometheusMetricsReporter{Logger: polyzero.NewLogger()}

	labels := map[string]string{"kind": "transactions", "direction": "forward"}
	errorsBefore := gatheredCount(t, "shardline_iterator_errors_total", labels)
	itemsBefore := gatheredCount(t, "shardline_iterator_items_total", labels)

	reporter.Publish(&observation.Observations{
		Iterator: &observation.IteratorObservation{
			Kind:         "transactions",
			Direction:    "forward",
			Emitted:      3,
			ErrorMessage: "iterator desync",
		},
	})

	c.Equal(errorsBefore+1, gatheredCount(t, "shardline_iterator_errors_total", labels))
	c.Equal(itemsBefore, gatheredCount(t, "shardline_iterator_items_total", labels))
}

func Test_ServeMetrics(t *testing.T) {
	c := require.New(t)

	// Reserve a free port.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	c.NoError(err)
	addr := listener.Addr().String()
	c.NoError(listener.Close())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reporter := &PrometheusMetricsReporter{Logger: polyzero.NewLogger()}
	reporter.Publish(&observation.Observations{
		Endpoints: []observation.EndpointObservation{{
			EndpointAddr: "http://localhost:8080",
			Operation:    "query",
			Collection:   "info",
			Outcome:      observation.EndpointOutcomeSuccess,
		}},
	})
	c.NoError(reporter.ServeMetrics(ctx, addr))

	// The address is now taken.
	c.Error(reporter.ServeMetrics(ctx, addr))

	resp, err := http.Get("http://" + addr + endpointMetrics)
	c.NoError(err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	c.NoError(err)
	c.Equal(http.StatusOK, resp.StatusCode)
	c.True(strings.Contains(string(body), "shardline_endpoint_requests_total"))
}
