package metrics

import (
	"strconv"

	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	"github.com/buildwithgrove/shardline/observation"
)

const (
	iteratorItemsTotal      = "iterator_items_total"
	iteratorTopologyTotal   = "iterator_topology_changes_total"
	iteratorErrorsTotal     = "iterator_errors_total"
	iteratorNextSeconds     = "iterator_next_duration_seconds"
	iteratorBranches        = "iterator_branches"
	processingOutcomesTotal = "processing_outcomes_total"
	processingSeconds       = "processing_duration_seconds"
	processingSendAttempts  = "processing_send_attempts"
	processingBlocksWaited  = "processing_blocks_observed"
)

var (
	// iteratorItems counts the blocks or transactions emitted by iterators,
	// labeled by 'kind' (blocks, transactions) and 'direction' (forward, backward).
	//
	// Usage:
	// - Follow the indexing throughput of a consumer.
	iteratorItems = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Subsystem: shardlineProcess,
		Name:      iteratorItemsTotal,
		Help:      "Total number of items emitted by iterators.",
	}, []string{"kind", "direction"})

	// iteratorTopology counts the shard splits and merges walked through by iterators.
	iteratorTopology = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Subsystem: shardlineProcess,
		Name:      iteratorTopologyTotal,
		Help:      "Total number of shard splits and merges followed by iterators.",
	}, []string{"kind", "change"})

	// iteratorErrors counts failed Next calls. A failed call leaves the iterator position unchanged.
	iteratorErrors = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Subsystem: shardlineProcess,
		Name:      iteratorErrorsTotal,
		Help:      "Total number of failed iterator Next calls.",
	}, []string{"kind", "direction"})

	// iteratorNextDuration observes the duration of Next calls.
	// Buckets span a cached hit to a slow walk across many shards.
	iteratorNextDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Subsystem: shardlineProcess,
		Name:      iteratorNextSeconds,
		Help:      "Histogram of iterator Next durations in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15},
	}, []string{"kind", "direction"})

	// iteratorBranchCount is the number of shard branches of the last iteration step.
	iteratorBranchCount = prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
		Subsystem: shardlineProcess,
		Name:      iteratorBranches,
		Help:      "Number of shard branches followed by the last iterator step.",
	}, []string{"kind", "direction"})

	// processingOutcomes counts submitted messages by outcome:
	// confirmed, expired, transport_failure, server_rejected or error.
	//
	// Usage:
	// - Alert on a rising share of expired or rejected messages.
	processingOutcomes = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Subsystem: shardlineProcess,
		Name:      processingOutcomesTotal,
		Help:      "Total number of submitted messages, labeled by outcome.",
	}, []string{"outcome"})

	// processingDuration observes the time from submission to outcome.
	// Buckets are selected around the usual message expiration window.
	processingDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Subsystem: shardlineProcess,
		Name:      processingSeconds,
		Help:      "Histogram of message processing durations in seconds.",
		Buckets:   []float64{1, 5, 10, 20, 40, 60, 120},
	}, []string{"outcome"})

	// processingAttempts observes the number of sends per message.
	processingAttempts = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Subsystem: shardlineProcess,
		Name:      processingSendAttempts,
		Help:      "Histogram of the number of send attempts per message.",
		Buckets:   []float64{1, 2, 3, 5, 10},
	}, []string{"outcome"})

	// processingBlocks observes the number of blocks looked at while waiting for a message.
	processingBlocks = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Subsystem: shardlineProcess,
		Name:      processingBlocksWaited,
		Help:      "Histogram of the number of blocks observed per message.",
		Buckets:   []float64{1, 2, 5, 10, 20, 50},
	}, []string{"outcome"})
)

// publishIteratorMetrics publishes the metrics of one iterator step.
func publishIteratorMetrics(obs *observation.IteratorObservation) {
	if obs == nil {
		return
	}
	labels := []string{"kind", obs.Kind, "direction", obs.Direction}

	iteratorNextDuration.With(labels...).Observe(obs.Duration.Seconds())
	if obs.ErrorMessage != "" {
		iteratorErrors.With(labels...).Add(1)
		return
	}

	iteratorItems.With(labels...).Add(float64(obs.Emitted))
	iteratorBranchCount.With(labels...).Set(float64(obs.Branches))
	if obs.Splits > 0 {
		iteratorTopology.With("kind", obs.Kind, "change", "split").Add(float64(obs.Splits))
	}
	if obs.Merges > 0 {
		iteratorTopology.With("kind", obs.Kind, "change", "merge").Add(float64(obs.Merges))
	}
}

// publishProcessingMetrics publishes the metrics of one submitted message.
func publishProcessingMetrics(obs *observation.ProcessingObservation) {
	if obs == nil {
		return
	}

	processingOutcomes.With("outcome", obs.Outcome).Add(1)
	processingDuration.With("outcome", obs.Outcome).Observe(obs.Duration.Seconds())
	processingAttempts.With("outcome", obs.Outcome).Observe(float64(obs.SendAttempts))
	processingBlocks.With("outcome", obs.Outcome).Observe(float64(obs.BlocksObserved))
}

// boolLabel renders a boolean label value.
func boolLabel(b bool) string {
	return strconv.FormatBool(b)
}
