package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/buildwithgrove/shardline/observation"
	"github.com/buildwithgrove/shardline/protocol"
	"github.com/buildwithgrove/shardline/qos"
)

// probeResult is the outcome of probing one endpoint.
type probeResult struct {
	addr    protocol.EndpointAddr
	info    qos.Info
	latency time.Duration
	err     error
}

// Resolve returns the active endpoint.
//
// When no endpoint is active, all candidates are probed in parallel and the
// first in-sync answer wins. A demoted endpoint only wins if every other
// candidate failed. If every probe fails within probe_timeout, the error wraps
// protocol.ErrNoReachableEndpoint and carries each probe's failure.
func (m *EndpointManager) Resolve(ctx context.Context) (qos.Endpoint, error) {
	if err := m.checkSuspended(); err != nil {
		return qos.Endpoint{}, err
	}
	if active, ok := m.store.Active(); ok {
		return active, nil
	}

	m.probeMu.Lock()
	defer m.probeMu.Unlock()

	// Another caller may have completed a probe round while this one waited.
	if active, ok := m.store.Active(); ok {
		return active, nil
	}

	return m.probe(ctx)
}

// probe runs one probe round. Must be called with probeMu held.
func (m *EndpointManager) probe(ctx context.Context) (qos.Endpoint, error) {
	logger := m.logger.With("method", "probe")

	candidates := m.store.Candidates()
	if len(candidates) == 0 {
		return qos.Endpoint{}, fmt.Errorf("%w: no endpoints configured", protocol.ErrNoReachableEndpoint)
	}

	demoted := make(map[protocol.EndpointAddr]bool, len(candidates))
	for _, candidate := range candidates {
		demoted[candidate.Addr] = candidate.Demoted
	}

	order := qos.ProbeOrder(m.logger, candidates)
	logger.Info().Msgf("probing %d endpoints: %s", len(order), order.String())

	probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()

	// Every probe sends exactly one result: the channel never blocks a late probe.
	results := make(chan probeResult, len(order))
	go m.runProbes(probeCtx, order, results)

	var (
		errs       error
		fallback   *probeResult
		collected  []observation.ProbeObservation
		activeAddr protocol.EndpointAddr
	)

	for result := range results {
		if result.err == nil {
			m.observeNetworkTime(result.info.LastBlockTime)
			result.err = qos.CheckProbe(result.info, m.NetworkTime(), m.config.OutOfSyncThreshold)
		}
		collected = append(collected, probeObservation(result))

		if result.err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", result.addr, result.err))
			// The caller giving up says nothing about the endpoint.
			if ctx.Err() == nil {
				m.store.RecordFailure(result.addr, result.err)
			}
			logger.Warn().Err(result.err).Str("endpoint_addr", string(result.addr)).Msg("endpoint probe failed")
			continue
		}

		m.store.RecordSuccess(result.addr, result.latency, result.info.LastBlockTime)
		m.store.RecordServerTime(result.addr, result.info.ServerTime())

		if demoted[result.addr] {
			if fallback == nil {
				r := result
				fallback = &r
			}
			continue
		}

		activeAddr = result.addr
		break
	}

	if activeAddr == "" && fallback != nil {
		activeAddr = fallback.addr
	}

	m.reporter.Publish(&observation.Observations{Probes: collected})

	if activeAddr == "" {
		if err := ctx.Err(); err != nil {
			return qos.Endpoint{}, err
		}
		logger.Error().Err(errs).Msg("no endpoint passed its probe")
		return qos.Endpoint{}, fmt.Errorf("%w: %w", protocol.ErrNoReachableEndpoint, errs)
	}

	m.store.Activate(activeAddr)
	active, _ := m.store.Get(activeAddr)
	logger.Info().Str("endpoint_addr", string(activeAddr)).Msg("endpoint activated")
	return active, nil
}

// runProbes starts probes in the given order, at most max_concurrent_probes at a time.
// results is closed once every probe has reported.
func (m *EndpointManager) runProbes(ctx context.Context, order protocol.EndpointAddrList, results chan<- probeResult) {
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		close(results)
	}()

	for _, addr := range order {
		if !m.probeLimiter.Acquire(ctx) {
			results <- probeResult{
				addr: addr,
				err:  fmt.Errorf("%w: probe not started: %v", protocol.ErrTransport, ctx.Err()),
			}
			continue
		}

		wg.Add(1)
		go func(addr protocol.EndpointAddr) {
			defer wg.Done()
			defer m.probeLimiter.Release()
			results <- m.probeEndpoint(ctx, addr)
		}(addr)
	}
}

func (m *EndpointManager) probeEndpoint(ctx context.Context, addr protocol.EndpointAddr) probeResult {
	start := time.Now()
	resp, err := m.transport.Execute(ctx, addr, qos.ProbeRequest())
	result := probeResult{addr: addr, latency: time.Since(start)}
	if err != nil {
		result.err = err
		return result
	}
	if resp.Latency > 0 {
		result.latency = resp.Latency
	}

	result.info, result.err = qos.ParseInfo(resp)
	return result
}

func probeObservation(result probeResult) observation.ProbeObservation {
	obs := observation.ProbeObservation{
		EndpointAddr:  string(result.addr),
		Latency:       result.latency,
		LastBlockTime: result.info.LastBlockTime,
		InSync:        result.err == nil,
	}
	if result.err != nil {
		obs.ErrorMessage = result.err.Error()
	}
	return obs
}
