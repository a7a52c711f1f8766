package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pokt-network/poktroll/pkg/retry"

	"github.com/buildwithgrove/shardline/network/concurrency"
	"github.com/buildwithgrove/shardline/observation"
	"github.com/buildwithgrove/shardline/protocol"
	"github.com/buildwithgrove/shardline/qos"
)

// Execute runs a query or mutation against the active endpoint.
//
// A transport failure, or a response showing the endpoint lags the network,
// demotes the endpoint and the request is retried on the next candidate with
// exponential backoff, up to max_retries times. Any other server error is
// returned at once. Failures are returned as *protocol.OperationError.
func (m *EndpointManager) Execute(ctx context.Context, request protocol.Request) (protocol.Response, error) {
	var (
		lastEndpoint protocol.EndpointAddr
		lastErr      error
		attempts     int
	)

	work := func() (protocol.Response, error) {
		attempts++
		resp, endpoint, err := m.executeOnce(ctx, request)
		if endpoint != "" {
			lastEndpoint = endpoint
		}
		lastErr = err
		return resp, err
	}

	resp, err := retry.Call(work, m.retryStrategy(ctx, &lastErr))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}
		m.logger.With(
			"method", "Execute",
			"collection", request.Collection,
			"endpoint_addr", string(lastEndpoint),
		).Warn().Err(err).Int("attempts", attempts).Msg("request failed")

		return resp, &protocol.OperationError{
			Op:       request.Kind.String() + " " + request.Collection,
			Endpoint: lastEndpoint,
			Err:      err,
		}
	}
	return resp, nil
}

// QueryCollection runs the request and returns the records of its collection.
func (m *EndpointManager) QueryCollection(ctx context.Context, request protocol.Request) (json.RawMessage, error) {
	resp, err := m.Execute(ctx, request)
	if err != nil {
		return nil, err
	}
	return resp.Collection(request.Collection)
}

// retryStrategy retries only retryable failures, and never once ctx is done,
// even during the backoff.
func (m *EndpointManager) retryStrategy(ctx context.Context, lastErr *error) retry.RetryStrategyFunc {
	backoff := concurrency.ExponentialBackoff(ctx, m.config.MaxRetries, m.config.RetryBackoff, defaultMaxRetryBackoff)

	return func(retryCount int) bool {
		if !protocol.IsRetryable(*lastErr) {
			return false
		}
		return backoff(retryCount)
	}
}

// executeOnce is a single attempt on the endpoint returned by Resolve.
func (m *EndpointManager) executeOnce(
	ctx context.Context,
	request protocol.Request,
) (protocol.Response, protocol.EndpointAddr, error) {
	if err := ctx.Err(); err != nil {
		return protocol.Response{}, "", err
	}

	endpoint, err := m.Resolve(ctx)
	if err != nil {
		return protocol.Response{}, "", err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, m.config.QueryTimeout)
	defer cancel()

	start := time.Now()
	resp, err := m.transport.Execute(attemptCtx, endpoint.Addr, request)
	if resp.Latency == 0 {
		resp.Latency = time.Since(start)
	}
	if err == nil {
		err = resp.Err()
	}

	lastBlockTime := resp.Extensions.LastBlockTime
	if err == nil {
		err = qos.CheckLastBlockTime(lastBlockTime, m.NetworkTime(), m.config.OutOfSyncThreshold)
	}
	m.observeNetworkTime(lastBlockTime)

	switch {
	case err == nil:
		m.store.RecordSuccess(endpoint.Addr, resp.Latency, lastBlockTime)
	case protocol.IsRetryable(err):
		// The caller giving up says nothing about the endpoint.
		if ctx.Err() == nil {
			m.store.RecordFailure(endpoint.Addr, err)
		}
	default:
		// The endpoint answered: the request itself was at fault.
		m.store.RecordSuccess(endpoint.Addr, resp.Latency, lastBlockTime)
	}

	m.reporter.Publish(&observation.Observations{
		Endpoints: []observation.EndpointObservation{
			endpointObservation(endpoint.Addr, request, resp, err),
		},
	})

	return resp, endpoint.Addr, err
}

func endpointObservation(
	addr protocol.EndpointAddr,
	request protocol.Request,
	resp protocol.Response,
	err error,
) observation.EndpointObservation {
	obs := observation.EndpointObservation{
		EndpointAddr:  string(addr),
		Operation:     request.Kind.String(),
		Collection:    request.Collection,
		Outcome:       endpointOutcome(err),
		Latency:       resp.Latency,
		LastBlockTime: resp.Extensions.LastBlockTime,
		Timestamp:     time.Now(),
	}
	if err != nil {
		obs.ErrorMessage = err.Error()
	}
	return obs
}

func endpointOutcome(err error) observation.EndpointOutcome {
	switch {
	case err == nil:
		return observation.EndpointOutcomeSuccess
	case errors.Is(err, protocol.ErrEndpointDesync):
		return observation.EndpointOutcomeDesync
	case errors.Is(err, protocol.ErrServerRejected):
		return observation.EndpointOutcomeRejected
	case errors.Is(err, protocol.ErrTransport):
		return observation.EndpointOutcomeTransportError
	default:
		return observation.EndpointOutcomeServerError
	}
}
