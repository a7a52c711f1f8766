package http

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptrace"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/pokt-network/poktroll/pkg/polylog"

	"github.com/buildwithgrove/shardline/log"
	"github.com/buildwithgrove/shardline/network/concurrency"
	"github.com/buildwithgrove/shardline/protocol"
)

// GraphQLClient sends GraphQL queries and mutations to data service endpoints over HTTP POST.
// It carries built-in request tracing and counters, logged in detail on failures.
type GraphQLClient struct {
	logger     polylog.Logger
	httpClient *http.Client
	bufferPool *concurrency.BufferPool
	headers    map[string]string

	// Atomic counters for monitoring
	activeRequests   atomic.Int64
	totalRequests    atomic.Int64
	timeoutErrors    atomic.Int64
	connectionErrors atomic.Int64
}

// requestMetrics holds detailed timing and status information for a single HTTP request
type requestMetrics struct {
	StartTime      time.Time
	DNSLookupTime  time.Duration
	ConnectTime    time.Duration
	TLSTime        time.Duration
	FirstByteTime  time.Duration
	TotalTime      time.Duration
	StatusCode     int
	Error          error
	ContextTimeout time.Duration
	GoroutineCount int
	URL            string
}

// NewGraphQLClient creates a client with transport settings suited to a handful of endpoints.
// headers are set on every request, e.g. an API key.
func NewGraphQLClient(logger polylog.Logger, headers map[string]string) *GraphQLClient {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,

		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,

		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}

	// Individual requests use context deadlines for actual timeout control.
	httpClient := &http.Client{
		Transport: transport,
		Timeout:   2 * time.Minute,
	}

	return &GraphQLClient{
		logger:     logger.With("component", "graphql_http_client"),
		httpClient: httpClient,
		bufferPool: concurrency.NewBufferPool(concurrency.DefaultMaxReaderSize),
		headers:    headers,
	}
}

// Execute sends the request to the endpoint's GraphQL URL and decodes the response.
//
// Errors:
//   - Connection failures, timeouts and 5xx statuses wrap protocol.ErrTransport.
//   - A response carrying GraphQL errors is returned as is: callers classify it with Response.Err.
//   - An undecodable body wraps protocol.ErrServerError.
func (c *GraphQLClient) Execute(
	ctx context.Context,
	endpoint protocol.EndpointAddr,
	request protocol.Request,
) (protocol.Response, error) {
	body, err := request.Body()
	if err != nil {
		return protocol.Response{}, fmt.Errorf("SHOULD NEVER HAPPEN: failed to render request: %w", err)
	}

	start := time.Now()
	respBody, statusCode, err := c.post(ctx, endpoint.QueryURL(), body)
	latency := time.Since(start)
	if err != nil {
		return protocol.Response{}, err
	}

	var resp protocol.Response
	decodeErr := json.Unmarshal(respBody, &resp)
	resp.Endpoint = endpoint
	resp.Latency = latency

	statusErr := EnsureHTTPSuccess(statusCode)
	switch {
	case statusErr != nil && statusCode >= http.StatusInternalServerError:
		return resp, fmt.Errorf("%w: %w", protocol.ErrTransport, statusErr)
	case decodeErr == nil && len(resp.Errors) > 0:
		// Servers answer GraphQL errors with a 4xx status: the errors carry the details.
		return resp, nil
	case statusErr != nil:
		return resp, fmt.Errorf("%w: %w", protocol.ErrServerError, statusErr)
	case decodeErr != nil:
		c.logger.Warn().
			Str("endpoint_addr", string(endpoint)).
			Str("response_preview", log.Preview(string(respBody))).
			Msg("endpoint returned a malformed GraphQL response")
		return resp, fmt.Errorf("%w: malformed response: %v", protocol.ErrServerError, decodeErr)
	}

	return resp, nil
}

// post sends an HTTP POST request with the body to the specified URL.
// Logs detailed metrics and tracing information on failure for debugging.
func (c *GraphQLClient) post(ctx context.Context, endpointURL string, body []byte) ([]byte, int, error) {
	tracedCtx, metrics, recordRequest := c.setupRequestTracing(ctx, endpointURL)

	var requestErr error
	defer func() {
		recordRequest(requestErr)
	}()

	req, err := http.NewRequestWithContext(tracedCtx, http.MethodPost, endpointURL, bytes.NewReader(body))
	if err != nil {
		requestErr = fmt.Errorf("%w: failed to create HTTP request: %v", protocol.ErrTransport, err)
		return nil, 0, requestErr
	}

	req.Header.Set("Content-Type", "application/json")
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		requestErr = c.categorizeError(tracedCtx, err)
		return nil, 0, requestErr
	}
	defer resp.Body.Close()

	metrics.StatusCode = resp.StatusCode

	respBody, err := c.bufferPool.ReadWithBuffer(resp.Body)
	if err != nil {
		requestErr = fmt.Errorf("%w: failed to read response body: %v", protocol.ErrTransport, err)
		return nil, resp.StatusCode, requestErr
	}

	return respBody, resp.StatusCode, nil
}

// setupRequestTracing initializes request metrics, HTTP tracing context, and atomic counters.
// Returns the traced context and a recorder function that accepts the request's error.
func (c *GraphQLClient) setupRequestTracing(
	ctx context.Context,
	endpointURL string,
) (context.Context, *requestMetrics, func(error)) {
	c.activeRequests.Add(1)
	c.totalRequests.Add(1)

	metrics := &requestMetrics{
		StartTime:      time.Now(),
		GoroutineCount: runtime.NumGoroutine(),
		URL:            endpointURL,
	}

	if deadline, ok := ctx.Deadline(); ok {
		metrics.ContextTimeout = time.Until(deadline)
	}

	tracedCtx := httptrace.WithClientTrace(ctx, createHTTPTrace(metrics))

	requestRecorder := func(err error) {
		c.activeRequests.Add(-1)
		metrics.TotalTime = time.Since(metrics.StartTime)
		metrics.Error = err
		if err != nil {
			c.logRequestMetrics(*metrics)
		}
	}

	return tracedCtx, metrics, requestRecorder
}

// categorizeError categorizes HTTP client errors and updates counters for monitoring.
// Every categorized error wraps protocol.ErrTransport.
func (c *GraphQLClient) categorizeError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		c.timeoutErrors.Add(1)
		return fmt.Errorf("%w: request timeout: %v", protocol.ErrTransport, err)
	}
	c.connectionErrors.Add(1)
	return fmt.Errorf("%w: connection error: %v", protocol.ErrTransport, err)
}

// createHTTPTrace creates an HTTP trace that captures timing metrics
// for each phase of the HTTP request lifecycle.
func createHTTPTrace(metrics *requestMetrics) *httptrace.ClientTrace {
	var dnsStart, connectStart, tlsStart time.Time

	return &httptrace.ClientTrace{
		DNSStart: func(httptrace.DNSStartInfo) {
			dnsStart = time.Now()
		},
		DNSDone: func(httptrace.DNSDoneInfo) {
			if !dnsStart.IsZero() {
				metrics.DNSLookupTime = time.Since(dnsStart)
			}
		},
		ConnectStart: func(network, addr string) {
			connectStart = time.Now()
		},
		ConnectDone: func(network, addr string, err error) {
			if !connectStart.IsZero() {
				metrics.ConnectTime = time.Since(connectStart)
			}
		},
		TLSHandshakeStart: func() {
			tlsStart = time.Now()
		},
		TLSHandshakeDone: func(tls.ConnectionState, error) {
			if !tlsStart.IsZero() {
				metrics.TLSTime = time.Since(tlsStart)
			}
		},
		GotFirstResponseByte: func() {
			metrics.FirstByteTime = time.Since(metrics.StartTime)
		},
	}
}

// logRequestMetrics logs request metrics for debugging failed requests.
// Only called when a request fails to avoid verbose logging on successful requests.
func (c *GraphQLClient) logRequestMetrics(metrics requestMetrics) {
	c.logger.With(
		"url", metrics.URL,
		"dns_lookup_ms", metrics.DNSLookupTime.Milliseconds(),
		"connect_ms", metrics.ConnectTime.Milliseconds(),
		"tls_ms", metrics.TLSTime.Milliseconds(),
		"first_byte_ms", metrics.FirstByteTime.Milliseconds(),
		"total_ms", metrics.TotalTime.Milliseconds(),
		"status_code", metrics.StatusCode,
		"timeout_ms", metrics.ContextTimeout.Milliseconds(),
		"goroutines", metrics.GoroutineCount,
		"active_requests", c.activeRequests.Load(),
		"total_requests", c.totalRequests.Load(),
		"timeout_errors", c.timeoutErrors.Load(),
		"connection_errors", c.connectionErrors.Load(),
	).Warn().Err(metrics.Error).Msg("GraphQL HTTP request failed - detailed timing breakdown")
}

// Close releases idle connections and logs final statistics.
func (c *GraphQLClient) Close() {
	c.logger.Info().
		Int64("total_requests", c.totalRequests.Load()).
		Int64("timeout_errors", c.timeoutErrors.Load()).
		Int64("connection_errors", c.connectionErrors.Load()).
		Msg("closing GraphQL HTTP client")

	c.httpClient.CloseIdleConnections()
}
