package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	endpointMetrics = "/metrics"

	shutdownTimeout = 5 * time.Second
)

// ServeMetrics serves the metrics on addr until ctx is done.
// It returns once the listener is bound, so a busy address is reported to the caller.
func (pmr *PrometheusMetricsReporter) ServeMetrics(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle(endpointMetrics, promhttp.Handler())
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: shutdownTimeout,
	}

	go func() {
		pmr.Logger.Info().Str("endpoint_addr", listener.Addr().String()).Msg("starting Prometheus reporter to serve metrics asynchronously.")
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			pmr.Logger.Error().Err(err).Msg("prometheus metrics reporter failed serving metrics")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return nil
}
