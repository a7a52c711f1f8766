// Package router serves the admin API of a running client:
// health, endpoint states, endpoint replacement and network suspension.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/pokt-network/poktroll/pkg/polylog"

	"github.com/buildwithgrove/shardline/config"
	"github.com/buildwithgrove/shardline/protocol"
	"github.com/buildwithgrove/shardline/qos"
)

//go:generate mockgen -destination=mock_network_test.go -package=router . endpointManager

const (
	// maxRequestBodyBytes bounds the bodies of admin requests.
	maxRequestBodyBytes = 64 << 10

	shutdownTimeout = 5 * time.Second
)

type (
	router struct {
		mux     *http.ServeMux
		network endpointManager
		health  healthChecker
		config  config.RouterConfig
		logger  polylog.Logger
	}

	// endpointManager is the part of gateway.EndpointManager the admin API drives.
	endpointManager interface {
		Endpoints() []qos.Endpoint
		SetEndpoints(addrs protocol.EndpointAddrList)
		NetworkTime() uint32
		Suspend()
		Resume()
	}

	healthChecker interface {
		HealthzHandler(w http.ResponseWriter, req *http.Request)
	}
)

/* --------------------------------- Init -------------------------------- */

// NewRouter creates a new router instance
func NewRouter(
	logger polylog.Logger,
	network endpointManager,
	health healthChecker,
	config config.RouterConfig,
) *router {
	r := &router{
		mux:     http.NewServeMux(),
		network: network,
		health:  health,
		config:  config,
		logger:  logger.With("package", "router"),
	}
	r.handleRoutes()
	return r
}

func (r *router) handleRoutes() {
	// GET /healthz - returns the ready state of every component
	r.mux.HandleFunc("GET /healthz", r.health.HealthzHandler)

	// GET /endpoints - returns the endpoints in selection order
	r.mux.HandleFunc("GET /endpoints", r.handleGetEndpoints)

	// PUT /endpoints - replaces the candidate endpoints
	r.mux.HandleFunc("PUT /endpoints", r.handleSetEndpoints)

	// POST /network/suspend, POST /network/resume - e.g. around a host sleep
	r.mux.HandleFunc("POST /network/suspend", r.handleSuspend)
	r.mux.HandleFunc("POST /network/resume", r.handleResume)
}

// Start serves the admin API until ctx is done.
func (r *router) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:           fmt.Sprintf(":%d", r.config.Port),
		Handler:        r.mux,
		ReadTimeout:    r.config.ReadTimeout,
		WriteTimeout:   r.config.WriteTimeout,
		IdleTimeout:    r.config.IdleTimeout,
		MaxHeaderBytes: r.config.MaxRequestHeaderBytes,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	r.logger.Info().Msgf("shardline admin API running on port %d", r.config.Port)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

/* --------------------------------- Handlers -------------------------------- */

type (
	endpointJSON struct {
		Addr         protocol.EndpointAddr `json:"addr"`
		Status       string                `json:"status"`
		LatencyMs    int64                 `json:"latencyMs"`
		MaxBlockTime uint32                `json:"maxBlockTime"`
		Demoted      bool                  `json:"demoted"`
		LastError    string                `json:"lastError,omitempty"`
		UpdatedAt    *time.Time            `json:"updatedAt,omitempty"`
	}

	endpointsJSON struct {
		NetworkTime uint32         `json:"networkTime"`
		Endpoints   []endpointJSON `json:"endpoints"`
	}

	setEndpointsJSON struct {
		Endpoints []string `json:"endpoints"`
	}
)

// GET /endpoints
func (r *router) handleGetEndpoints(w http.ResponseWriter, req *http.Request) {
	endpoints := r.network.Endpoints()

	resp := endpointsJSON{
		NetworkTime: r.network.NetworkTime(),
		Endpoints:   make([]endpointJSON, 0, len(endpoints)),
	}
	for _, endpoint := range endpoints {
		e := endpointJSON{
			Addr:         endpoint.Addr,
			Status:       endpoint.Status.String(),
			LatencyMs:    endpoint.Latency.Milliseconds(),
			MaxBlockTime: endpoint.MaxBlockTime,
			Demoted:      endpoint.Demoted,
			LastError:    endpoint.LastError,
		}
		if !endpoint.UpdatedAt.IsZero() {
			updatedAt := endpoint.UpdatedAt
			e.UpdatedAt = &updatedAt
		}
		resp.Endpoints = append(resp.Endpoints, e)
	}

	r.writeJSON(w, http.StatusOK, resp)
}

// PUT /endpoints
func (r *router) handleSetEndpoints(w http.ResponseWriter, req *http.Request) {
	var body setEndpointsJSON
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxRequestBodyBytes)).Decode(&body); err != nil {
		http.Error(w, fmt.Sprintf("malformed request body: %v", err), http.StatusBadRequest)
		return
	}
	if len(body.Endpoints) == 0 {
		http.Error(w, "at least one endpoint is required", http.StatusBadRequest)
		return
	}

	addrs := make(protocol.EndpointAddrList, 0, len(body.Endpoints))
	for _, raw := range body.Endpoints {
		addr, err := protocol.ParseEndpointAddr(raw)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid endpoint %q: %v", raw, err), http.StatusBadRequest)
			return
		}
		addrs = append(addrs, addr)
	}

	r.network.SetEndpoints(addrs)
	r.logger.Info().Msgf("endpoints replaced: %s", addrs.String())
	r.handleGetEndpoints(w, req)
}

// POST /network/suspend
func (r *router) handleSuspend(w http.ResponseWriter, _ *http.Request) {
	r.network.Suspend()
	w.WriteHeader(http.StatusNoContent)
}

// POST /network/resume
func (r *router) handleResume(w http.ResponseWriter, _ *http.Request) {
	r.network.Resume()
	w.WriteHeader(http.StatusNoContent)
}

func (r *router) writeJSON(w http.ResponseWriter, status int, value any) {
	responseBytes, err := json.Marshal(value)
	if err != nil {
		r.logger.Error().Err(err).Msg("error marshaling admin API response")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(responseBytes); err != nil {
		r.logger.Error().Err(err).Msg("error writing admin API response")
	}
}
