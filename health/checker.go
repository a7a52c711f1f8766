package health

import (
	"encoding/json"
	"net/http"
	"os"
	"slices"

	"github.com/pokt-network/poktroll/pkg/polylog"

	"github.com/buildwithgrove/shardline/protocol"
)

const (
	// The image tag is set to the value of the IMAGE_TAG environment variable,
	// which is passed to the Docker image as a build argument at build time.
	// It represents the semver version of shardline (eg. `v0.0.1`).
	imageTagEnvVar = "IMAGE_TAG"
	// If the image tag is not set by the Docker build process, the default value is "development".
	defaultImageTag = "development"
)

// The status of the health check component.
type healthCheckStatus string

const (
	// statusReady indicates that all components are ready
	statusReady healthCheckStatus = "ready"
	// statusNotReady indicates that one or more components are not ready,
	// e.g. no endpoint is reachable or the network is suspended.
	statusNotReady healthCheckStatus = "not_ready"
)

type (
	// health.Checker struct is used to store all components whose
	// health needs to be checked to consider the client ready.
	Checker struct {
		Logger           polylog.Logger
		Components       []Check
		EndpointReporter EndpointReporter
	}

	// health.Check is an interface that must be implemented
	// by components that need to report their health status
	Check interface {
		Name() string  // Name returns the name of the component being checked.
		IsAlive() bool // IsAlive returns true if the component is healthy, otherwise false.
	}

	// EndpointReporter returns the data service endpoints the client is configured with.
	EndpointReporter interface {
		ConfiguredEndpoints() protocol.EndpointAddrList
	}
)

// healthCheckJSON is the JSON structure of the response body
// returned by the `/healthz` endpoint along with the status code.
type healthCheckJSON struct {
	Status      healthCheckStatus `json:"status"`
	ImageTag    string            `json:"imageTag"`
	ReadyStates map[string]bool   `json:"readyStates,omitempty"`
	// ConfiguredEndpoints lists the data service endpoints, sorted.
	ConfiguredEndpoints []protocol.EndpointAddr `json:"configuredEndpoints,omitempty"`
}

// HealthzHandler returns the health status as a JSON response.
//
// It will return a 200 OK status code if all components are ready or
// a 503 Service Unavailable status code if any component is not ready.
func (c *Checker) HealthzHandler(w http.ResponseWriter, req *http.Request) {
	readyStates := c.getComponentReadyStates()
	status := getStatus(readyStates)

	responseBytes := c.getHealthCheckResponse(status, readyStates)
	if responseBytes == nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if status == statusReady {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	if _, err := w.Write(responseBytes); err != nil {
		c.Logger.Error().Msgf("error writing health check response: %s", err.Error())
	}
}

// IsReady reports whether every component is alive.
func (c *Checker) IsReady() bool {
	return getStatus(c.getComponentReadyStates()) == statusReady
}

func (c *Checker) getHealthCheckResponse(status healthCheckStatus, readyStates map[string]bool) []byte {
	imageTag := os.Getenv(imageTagEnvVar) // eg. `v0.0.1`
	if imageTag == "" {
		imageTag = defaultImageTag
	}

	responseBytes, err := json.Marshal(healthCheckJSON{
		Status:              status,
		ReadyStates:         readyStates,
		ImageTag:            imageTag,
		ConfiguredEndpoints: c.getConfiguredEndpoints(),
	})
	if err != nil {
		c.Logger.Error().Msgf("error marshaling health check response: %s", err.Error())
		return nil
	}

	return responseBytes
}

// getComponentReadyStates returns a map of component names to their ready status
func (c *Checker) getComponentReadyStates() map[string]bool {
	readyStates := make(map[string]bool)
	for _, component := range c.Components {
		readyStates[component.Name()] = component.IsAlive()
	}
	return readyStates
}

func (c *Checker) getConfiguredEndpoints() []protocol.EndpointAddr {
	if c.EndpointReporter == nil {
		return nil
	}
	endpoints := slices.Clone(c.EndpointReporter.ConfiguredEndpoints())
	slices.Sort(endpoints)
	return endpoints
}

// getStatus returns statusNotReady if any component is not ready, otherwise statusReady
func getStatus(readyStates map[string]bool) healthCheckStatus {
	for _, ready := range readyStates {
		if !ready {
			return statusNotReady
		}
	}
	return statusReady
}
