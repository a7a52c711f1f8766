package qos

import (
	"time"

	"github.com/buildwithgrove/shardline/protocol"
)

// EndpointStatus is the health status of an endpoint, as last observed.
type EndpointStatus int

const (
	StatusUntested EndpointStatus = iota
	StatusHealthy
	StatusUnreachable
)

func (s EndpointStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnreachable:
		return "unreachable"
	default:
		return "untested"
	}
}

// Endpoint is the quality data stored for a data service endpoint.
// Values handed out by the store are copies: read-only for client code.
type Endpoint struct {
	Addr   protocol.EndpointAddr
	Status EndpointStatus

	// Latency of the last successful request.
	Latency time.Duration

	// ServerTime is the server clock reported by the last probe.
	ServerTime time.Time

	// MaxBlockTime is the generation time of the freshest block known to the endpoint, in network seconds.
	MaxBlockTime uint32

	// Demoted is set while the endpoint sits at the back of the ordering after a failure.
	Demoted bool

	LastError string
	UpdatedAt time.Time
}

// preferredOver implements the selection policy between two candidates:
// highest max block time first, then lowest latency.
func (e Endpoint) preferredOver(other Endpoint) bool {
	if e.MaxBlockTime != other.MaxBlockTime {
		return e.MaxBlockTime > other.MaxBlockTime
	}
	return e.Latency < other.Latency
}

// rank orders endpoints by class: healthy, untested, unreachable. Demoted endpoints come last.
func (e Endpoint) rank() int {
	if e.Demoted {
		return 3
	}
	switch e.Status {
	case StatusHealthy:
		return 0
	case StatusUntested:
		return 1
	default:
		return 2
	}
}
