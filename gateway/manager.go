// Package gateway implements the endpoint manager: the single entry point of
// the client to the data service. It selects the active endpoint, runs queries
// and mutations with failover, and keeps subscriptions alive across endpoints.
package gateway

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pokt-network/poktroll/pkg/polylog"

	"github.com/buildwithgrove/shardline/health"
	"github.com/buildwithgrove/shardline/network/concurrency"
	"github.com/buildwithgrove/shardline/observation"
	"github.com/buildwithgrove/shardline/protocol"
	"github.com/buildwithgrove/shardline/qos"
)

// EndpointManager provides the functionality required for health check.
var _ health.Check = &EndpointManager{}

// EndpointManager provides the endpoint list reported by the health check.
var _ health.EndpointReporter = &EndpointManager{}

// componentNameEndpointManager is the name used when reporting the status of the endpoint manager
const componentNameEndpointManager = "endpoint-manager"

// EndpointManager owns the endpoint set and multiplexes every operation over the active endpoint.
//
// It is safe for concurrent use: any number of goroutines may run Execute and Subscribe.
// Endpoint health changes only on call outcomes and probe rounds; nothing polls in the background.
type EndpointManager struct {
	logger polylog.Logger
	config Config

	transport Transport
	dialer    StreamDialer
	reporter  observation.Reporter

	store        *qos.EndpointStore
	probeLimiter *concurrency.Limiter

	// probeMu serializes probe rounds: callers arriving during a round use its winner.
	probeMu sync.Mutex

	// networkTime is the freshest block generation time reported by any endpoint, in network seconds.
	networkTime atomic.Uint32

	suspendMu     sync.Mutex
	suspended     bool
	resumed       chan struct{}
	subscriptions map[*Subscription]struct{}
}

// NewEndpointManager returns a manager over the configured endpoints.
// The config is expected to be hydrated with defaults.
func NewEndpointManager(
	logger polylog.Logger,
	config Config,
	transport Transport,
	dialer StreamDialer,
	reporter observation.Reporter,
) (*EndpointManager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, fmt.Errorf("%w: a transport must be provided", ErrInvalidNetworkConfig)
	}
	if reporter == nil {
		reporter = observation.NoopReporter{}
	}

	addrs, err := config.EndpointAddrs()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidNetworkConfig, err)
	}

	resumed := make(chan struct{})
	close(resumed)

	return &EndpointManager{
		logger:        logger.With("component", componentNameEndpointManager),
		config:        config,
		transport:     transport,
		dialer:        dialer,
		reporter:      reporter,
		store:         qos.NewEndpointStore(logger, addrs, config.DemotionDuration),
		probeLimiter:  concurrency.NewLimiter(config.MaxConcurrentProbes),
		resumed:       resumed,
		subscriptions: make(map[*Subscription]struct{}),
	}, nil
}

// Endpoints returns a snapshot of every endpoint, in selection order.
func (m *EndpointManager) Endpoints() []qos.Endpoint {
	return m.store.Candidates()
}

// SetEndpoints replaces the candidate endpoints.
// The active endpoint stays active if it is part of the new set.
func (m *EndpointManager) SetEndpoints(addrs protocol.EndpointAddrList) {
	m.store.SetEndpoints(addrs)
}

// ConfiguredEndpoints returns the addresses of every endpoint.
func (m *EndpointManager) ConfiguredEndpoints() protocol.EndpointAddrList {
	candidates := m.store.Candidates()
	addrs := make(protocol.EndpointAddrList, 0, len(candidates))
	for _, endpoint := range candidates {
		addrs = append(addrs, endpoint.Addr)
	}
	return addrs
}

// NetworkTime returns the freshest block generation time observed from any endpoint.
func (m *EndpointManager) NetworkTime() uint32 {
	return m.networkTime.Load()
}

func (m *EndpointManager) observeNetworkTime(blockTime uint32) {
	for {
		current := m.networkTime.Load()
		if blockTime <= current || m.networkTime.CompareAndSwap(current, blockTime) {
			return
		}
	}
}

/* -------------------- Suspend / Resume -------------------- */

// Suspend makes every operation fail fast with protocol.ErrSuspended and
// closes the connections of live subscriptions. Subscriptions reconnect on Resume.
func (m *EndpointManager) Suspend() {
	m.suspendMu.Lock()
	if m.suspended {
		m.suspendMu.Unlock()
		return
	}
	m.suspended = true
	m.resumed = make(chan struct{})

	subscriptions := make([]*Subscription, 0, len(m.subscriptions))
	for sub := range m.subscriptions {
		subscriptions = append(subscriptions, sub)
	}
	m.suspendMu.Unlock()

	m.logger.Info().Int("subscriptions", len(subscriptions)).Msg("network suspended")
	for _, sub := range subscriptions {
		sub.interrupt()
	}
}

// Resume lifts a Suspend.
func (m *EndpointManager) Resume() {
	m.suspendMu.Lock()
	defer m.suspendMu.Unlock()

	if !m.suspended {
		return
	}
	m.suspended = false
	close(m.resumed)
	m.logger.Info().Msg("network resumed")
}

func (m *EndpointManager) checkSuspended() error {
	m.suspendMu.Lock()
	defer m.suspendMu.Unlock()
	if m.suspended {
		return protocol.ErrSuspended
	}
	return nil
}

// resumedChan returns a channel closed once the manager is not suspended.
func (m *EndpointManager) resumedChan() <-chan struct{} {
	m.suspendMu.Lock()
	defer m.suspendMu.Unlock()
	return m.resumed
}

func (m *EndpointManager) register(sub *Subscription) {
	m.suspendMu.Lock()
	defer m.suspendMu.Unlock()
	m.subscriptions[sub] = struct{}{}
}

func (m *EndpointManager) unregister(sub *Subscription) {
	m.suspendMu.Lock()
	defer m.suspendMu.Unlock()
	delete(m.subscriptions, sub)
}

// Close closes every live subscription.
func (m *EndpointManager) Close() {
	m.suspendMu.Lock()
	subscriptions := make([]*Subscription, 0, len(m.subscriptions))
	for sub := range m.subscriptions {
		subscriptions = append(subscriptions, sub)
	}
	m.suspendMu.Unlock()

	for _, sub := range subscriptions {
		sub.Close()
	}
}

/* -------------------- Health Check -------------------- */

func (m *EndpointManager) Name() string {
	return componentNameEndpointManager
}

// IsAlive returns true while the manager is not suspended and at least one
// endpoint is active or not yet known to be unreachable.
func (m *EndpointManager) IsAlive() bool {
	if m.checkSuspended() != nil {
		return false
	}
	if _, ok := m.store.Active(); ok {
		return true
	}
	for _, endpoint := range m.store.Candidates() {
		if endpoint.Status != qos.StatusUnreachable {
			return true
		}
	}
	return false
}
