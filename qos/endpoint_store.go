package qos

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pokt-network/poktroll/pkg/polylog"

	"github.com/buildwithgrove/shardline/protocol"
)

// noActive marks a snapshot without an active endpoint.
const noActive = -1

// EndpointStore maintains quality data on the set of configured endpoints.
//
// It performs two key tasks:
//  1. Storing the endpoints and their quality data, in an arena addressed by index.
//  2. Tracking the single active endpoint, chosen by the selection policy.
//
// Mutations are serialized by a mutex. Readers never lock: they load the
// snapshot published by the last mutation.
type EndpointStore struct {
	logger polylog.Logger

	mu        sync.Mutex
	records   []Endpoint
	index     map[protocol.EndpointAddr]int
	demotions *demotionStore

	snapshot atomic.Pointer[storeSnapshot]
}

type storeSnapshot struct {
	endpoints []Endpoint
	active    int
}

// NewEndpointStore returns a store holding the given endpoints, all untested.
func NewEndpointStore(
	logger polylog.Logger,
	addrs protocol.EndpointAddrList,
	demotionDuration time.Duration,
) *EndpointStore {
	es := &EndpointStore{
		logger:    logger.With("component", "endpoint_store"),
		demotions: newDemotionStore(logger, demotionDuration),
	}
	es.SetEndpoints(addrs)
	return es
}

// SetEndpoints replaces the set of endpoints.
// Quality data of endpoints present in both the old and the new set is kept.
func (es *EndpointStore) SetEndpoints(addrs protocol.EndpointAddrList) {
	es.mu.Lock()
	defer es.mu.Unlock()

	var activeAddr protocol.EndpointAddr
	if snap := es.snapshot.Load(); snap != nil && snap.active != noActive {
		activeAddr = snap.endpoints[snap.active].Addr
	}

	records := make([]Endpoint, 0, len(addrs))
	index := make(map[protocol.EndpointAddr]int, len(addrs))
	for _, addr := range addrs {
		if _, dup := index[addr]; dup {
			continue
		}
		record := Endpoint{Addr: addr}
		if i, found := es.index[addr]; found {
			record = es.records[i]
		}
		index[addr] = len(records)
		records = append(records, record)
	}

	es.records = records
	es.index = index

	active := noActive
	if i, found := index[activeAddr]; found {
		active = i
	}

	es.logger.With("method", "SetEndpoints").Info().Msgf("endpoint set replaced with %d endpoints: %s", len(records), addrs.String())
	es.publish(active)
}

// Len returns the number of endpoints in the store.
func (es *EndpointStore) Len() int {
	return len(es.load().endpoints)
}

// Active returns the active endpoint, if any.
func (es *EndpointStore) Active() (Endpoint, bool) {
	snap := es.load()
	if snap.active == noActive {
		return Endpoint{}, false
	}
	return es.withDemotion(snap.endpoints[snap.active]), true
}

// Get returns the stored data of the endpoint.
func (es *EndpointStore) Get(addr protocol.EndpointAddr) (Endpoint, bool) {
	for _, endpoint := range es.load().endpoints {
		if endpoint.Addr == addr {
			return es.withDemotion(endpoint), true
		}
	}
	return Endpoint{}, false
}

// Candidates returns all endpoints in selection order:
// healthy ones by the selection policy, then untested, then unreachable,
// then demoted ones, most recently demoted last.
func (es *EndpointStore) Candidates() []Endpoint {
	snap := es.load()

	type candidate struct {
		Endpoint
		demotedAt time.Time
	}

	candidates := make([]candidate, 0, len(snap.endpoints))
	for _, endpoint := range snap.endpoints {
		c := candidate{Endpoint: endpoint}
		c.demotedAt, c.Demoted = es.demotions.isDemoted(endpoint.Addr)
		candidates = append(candidates, c)
	}

	slices.SortStableFunc(candidates, func(a, b candidate) int {
		if a.rank() != b.rank() {
			return a.rank() - b.rank()
		}
		if a.Demoted {
			return a.demotedAt.Compare(b.demotedAt)
		}
		switch {
		case a.preferredOver(b.Endpoint):
			return -1
		case b.preferredOver(a.Endpoint):
			return 1
		default:
			return 0
		}
	})

	ordered := make([]Endpoint, len(candidates))
	for i, c := range candidates {
		ordered[i] = c.Endpoint
	}
	return ordered
}

// RecordSuccess updates the endpoint after a successful request or probe.
func (es *EndpointStore) RecordSuccess(addr protocol.EndpointAddr, latency time.Duration, maxBlockTime uint32) {
	es.update(addr, func(e *Endpoint) {
		e.Status = StatusHealthy
		e.Latency = latency
		if maxBlockTime > e.MaxBlockTime {
			e.MaxBlockTime = maxBlockTime
		}
		e.LastError = ""
	})
}

// RecordServerTime stores the server clock reported by a probe.
func (es *EndpointStore) RecordServerTime(addr protocol.EndpointAddr, serverTime time.Time) {
	es.update(addr, func(e *Endpoint) {
		e.ServerTime = serverTime
	})
}

// RecordFailure marks the endpoint unreachable and demotes it.
// If it was the active endpoint, the best remaining healthy endpoint becomes active, if any.
func (es *EndpointStore) RecordFailure(addr protocol.EndpointAddr, err error) {
	reason := ""
	if err != nil {
		reason = err.Error()
	}

	es.demotions.demote(addr, reason)
	es.update(addr, func(e *Endpoint) {
		e.Status = StatusUnreachable
		e.LastError = reason
	})

	es.mu.Lock()
	defer es.mu.Unlock()

	snap := es.load()
	if snap.active == noActive || snap.endpoints[snap.active].Addr != addr {
		return
	}

	next := es.selectBestLocked()
	logger := es.logger.With("method", "RecordFailure", "endpoint_addr", addr)
	if next == noActive {
		logger.Warn().Msg("active endpoint failed: no healthy endpoint left")
	} else {
		logger.Info().Msgf("active endpoint failed: switching to %s", es.records[next].Addr)
	}
	es.publish(next)
}

// Activate makes the endpoint the active one, e.g. after it won a probe round.
func (es *EndpointStore) Activate(addr protocol.EndpointAddr) bool {
	es.mu.Lock()
	defer es.mu.Unlock()

	i, found := es.index[addr]
	if !found {
		return false
	}

	es.demotions.clear(addr)
	es.publish(i)
	return true
}

// Deactivate leaves the store without an active endpoint, forcing a new probe round.
func (es *EndpointStore) Deactivate() {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.publish(noActive)
}

// selectBestLocked returns the index of the best healthy, non-demoted endpoint.
// Must be called with es.mu held.
func (es *EndpointStore) selectBestLocked() int {
	best := noActive
	for i, endpoint := range es.records {
		if endpoint.Status != StatusHealthy {
			continue
		}
		if _, demoted := es.demotions.isDemoted(endpoint.Addr); demoted {
			continue
		}
		if best == noActive || endpoint.preferredOver(es.records[best]) {
			best = i
		}
	}
	return best
}

func (es *EndpointStore) update(addr protocol.EndpointAddr, apply func(*Endpoint)) {
	es.mu.Lock()
	defer es.mu.Unlock()

	i, found := es.index[addr]
	if !found {
		// The endpoint set was replaced while the request was in flight.
		return
	}

	apply(&es.records[i])
	es.records[i].UpdatedAt = time.Now()
	es.publish(es.load().active)
}

// publish stores a copy of the records as the snapshot seen by readers.
// Must be called with es.mu held.
func (es *EndpointStore) publish(active int) {
	if active >= len(es.records) {
		active = noActive
	}
	es.snapshot.Store(&storeSnapshot{
		endpoints: slices.Clone(es.records),
		active:    active,
	})
}

func (es *EndpointStore) load() *storeSnapshot {
	if snap := es.snapshot.Load(); snap != nil {
		return snap
	}
	return &storeSnapshot{active: noActive}
}

func (es *EndpointStore) withDemotion(endpoint Endpoint) Endpoint {
	_, endpoint.Demoted = es.demotions.isDemoted(endpoint.Addr)
	return endpoint
}
