package qos

import (
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pokt-network/poktroll/pkg/polylog"

	"github.com/buildwithgrove/shardline/protocol"
)

const (
	// Default time a failed endpoint stays at the back of the ordering.
	defaultDemotionDuration = 1 * time.Minute

	// Interval for purging expired demotions from the cache.
	defaultDemotionCleanupInterval = 5 * time.Minute
)

// demotion records why an endpoint was demoted.
type demotion struct {
	reason    string
	createdAt time.Time
}

// demotionStore:
//   - Tracks endpoints demoted after a failed request
//   - Demotions expire automatically via go-cache
//   - Kept in memory only; lost on restart
type demotionStore struct {
	logger   polylog.Logger
	duration time.Duration
	cache    *cache.Cache
}

func newDemotionStore(logger polylog.Logger, duration time.Duration) *demotionStore {
	if duration <= 0 {
		duration = defaultDemotionDuration
	}
	return &demotionStore{
		logger:   logger,
		duration: duration,
		cache:    cache.New(duration, defaultDemotionCleanupInterval),
	}
}

func (ds *demotionStore) demote(addr protocol.EndpointAddr, reason string) {
	ds.logger.With("method", "demote", "endpoint_addr", addr).
		Debug().Str("reason", reason).Msg("demoting endpoint")

	ds.cache.Set(string(addr), demotion{reason: reason, createdAt: time.Now()}, ds.duration)
}

// isDemoted returns the time of the active demotion of the endpoint, if any.
func (ds *demotionStore) isDemoted(addr protocol.EndpointAddr) (time.Time, bool) {
	obj, found := ds.cache.Get(string(addr))
	if !found {
		return time.Time{}, false
	}
	return obj.(demotion).createdAt, true
}

func (ds *demotionStore) clear(addr protocol.EndpointAddr) {
	ds.cache.Delete(string(addr))
}
