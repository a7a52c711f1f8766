package qos

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/buildwithgrove/shardline/protocol"
)

// Info is the "info" collection of the data service, queried to probe an endpoint.
type Info struct {
	Version string `json:"version"`
	// Time is the server clock, in milliseconds.
	Time int64 `json:"time"`
	// Latency is how far the server lags behind the network, in milliseconds.
	Latency int64 `json:"latency"`
	// LastBlockTime is the generation time of the freshest block known to the server, in seconds.
	LastBlockTime uint32 `json:"lastBlockTime"`
}

func (i Info) ServerTime() time.Time {
	return time.UnixMilli(i.Time)
}

// ProbeRequest is the request sent to every candidate during a probe round.
func ProbeRequest() protocol.Request {
	return protocol.Request{
		Kind:       protocol.OperationQuery,
		Collection: protocol.CollectionInfo,
		Result:     protocol.InfoResultFields,
	}
}

// ParseInfo extracts the info record from a probe response.
func ParseInfo(resp protocol.Response) (Info, error) {
	raw, err := resp.Collection(protocol.CollectionInfo)
	if err != nil {
		return Info{}, err
	}

	var info Info
	if err := json.Unmarshal(raw, &info); err != nil {
		return Info{}, fmt.Errorf("%w: malformed info: %v", protocol.ErrServerError, err)
	}
	if info.LastBlockTime == 0 {
		info.LastBlockTime = resp.Extensions.LastBlockTime
	}
	return info, nil
}

// CheckProbe returns an error wrapping protocol.ErrEndpointDesync if the probed
// endpoint lags the network by more than the threshold.
func CheckProbe(info Info, networkTime uint32, threshold time.Duration) error {
	if threshold > 0 && time.Duration(info.Latency)*time.Millisecond > threshold {
		return fmt.Errorf("%w: server reports latency %dms above threshold %s", protocol.ErrEndpointDesync, info.Latency, threshold)
	}
	return CheckLastBlockTime(info.LastBlockTime, networkTime, threshold)
}

// CheckLastBlockTime returns an error wrapping protocol.ErrEndpointDesync if lastBlockTime
// lags networkTime by more than the threshold. Unknown times (zero) are never out of sync.
func CheckLastBlockTime(lastBlockTime, networkTime uint32, threshold time.Duration) error {
	if threshold <= 0 || lastBlockTime == 0 || networkTime <= lastBlockTime {
		return nil
	}

	lag := time.Duration(networkTime-lastBlockTime) * time.Second
	if lag > threshold {
		return fmt.Errorf("%w: last block time %d lags network time %d by %s", protocol.ErrEndpointDesync, lastBlockTime, networkTime, lag)
	}
	return nil
}
