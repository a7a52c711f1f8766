package qos

import (
	"github.com/pokt-network/poktroll/pkg/polylog"

	metricshttp "github.com/buildwithgrove/shardline/metrics/http"
	"github.com/buildwithgrove/shardline/protocol"
)

// ProbeOrder returns the order in which candidates are probed.
//
// Candidates keep their selection order, but endpoints of a domain not seen yet
// move ahead of further endpoints of an already seen domain. When fewer probes
// than candidates run at once, the first wave then reaches different providers.
func ProbeOrder(logger polylog.Logger, candidates []Endpoint) protocol.EndpointAddrList {
	addrs := make(protocol.EndpointAddrList, 0, len(candidates))
	for _, candidate := range candidates {
		addrs = append(addrs, candidate.Addr)
	}

	domains := metricshttp.EndpointDomains(addrs)
	usedDomains := make(map[string]struct{})

	// Demoted endpoints stay at the back regardless of their domain.
	var first, rest, demoted protocol.EndpointAddrList
	for _, candidate := range candidates {
		addr := candidate.Addr
		if candidate.Demoted {
			demoted = append(demoted, addr)
			continue
		}

		domain := domains[addr]
		if _, used := usedDomains[domain]; used {
			rest = append(rest, addr)
			continue
		}
		usedDomains[domain] = struct{}{}
		first = append(first, addr)
	}

	logger.Debug().Msgf("probe order: %d endpoints across %d unique domains, %d demoted", len(addrs), len(usedDomains), len(demoted))

	return append(append(first, rest...), demoted...)
}
