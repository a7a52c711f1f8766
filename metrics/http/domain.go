package http

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/buildwithgrove/shardline/protocol"
)

// unknownDomain labels endpoints whose domain cannot be derived.
const unknownDomain = "unknown"

// ExtractEffectiveTLDPlusOne extracts the "effective TLD+1" (eTLD+1) from a given URL.
// Example: "https://blog.example.co.uk" → "example.co.uk"
// - Parses the URL and validates the host.
// - Uses publicsuffix package to determine the registrable domain.
// - Returns an error if input is malformed or domain is not derivable.
func ExtractEffectiveTLDPlusOne(rawURL string) (string, error) {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return "", err // malformed URL
	}

	host := parsedURL.Hostname()
	if host == "" {
		return "", fmt.Errorf("empty host") // no host in URL
	}

	etld, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return "", err // domain may not be derivable (e.g., IP, localhost)
	}
	return etld, nil
}

// EndpointDomain returns the label used for the endpoint in metrics and probe ordering:
//   - The eTLD+1 of the endpoint's host, e.g. "example.org" for "https://api.mainnet.example.org".
//   - "localhost" for loopback hosts.
//   - The bare host for IP addresses.
//   - "unknown" if the address cannot be parsed.
func EndpointDomain(addr protocol.EndpointAddr) string {
	parsedURL, err := url.Parse(string(addr))
	if err != nil {
		return unknownDomain
	}

	host := strings.ToLower(parsedURL.Hostname())
	switch {
	case host == "":
		return unknownDomain
	case host == "localhost" || strings.HasPrefix(host, "127."):
		return "localhost"
	case net.ParseIP(host) != nil:
		return host
	}

	if etld, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return etld
	}
	return host
}

// EndpointDomains maps each endpoint to its domain label.
func EndpointDomains(endpoints protocol.EndpointAddrList) map[protocol.EndpointAddr]string {
	domains := make(map[protocol.EndpointAddr]string, len(endpoints))
	for _, endpoint := range endpoints {
		domains[endpoint] = EndpointDomain(endpoint)
	}
	return domains
}
