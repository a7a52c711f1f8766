package protocol

import (
	"fmt"
	"net/url"
	"strings"
)

// EndpointAddr is used as the unique identifier for a data service endpoint.
//
// It is the base URL of the endpoint as configured by the user, e.g.:
//   - "https://mainnet.example.org"
//   - "http://localhost:8080"
type EndpointAddr string

type EndpointAddrList []EndpointAddr

// ParseEndpointAddr normalizes a configured endpoint address.
// A missing scheme defaults to https, and a trailing slash is dropped.
func ParseEndpointAddr(raw string) (EndpointAddr, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty endpoint address")
	}

	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint address %q: %w", raw, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid endpoint address %q: empty host", raw)
	}

	return EndpointAddr(strings.TrimRight(u.String(), "/")), nil
}

// QueryURL is the URL to which GraphQL queries and mutations are POSTed.
func (e EndpointAddr) QueryURL() string {
	s := string(e)
	if strings.HasSuffix(s, "/graphql") {
		return s
	}
	return s + "/graphql"
}

// SubscriptionURL is the websocket URL used for GraphQL subscriptions.
func (e EndpointAddr) SubscriptionURL() string {
	s := e.QueryURL()
	switch {
	case strings.HasPrefix(s, "https://"):
		return "wss://" + strings.TrimPrefix(s, "https://")
	case strings.HasPrefix(s, "http://"):
		return "ws://" + strings.TrimPrefix(s, "http://")
	default:
		return s
	}
}

func (e EndpointAddr) String() string {
	return string(e)
}

func (e EndpointAddrList) String() string {
	// Converts each EndpointAddr to string and joins them with a comma
	addrs := make([]string, len(e))
	for i, addr := range e {
		addrs[i] = string(addr)
	}
	return strings.Join(addrs, ", ")
}
