package gateway

import (
	"context"
	"encoding/json"

	"github.com/buildwithgrove/shardline/protocol"
)

//go:generate mockgen -destination=mock_transport_test.go -package=gateway . Transport,StreamDialer,Stream

// Transport runs one query or mutation against one endpoint.
// Errors wrap protocol.ErrTransport when the endpoint could not be reached.
type Transport interface {
	Execute(ctx context.Context, endpoint protocol.EndpointAddr, request protocol.Request) (protocol.Response, error)
}

// StreamDialer opens a subscription stream on one endpoint.
type StreamDialer interface {
	Open(ctx context.Context, endpoint protocol.EndpointAddr, request protocol.Request) (Stream, error)
}

// Stream is an open subscription stream.
// Records is closed when the stream ends; Err then reports why.
type Stream interface {
	Records() <-chan json.RawMessage
	Err() error
	Close() error
}

// StreamDialerFunc adapts a function to the StreamDialer interface.
type StreamDialerFunc func(ctx context.Context, endpoint protocol.EndpointAddr, request protocol.Request) (Stream, error)

func (f StreamDialerFunc) Open(ctx context.Context, endpoint protocol.EndpointAddr, request protocol.Request) (Stream, error) {
	return f(ctx, endpoint, request)
}
