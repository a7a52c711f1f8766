package gateway

import (
	"context"
	"time"

	"github.com/pokt-network/poktroll/pkg/polylog"

	"github.com/buildwithgrove/shardline/protocol"
	"github.com/buildwithgrove/shardline/websockets"
)

// NewWebsocketDialer returns a StreamDialer opening graphql-ws subscriptions.
func NewWebsocketDialer(logger polylog.Logger, headers map[string]string, handshakeTimeout time.Duration) StreamDialer {
	dialer := websockets.NewDialer(logger, headers, handshakeTimeout)

	return StreamDialerFunc(func(ctx context.Context, endpoint protocol.EndpointAddr, request protocol.Request) (Stream, error) {
		stream, err := dialer.Open(ctx, endpoint, request)
		if err != nil {
			// Never hand out a typed nil *websockets.Stream.
			return nil, err
		}
		return stream, nil
	})
}
