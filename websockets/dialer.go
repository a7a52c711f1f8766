package websockets

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pokt-network/poktroll/pkg/polylog"

	"github.com/buildwithgrove/shardline/protocol"
)

const defaultHandshakeTimeout = 10 * time.Second

// Dialer opens graphql-ws subscription streams to data service endpoints.
type Dialer struct {
	logger           polylog.Logger
	headers          http.Header
	handshakeTimeout time.Duration
}

// NewDialer returns a dialer sending headers (e.g. an API key) with every websocket upgrade request.
func NewDialer(logger polylog.Logger, headers map[string]string, handshakeTimeout time.Duration) *Dialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}

	h := http.Header{}
	for key, value := range headers {
		h.Set(key, value)
	}

	return &Dialer{
		logger:           logger.With("component", "graphql_ws_dialer"),
		headers:          h,
		handshakeTimeout: handshakeTimeout,
	}
}

// Open connects to the endpoint, runs the graphql-ws handshake and starts the subscription.
// Every error wraps protocol.ErrTransport: the caller may retry on another endpoint.
func (d *Dialer) Open(
	ctx context.Context,
	endpoint protocol.EndpointAddr,
	request protocol.Request,
) (*Stream, error) {
	query, variables, err := request.Query()
	if err != nil {
		return nil, fmt.Errorf("SHOULD NEVER HAPPEN: failed to render subscription: %w", err)
	}

	logger := d.logger.With("endpoint_addr", endpoint, "collection", request.Collection)

	wsDialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.handshakeTimeout,
		Subprotocols:     []string{Subprotocol},
	}

	conn, _, err := wsDialer.DialContext(ctx, endpoint.SubscriptionURL(), d.headers)
	if err != nil {
		return nil, fmt.Errorf("%w: %w: %v", protocol.ErrTransport, ErrStreamConnectionFailed, err)
	}

	if err := d.handshake(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %w", protocol.ErrTransport, err)
	}

	operationID := uuid.NewString()
	start, err := newStartMessage(operationID, query, variables)
	if err != nil {
		conn.Close()
		return nil, err
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(start); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %w: failed to start operation: %v", protocol.ErrTransport, ErrStreamConnectionFailed, err)
	}

	logger.Debug().Str("operation_id", operationID).Msg("subscription started")

	return newStream(logger, conn, operationID, request.Collection), nil
}

// handshake sends connection_init and waits for connection_ack, skipping keep-alives.
func (d *Dialer) handshake(conn *websocket.Conn) error {
	deadline := time.Now().Add(d.handshakeTimeout)

	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(operationMessage{Type: msgConnectionInit, Payload: json.RawMessage(`{}`)}); err != nil {
		return fmt.Errorf("%w: send connection_init: %v", ErrStreamHandshakeFailed, err)
	}

	_ = conn.SetReadDeadline(deadline)
	for {
		var msg operationMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("%w: %v", ErrStreamHandshakeFailed, err)
		}

		switch msg.Type {
		case msgConnectionAck:
			return nil
		case msgConnectionKeepAlive:
			continue
		case msgConnectionError:
			return fmt.Errorf("%w: %s", ErrStreamHandshakeFailed, string(msg.Payload))
		default:
			return fmt.Errorf("%w: unexpected message %q", ErrStreamHandshakeFailed, msg.Type)
		}
	}
}
