package websockets

import "errors"

// Stream shutdown error types
var (
	// ErrStreamHandshakeFailed indicates the server did not acknowledge the graphql-ws connection_init.
	ErrStreamHandshakeFailed = errors.New("graphql-ws handshake failed")

	// ErrStreamConnectionFailed indicates the stream ended due to a connection-level failure,
	// e.g. a read failure, a missed pong, or the server dropping the connection.
	ErrStreamConnectionFailed = errors.New("stream connection failed")

	// ErrStreamOperationFailed indicates the server reported an error for the subscription operation.
	ErrStreamOperationFailed = errors.New("stream operation failed")

	// ErrStreamCompleted indicates the server completed the subscription operation.
	ErrStreamCompleted = errors.New("stream completed by server")
)
