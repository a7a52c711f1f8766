package protocol

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// The endpoint could not be reached or did not answer in time.
	ErrTransport = errors.New("transport failure")

	// Every candidate endpoint failed its probe.
	ErrNoReachableEndpoint = errors.New("no reachable endpoint")

	// The server refused the request, e.g. a malformed or invalid message. Never retried.
	ErrServerRejected = errors.New("rejected by server")

	// The server answered with a GraphQL error which is not a rejection.
	ErrServerError = errors.New("server error")

	// The endpoint's freshest block lags the network by more than the configured threshold.
	ErrEndpointDesync = errors.New("endpoint out of sync")

	// A checkpoint references a block the data service does not have.
	ErrIteratorDesync = errors.New("iterator desync")

	// The caller broke an API contract, e.g. concurrent Next on one iterator.
	ErrProgrammingMisuse = errors.New("programming misuse")

	// The endpoint manager is suspended.
	ErrSuspended = errors.New("network suspended")
)

// IsRetryable reports whether an operation failing with err may succeed on another endpoint.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrEndpointDesync)
}

// OperationError carries the context of a failed operation.
// It unwraps to the underlying sentinel, so errors.Is keeps working.
type OperationError struct {
	Op        string
	Endpoint  EndpointAddr
	LastBlock BlockID
	MessageID MessageID
	Err       error
}

func (e *OperationError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Op)
	if e.Endpoint != "" {
		fmt.Fprintf(&sb, " endpoint=%s", e.Endpoint)
	}
	if e.LastBlock != "" {
		fmt.Fprintf(&sb, " last_block=%s", e.LastBlock)
	}
	if e.MessageID != "" {
		fmt.Fprintf(&sb, " message=%s", e.MessageID)
	}
	if e.Err != nil {
		sb.WriteString(": " + e.Err.Error())
	}
	return sb.String()
}

func (e *OperationError) Unwrap() error {
	return e.Err
}
