package gateway

import "errors"

var (
	ErrInvalidNetworkConfig = errors.New("invalid network config")

	// The subscription gave up reconnecting after max_reconnect_attempts consecutive failures.
	ErrSubscriptionReconnectExhausted = errors.New("subscription reconnect attempts exhausted")
)
