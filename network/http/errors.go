package http

import (
	"errors"
	"fmt"
	"net/http"
)

// Endpoint returned a non 2xx HTTP status code.
var ErrEndpointHTTPError = errors.New("endpoint returned non 2xx HTTP status code")

// EnsureHTTPSuccess returns an error if the status code is not a 2xx successful status code.
// Otherwise returns nil.
func EnsureHTTPSuccess(statusCode int) error {
	if statusCode < http.StatusOK || statusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("%w: %d", ErrEndpointHTTPError, statusCode)
	}
	return nil
}
