// Package gateway defines the error taxonomy shared across the request path.
package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrModelNotFound means the model id resolved to no catalog entry.
	ErrModelNotFound = errors.New("ModelNotFound")

	// ErrUnsupportedInput means the request carried content the target
	// provider cannot accept (e.g. audio parts to a text-only model).
	ErrUnsupportedInput = errors.New("UnsupportedInput")

	// ErrUnauthorized means provider credentials were missing or rejected.
	ErrUnauthorized = errors.New("Unauthorized")

	// ErrRateLimited means admission was denied or the upstream returned 429.
	ErrRateLimited = errors.New("RateLimited")

	// ErrCalculation means the usage variant did not match the price variant.
	ErrCalculation = errors.New("CalculationError")

	// ErrUpstream means the provider failed after retries.
	ErrUpstream = errors.New("UpstreamError")
)

// StatusGuardFailed is the custom HTTP status signalling a guard rejection.
const StatusGuardFailed = 446

// GuardError carries the identity of the guard that rejected a request.
type GuardError struct {
	GuardID string
	Message string
	Details map[string]interface{}
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("guard %s failed: %s", e.GuardID, e.Message)
}

// HTTPStatus maps an error from the request path to an HTTP status code.
func HTTPStatus(err error) int {
	var guardErr *GuardError
	switch {
	case errors.As(err, &guardErr):
		return StatusGuardFailed
	case errors.Is(err, ErrModelNotFound), errors.Is(err, ErrUnsupportedInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
