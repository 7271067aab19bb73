// Package handlers exposes the OpenAI-compatible HTTP surface.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/langdb/aigateway/internal/gateway"
	"github.com/langdb/aigateway/internal/schema"
	"github.com/langdb/aigateway/internal/services/retry"
	"github.com/langdb/aigateway/internal/services/routing"
)

// Handler serves the /v1 API through the request router.
type Handler struct {
	router *routing.Router
	logger *zap.Logger
}

func New(router *routing.Router, logger *zap.Logger) *Handler {
	return &Handler{
		router: router,
		logger: logger.Named("http"),
	}
}

// guardFailureBody is the status 446 payload.
type guardFailureBody struct {
	Message string                 `json:"message"`
	GuardID string                 `json:"guard_id"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// sendError writes the error with the taxonomy-mapped status. Guard
// rejections get the dedicated 446 shape; rate-limited responses carry
// the upstream Retry-After hint when one is known.
func (h *Handler) sendError(w http.ResponseWriter, err error) {
	status := gateway.HTTPStatus(err)
	w.Header().Set("Content-Type", "application/json")

	var se *retry.StatusError
	if status == http.StatusTooManyRequests && errors.As(err, &se) && se.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(se.RetryAfter.Seconds())))
	}

	w.WriteHeader(status)

	var guardErr *gateway.GuardError
	if errors.As(err, &guardErr) {
		_ = json.NewEncoder(w).Encode(guardFailureBody{
			Message: guardErr.Message,
			GuardID: guardErr.GuardID,
			Details: guardErr.Details,
		})
		return
	}

	_ = json.NewEncoder(w).Encode(schema.ErrorResponse{Error: schema.APIError{
		Message: err.Error(),
		Type:    errorType(status),
	}})
}

func (h *Handler) sendBadRequest(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(schema.ErrorResponse{Error: schema.APIError{
		Message: message,
		Type:    "invalid_request_error",
	}})
}

func errorType(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request_error"
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	default:
		return "api_error"
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// setResolutionHeaders reflects the routed provider and model.
func setResolutionHeaders(w http.ResponseWriter, resolution *routing.Resolution) {
	if resolution == nil {
		return
	}
	w.Header().Set("X-Provider-Name", resolution.ProviderName())
	w.Header().Set("X-Model-Name", resolution.ModelName())
}
