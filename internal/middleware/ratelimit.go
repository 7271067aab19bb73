package middleware

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/langdb/aigateway/internal/schema"
	"github.com/langdb/aigateway/internal/services/counter"
)

// APICallMetric is the counter metric charged once per API call.
const APICallMetric = "api_calls"

// RateLimiter caps API calls per tenant across rolling windows. A zero
// cap disables that window.
type RateLimiter struct {
	store   counter.Store
	hourly  float64
	daily   float64
	monthly float64
	tenant  string
	logger  *zap.Logger
}

func NewRateLimiter(store counter.Store, hourly, daily, monthly float64, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		store:   store,
		hourly:  hourly,
		daily:   daily,
		monthly: monthly,
		tenant:  "default",
		logger:  logger.Named("ratelimit"),
	}
}

// Handler charges one api_calls unit per window and rejects with 429
// once any window exceeds its cap. Store errors admit the request.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		windows := []struct {
			period counter.Period
			cap    float64
		}{
			{counter.Hour, rl.hourly},
			{counter.Day, rl.daily},
			{counter.Month, rl.monthly},
		}

		for _, window := range windows {
			count, err := rl.store.Increment(r.Context(), window.period, rl.tenant, APICallMetric, 1)
			if err != nil {
				rl.logger.Warn("Failed to count API call, admitting request",
					zap.String("period", window.period.String()),
					zap.Error(err))
				continue
			}
			if window.cap > 0 && count > window.cap {
				rl.logger.Debug("API call limit exceeded",
					zap.String("period", window.period.String()),
					zap.Float64("count", count),
					zap.Float64("cap", window.cap))
				rl.reject(w, window.period)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) reject(w http.ResponseWriter, period counter.Period) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(schema.ErrorResponse{Error: schema.APIError{
		Message: "API call limit exceeded for period " + period.String(),
		Type:    "rate_limit_error",
	}})
}
