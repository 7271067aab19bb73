// Package router assembles the chi HTTP router and middleware chain.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/langdb/aigateway/internal/config"
	"github.com/langdb/aigateway/internal/handlers"
	"github.com/langdb/aigateway/internal/middleware"
	"github.com/langdb/aigateway/internal/services/counter"
)

// New builds the HTTP handler tree: CORS, request id, logging, metrics,
// and the request deadline plus api_calls rate limit around the /v1
// surface.
func New(cfg *config.Config, logger *zap.Logger, handler *handlers.Handler, store counter.Store) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Rest.CORSAllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", middleware.RequestIDHeader},
		ExposedHeaders: []string{middleware.RequestIDHeader, "X-Provider-Name", "X-Model-Name"},
		MaxAge:         86400,
	}))

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Metrics)

	r.Get("/health", handlers.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(middleware.Timeout(cfg.Rest.RequestTimeout))
		if cfg.RateLimit.Enabled {
			limiter := middleware.NewRateLimiter(store,
				cfg.RateLimit.Hourly, cfg.RateLimit.Daily, cfg.RateLimit.Monthly, logger)
			v1.Use(limiter.Handler)
		}

		v1.Post("/chat/completions", handler.ChatCompletions)
		v1.Post("/embeddings", handler.Embeddings)
		v1.Post("/images/generations", handler.GenerateImage)
		v1.Get("/models", handler.ListModels)
	})

	return r
}
