// Package server wires handlers and middleware into the HTTP surface.
package server

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/telhawk-systems/filegate/internal/config"
	"github.com/telhawk-systems/filegate/internal/handlers"
	"github.com/telhawk-systems/filegate/internal/logging"
	"github.com/telhawk-systems/filegate/internal/middleware"
	"github.com/telhawk-systems/filegate/internal/ratelimit"
)

// NewRouter constructs a ServeMux with the service routes registered. Only
// uploads pass through the rate limiter.
func NewRouter(h *handlers.Handler, limiter ratelimit.RateLimiter, events middleware.EventRecorder, logger *logging.Logger) http.Handler {
	mux := http.NewServeMux()

	limited := middleware.RateLimit(limiter, events, logger)
	mux.Handle("POST /api/v1/uploads", limited(http.HandlerFunc(h.Upload)))

	mux.HandleFunc("GET /api/v1/files/download", h.Download)
	mux.HandleFunc("GET /uploads/{path...}", h.View)

	mux.HandleFunc("GET /api/v1/security/users/{id}/activity", h.UserActivity)
	mux.HandleFunc("GET /api/v1/security/ips/{ip}/activity", h.IPActivity)
	mux.HandleFunc("GET /api/v1/security/summary", h.SecuritySummary)
	mux.HandleFunc("GET /api/v1/quarantine", h.QuarantineList)

	mux.HandleFunc("GET /healthz", h.Health)
	mux.HandleFunc("GET /readyz", h.Ready)
	mux.Handle("GET /metrics", promhttp.Handler())

	return middleware.Chain(mux,
		middleware.RequestID,
		middleware.WithActor,
		middleware.AccessLog(logger),
	)
}

// New wraps handler in an http.Server configured from cfg.
func New(cfg config.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}
