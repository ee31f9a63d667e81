package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// healthCheckTimeout bounds the database probe on the health endpoint.
const healthCheckTimeout = 2 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// Auth endpoints (no auth required)
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			// Device-facing endpoints (students operate their own devices)
			r.Route("/devices", func(r chi.Router) {
				r.Post("/enroll", s.handleEnrollDevice)
				r.Post("/report", s.handleComplianceReport)
				r.Get("/status", s.handleOwnDeviceStatus)
				r.Get("/{id}/status", s.handleDeviceStatus)

				// Live device channel (auth via token query parameter)
				r.Get("/ws", s.handleDeviceWS)
			})

			// Admin control plane
			r.Route("/admin", func(r chi.Router) {
				r.Use(s.adminOnlyMiddleware)

				r.Get("/devices", s.handleAdminListDevices)
				r.Get("/stats", s.handleAdminStats)
				r.Get("/audit-logs", s.handleAdminAuditLogs)

				r.Route("/devices/{id}", func(r chi.Router) {
					r.Post("/lock", s.handleAdminLock)
					r.Post("/unlock", s.handleAdminUnlock)
					r.Post("/ping", s.handleAdminPing)
					r.Post("/wipe", s.handleAdminWipe)
				})
			})
		})
	})

	return r
}

// handleHealth returns the server health status, including a database probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	dbStatus := "ok"

	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		if err := s.db.HealthCheck(ctx); err != nil {
			status = "degraded"
			dbStatus = "unavailable"
		}
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":   status,
		"database": dbStatus,
		"sessions": s.sessions.Count(),
		"version":  s.version,
	})
}
