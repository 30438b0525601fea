package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// defaultMetricsPath is where prometheus scrapes when metrics.path is unset.
const defaultMetricsPath = "/metrics"

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	if s.recorder != nil && s.metricsCfg.Enabled {
		path := s.metricsCfg.Path
		if path == "" {
			path = defaultMetricsPath
		}
		r.Handle(path, s.recorder.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// WebSocket (auth via ticket, validated in handler)
		r.Get("/ws", s.handleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/ws-ticket", s.handleWSTicket)
			r.Get("/system", s.handleSystem)
			r.Get("/events", s.handleListEvents)

			r.Route("/tasks", func(r chi.Router) {
				r.Post("/", s.handleSubmitTask)
				r.Get("/", s.handleListTasks)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetTask)
					r.Delete("/", s.handleDeleteTask)
					r.Get("/events", s.handleTaskEvents)
					r.Post("/confirm", s.handleConfirmTask)
					r.Post("/cancel", s.handleCancelTask)
				})
			})

			r.Post("/waitings/{id}/resubmit", s.handleResubmitWaiting)

			r.Route("/devices", func(r chi.Router) {
				r.Get("/", s.handleListDevices)
				r.Post("/{id}/resolve", s.handleResolveSession)
			})
			r.Route("/aisles", func(r chi.Router) {
				r.Get("/", s.handleListAisles)
				r.Post("/{id}/unblock", s.handleUnblockAisle)
			})

			r.Route("/banks", func(r chi.Router) {
				r.Get("/", s.handleListBanks)
				r.Get("/{bank}", s.handleGetBank)
			})
		})
	})

	return r
}

// handleHealth reports liveness and, when a database is attached, whether
// it answers.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"version": s.version,
	}
	if s.db != nil {
		if err := s.db.HealthCheck(r.Context()); err != nil {
			body["status"] = "degraded"
			body["database"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
	}
	writeJSON(w, http.StatusOK, body)
}
