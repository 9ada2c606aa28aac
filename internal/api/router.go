package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// Liveness probe for process supervisors
	r.Get("/healthz", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		// Health check
		r.Get("/health", s.handleHealth)

		// PIN endpoints. Validation mints short-lived sessions; safety
		// operations consume them.
		r.Route("/pin", func(r chi.Router) {
			r.Post("/", s.handleSetPIN)
			r.Post("/validate", s.handleValidatePIN)
			r.Post("/rotate", s.handleRotatePIN)
			r.Post("/revoke", s.handleRevokeSession)
			r.Get("/status", s.handleSystemPINStatus)

			r.Route("/users/{id}", func(r chi.Router) {
				r.Get("/status", s.handleUserPINStatus)
				r.Post("/revoke-all", s.handleRevokeUserSessions)
			})
		})

		// Safety endpoints
		r.Route("/safety", func(r chi.Router) {
			r.Get("/status", s.handleSafetyStatus)
			r.Get("/audit", s.handleSafetyAudit)
			r.Get("/events", s.handleSecurityEvents)

			r.Post("/emergency-stop", s.handleEmergencyStop)
			r.Post("/emergency-reset", s.handleEmergencyReset)

			r.Route("/interlocks/{name}/override", func(r chi.Router) {
				r.Post("/", s.handleOverrideInterlock)
				r.Delete("/", s.handleClearOverride)
			})

			r.Route("/mode/{mode}", func(r chi.Router) {
				r.Post("/enter", s.handleEnterMode)
				r.Post("/exit", s.handleExitMode)
			})
		})

		// Feature endpoints
		r.Route("/features", func(r chi.Router) {
			r.Get("/", s.handleListFeatures)
			r.Get("/health", s.handleFeatureHealth)

			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", s.handleGetFeature)
				r.Put("/state", s.handleSetFeatureState)
			})
		})
	})

	// WebSocket safety status stream
	r.Get(s.wsPath(), s.handleWebSocket)

	return r
}

// wsPath returns the configured WebSocket path, defaulting to /ws/safety.
func (s *Server) wsPath() string {
	if s.wsCfg.Path != "" {
		return s.wsCfg.Path
	}
	return "/ws/safety"
}

// handleHealth returns the server health status, including safety posture
// flags so dash panels can gate their UI on one call.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"status":           "ok",
		"version":          s.version,
		"emergency_active": s.safety.EmergencyActive(),
		"safe_state":       s.safety.InSafeState(),
	}
	if s.telemetry != nil {
		resp["telemetry_stale"] = s.telemetry.Stale()
	}
	writeJSON(w, http.StatusOK, resp)
}
