package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/roadhaus/coach-core/internal/feature"
)

// handleListFeatures returns every registered feature.
//
// GET /api/v1/features
func (s *Server) handleListFeatures(w http.ResponseWriter, _ *http.Request) {
	features := s.features.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"features": features,
		"count":    len(features),
	})
}

// handleGetFeature returns one feature by name.
//
// GET /api/v1/features/{name}
func (s *Server) handleGetFeature(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	f, err := s.features.Get(name)
	if err != nil {
		if errors.Is(err, feature.ErrFeatureNotFound) {
			writeNotFound(w, "unknown feature: "+name)
			return
		}
		writeInternalError(w, "feature lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, f)
}

type setFeatureStateRequest struct {
	State  feature.State `json:"state"`
	Reason string        `json:"reason,omitempty"`
}

// handleSetFeatureState records a state report for one feature. The
// gateway normally reports state over MQTT; this endpoint covers manual
// correction and bench testing.
//
// PUT /api/v1/features/{name}/state
func (s *Server) handleSetFeatureState(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req setFeatureStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	switch req.State {
	case feature.StateOnline, feature.StateOffline, feature.StateFailed, feature.StateSafeShutdown:
	default:
		writeBadRequest(w, "state must be online, offline, failed, or safe_shutdown")
		return
	}

	if err := s.features.SetState(name, req.State, req.Reason); err != nil {
		if errors.Is(err, feature.ErrFeatureNotFound) {
			writeNotFound(w, "unknown feature: "+name)
			return
		}
		writeInternalError(w, "feature state update failed")
		return
	}

	f, err := s.features.Get(name)
	if err != nil {
		writeInternalError(w, "feature lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// handleFeatureHealth summarises feature health for operators.
//
// GET /api/v1/features/health
func (s *Server) handleFeatureHealth(w http.ResponseWriter, r *http.Request) {
	report, err := s.features.CheckSystemHealth(r.Context())
	if err != nil {
		writeInternalError(w, "feature health check failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}
