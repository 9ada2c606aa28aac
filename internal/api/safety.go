package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/roadhaus/coach-core/internal/safety"
)

// writeSafetyDecision maps a safety.Decision to an HTTP response.
// Allowed decisions return 200. State conflicts (emergency active, wrong
// mode) are 409; authorization denials are 403.
func writeSafetyDecision(w http.ResponseWriter, d safety.Decision) {
	if d.Allowed {
		writeJSON(w, http.StatusOK, d)
		return
	}
	switch d.Reason {
	case safety.ReasonEmergencyActive, safety.ReasonModeConflict, safety.ReasonModeNotActive:
		writeError(w, http.StatusConflict, ErrCodeConflict, d.Reason)
	default:
		writeError(w, http.StatusForbidden, ErrCodeForbidden, d.Reason)
	}
}

// writeSafetyError maps infrastructure failures from the safety service.
func (s *Server) writeSafetyError(w http.ResponseWriter, err error) {
	if errors.Is(err, safety.ErrServiceStopped) {
		writeUnavailable(w, "safety service stopped")
		return
	}
	s.logger.Error("safety operation failed", "error", err)
	writeUnavailable(w, "safety system unavailable")
}

// handleSafetyStatus returns the full safety posture snapshot.
//
// GET /api/v1/safety/status
func (s *Server) handleSafetyStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.safety.GetSafetyStatus(r.Context())
	if err != nil {
		s.writeSafetyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type emergencyStopRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Reason    string `json:"reason"`
}

// handleEmergencyStop triggers a PIN-authorized emergency stop.
//
// POST /api/v1/safety/emergency-stop
func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	var req emergencyStopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.SessionID == "" || req.UserID == "" {
		writeBadRequest(w, "session_id and user_id are required")
		return
	}
	if req.Reason == "" {
		req.Reason = "manual emergency stop"
	}

	decision, err := s.safety.EmergencyStopWithPIN(r.Context(), req.SessionID, req.UserID, req.Reason)
	if err != nil {
		s.writeSafetyError(w, err)
		return
	}
	writeSafetyDecision(w, decision)
}

type emergencyResetRequest struct {
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`

	// Code is the legacy dash-switch reset path, accepted instead of a
	// PIN session.
	Code string `json:"code,omitempty"`
	By   string `json:"by,omitempty"`
}

// handleEmergencyReset clears an active emergency stop. Accepts either a
// PIN session or the legacy reset code.
//
// POST /api/v1/safety/emergency-reset
func (s *Server) handleEmergencyReset(w http.ResponseWriter, r *http.Request) {
	var req emergencyResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	var (
		decision safety.Decision
		err      error
	)
	switch {
	case req.SessionID != "" && req.UserID != "":
		decision, err = s.safety.ResetEmergencyStopWithPIN(r.Context(), req.SessionID, req.UserID)
	case req.Code != "":
		by := req.By
		if by == "" {
			by = "dash_switch"
		}
		decision, err = s.safety.ResetEmergencyStopWithCode(r.Context(), req.Code, by)
	default:
		writeBadRequest(w, "session_id and user_id, or code, are required")
		return
	}
	if err != nil {
		s.writeSafetyError(w, err)
		return
	}
	writeSafetyDecision(w, decision)
}

type overrideRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Reason    string `json:"reason"`
}

// handleOverrideInterlock installs a PIN-authorized override on one
// interlock. The override takes effect on the next health cycle; it is
// never applied retroactively to an engaged interlock.
//
// POST /api/v1/safety/interlocks/{name}/override
func (s *Server) handleOverrideInterlock(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.SessionID == "" || req.UserID == "" {
		writeBadRequest(w, "session_id and user_id are required")
		return
	}
	if req.Reason == "" {
		writeBadRequest(w, "reason is required")
		return
	}

	decision, err := s.safety.OverrideInterlockWithPIN(r.Context(), req.SessionID, req.UserID, name, req.Reason)
	if err != nil {
		if errors.Is(err, safety.ErrUnknownInterlock) {
			writeNotFound(w, "unknown interlock: "+name)
			return
		}
		s.writeSafetyError(w, err)
		return
	}
	writeSafetyDecision(w, decision)
}

// handleClearOverride removes an override before it expires.
//
// DELETE /api/v1/safety/interlocks/{name}/override
func (s *Server) handleClearOverride(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	err := s.safety.ClearInterlockOverride(r.Context(), name, "api")
	if err != nil {
		if errors.Is(err, safety.ErrUnknownInterlock) {
			writeNotFound(w, "unknown interlock: "+name)
			return
		}
		s.writeSafetyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleared": true})
}

type modeRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// handleEnterMode enters MAINTENANCE or DIAGNOSTIC mode.
//
// POST /api/v1/safety/mode/{mode}/enter
func (s *Server) handleEnterMode(w http.ResponseWriter, r *http.Request) {
	s.handleModeTransition(w, r, true)
}

// handleExitMode exits the named mode back to NORMAL.
//
// POST /api/v1/safety/mode/{mode}/exit
func (s *Server) handleExitMode(w http.ResponseWriter, r *http.Request) {
	s.handleModeTransition(w, r, false)
}

func (s *Server) handleModeTransition(w http.ResponseWriter, r *http.Request, enter bool) {
	var req modeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.SessionID == "" || req.UserID == "" {
		writeBadRequest(w, "session_id and user_id are required")
		return
	}

	var (
		decision safety.Decision
		err      error
	)
	switch safety.Mode(chi.URLParam(r, "mode")) {
	case safety.ModeMaintenance:
		if enter {
			decision, err = s.safety.EnterMaintenanceModeWithPIN(r.Context(), req.SessionID, req.UserID)
		} else {
			decision, err = s.safety.ExitMaintenanceModeWithPIN(r.Context(), req.SessionID, req.UserID)
		}
	case safety.ModeDiagnostic:
		if enter {
			decision, err = s.safety.EnterDiagnosticModeWithPIN(r.Context(), req.SessionID, req.UserID)
		} else {
			decision, err = s.safety.ExitDiagnosticModeWithPIN(r.Context(), req.SessionID, req.UserID)
		}
	default:
		writeBadRequest(w, "mode must be MAINTENANCE or DIAGNOSTIC")
		return
	}
	if err != nil {
		s.writeSafetyError(w, err)
		return
	}
	writeSafetyDecision(w, decision)
}

// defaultAuditLimit bounds audit queries without an explicit limit.
const defaultAuditLimit = 100

// handleSafetyAudit returns recent entries from the in-memory audit ring,
// newest last.
//
// GET /api/v1/safety/audit
func (s *Server) handleSafetyAudit(w http.ResponseWriter, _ *http.Request) {
	entries := s.safety.AuditLog().Recent(defaultAuditLimit)
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// handleSecurityEvents returns recent persisted security events.
//
// GET /api/v1/safety/events
func (s *Server) handleSecurityEvents(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeNotFound(w, "security audit not configured")
		return
	}

	events, err := s.audit.RecentEvents(r.Context(), defaultAuditLimit)
	if err != nil {
		s.logger.Error("security event query failed", "error", err)
		writeUnavailable(w, "audit backend unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}
