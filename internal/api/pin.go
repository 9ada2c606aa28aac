package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/roadhaus/coach-core/internal/pin"
)

// attemptMeta extracts request metadata recorded with PIN attempts.
func attemptMeta(r *http.Request) pin.AttemptMeta {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return pin.AttemptMeta{
		SourceIP:  host,
		UserAgent: r.UserAgent(),
	}
}

// writePINDecision maps a pin.Decision to an HTTP response. Allowed
// decisions return 200; denials are mapped to 403/423/429 with the
// denial reason in the body.
func writePINDecision(w http.ResponseWriter, d pin.Decision) {
	if d.Allowed {
		writeJSON(w, http.StatusOK, d)
		return
	}
	switch d.Reason {
	case pin.ReasonLockedOut:
		writeJSON(w, http.StatusLocked, map[string]any{
			"allowed":             false,
			"code":                ErrCodeLocked,
			"reason":              d.Reason,
			"retry_after_seconds": int(d.RetryAfter.Seconds()),
		})
	case pin.ReasonRateLimited:
		writeError(w, http.StatusTooManyRequests, ErrCodeRateLimited, d.Reason)
	default:
		writeError(w, http.StatusForbidden, ErrCodeForbidden, d.Reason)
	}
}

type validatePINRequest struct {
	UserID  string      `json:"user_id"`
	PIN     string      `json:"pin"`
	PINType pin.PINType `json:"pin_type"`
}

// handleValidatePIN validates a PIN and returns a session on success.
//
// POST /api/v1/pin/validate
func (s *Server) handleValidatePIN(w http.ResponseWriter, r *http.Request) {
	var req validatePINRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.UserID == "" || req.PIN == "" {
		writeBadRequest(w, "user_id and pin are required")
		return
	}
	if !pin.IsValidType(req.PINType) {
		writeBadRequest(w, "pin_type must be emergency, override, or maintenance")
		return
	}

	decision, err := s.pins.ValidatePIN(r.Context(), req.UserID, req.PIN, req.PINType, attemptMeta(r))
	if err != nil {
		s.logger.Error("pin validation failed", "error", err)
		writeUnavailable(w, "authorization backend unavailable")
		return
	}
	writePINDecision(w, decision)
}

type setPINRequest struct {
	UserID      string      `json:"user_id"`
	PINType     pin.PINType `json:"pin_type"`
	PIN         string      `json:"pin"`
	Description string      `json:"description,omitempty"`
}

// handleSetPIN creates or replaces the PIN for a (user, type) pair.
//
// POST /api/v1/pin
func (s *Server) handleSetPIN(w http.ResponseWriter, r *http.Request) {
	var req setPINRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	rec, err := s.pins.SetPIN(r.Context(), req.UserID, req.PINType, req.PIN, req.Description)
	if err != nil {
		switch {
		case errors.Is(err, pin.ErrInvalidPINFormat),
			errors.Is(err, pin.ErrInvalidPINType),
			errors.Is(err, pin.ErrInvalidUserID):
			writeBadRequest(w, err.Error())
		default:
			s.logger.Error("set pin failed", "error", err)
			writeUnavailable(w, "authorization backend unavailable")
		}
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

type rotatePINRequest struct {
	UserID      string      `json:"user_id"`
	PINType     pin.PINType `json:"pin_type"`
	NewPIN      string      `json:"new_pin"`
	Description string      `json:"description,omitempty"`
}

// handleRotatePIN replaces a PIN and revokes sessions minted by the old
// one.
//
// POST /api/v1/pin/rotate
func (s *Server) handleRotatePIN(w http.ResponseWriter, r *http.Request) {
	var req rotatePINRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	rec, err := s.pins.RotatePIN(r.Context(), req.UserID, req.PINType, req.NewPIN, req.Description)
	if err != nil {
		switch {
		case errors.Is(err, pin.ErrInvalidPINFormat),
			errors.Is(err, pin.ErrInvalidPINType),
			errors.Is(err, pin.ErrInvalidUserID):
			writeBadRequest(w, err.Error())
		case errors.Is(err, pin.ErrRecordNotFound):
			writeNotFound(w, "no active pin for user and type")
		default:
			s.logger.Error("rotate pin failed", "error", err)
			writeUnavailable(w, "authorization backend unavailable")
		}
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type revokeSessionRequest struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

// handleRevokeSession terminates one session.
//
// POST /api/v1/pin/revoke
func (s *Server) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	var req revokeSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.SessionID == "" {
		writeBadRequest(w, "session_id is required")
		return
	}
	if req.Reason == "" {
		req.Reason = "revoked via API"
	}

	if err := s.pins.RevokeSession(r.Context(), req.SessionID, req.Reason); err != nil {
		if errors.Is(err, pin.ErrSessionNotFound) {
			writeNotFound(w, "session not found")
			return
		}
		s.logger.Error("revoke session failed", "error", err)
		writeUnavailable(w, "authorization backend unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": true})
}

// handleRevokeUserSessions terminates every active session for a user.
//
// POST /api/v1/pin/users/{id}/revoke-all
func (s *Server) handleRevokeUserSessions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if userID == "" {
		writeBadRequest(w, "user id is required")
		return
	}

	count, err := s.pins.RevokeAllUserSessions(r.Context(), userID, "revoked via API")
	if err != nil {
		s.logger.Error("revoke user sessions failed", "error", err, "user_id", userID)
		writeUnavailable(w, "authorization backend unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": count})
}

// handleUserPINStatus reports a user's PIN configuration, lockout state
// and active session count.
//
// GET /api/v1/pin/users/{id}/status
func (s *Server) handleUserPINStatus(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if userID == "" {
		writeBadRequest(w, "user id is required")
		return
	}

	status, err := s.pins.GetUserStatus(r.Context(), userID)
	if err != nil {
		s.logger.Error("user pin status failed", "error", err, "user_id", userID)
		writeUnavailable(w, "authorization backend unavailable")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleSystemPINStatus reports manager-wide counters for operators.
//
// GET /api/v1/pin/status
func (s *Server) handleSystemPINStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.pins.GetSystemStatus(r.Context())
	if err != nil {
		s.logger.Error("system pin status failed", "error", err)
		writeUnavailable(w, "authorization backend unavailable")
		return
	}
	writeJSON(w, http.StatusOK, status)
}
