package safety

import (
	"context"
	"time"
)

// EnterMaintenanceModeWithPIN moves NORMAL -> MAINTENANCE.
func (s *Service) EnterMaintenanceModeWithPIN(ctx context.Context, sessionID, userID string) (Decision, error) {
	return s.enterMode(ctx, ModeMaintenance, sessionID, userID)
}

// ExitMaintenanceModeWithPIN moves MAINTENANCE -> NORMAL.
func (s *Service) ExitMaintenanceModeWithPIN(ctx context.Context, sessionID, userID string) (Decision, error) {
	return s.exitMode(ctx, ModeMaintenance, sessionID, userID)
}

// EnterDiagnosticModeWithPIN moves NORMAL -> DIAGNOSTIC.
func (s *Service) EnterDiagnosticModeWithPIN(ctx context.Context, sessionID, userID string) (Decision, error) {
	return s.enterMode(ctx, ModeDiagnostic, sessionID, userID)
}

// ExitDiagnosticModeWithPIN moves DIAGNOSTIC -> NORMAL.
func (s *Service) ExitDiagnosticModeWithPIN(ctx context.Context, sessionID, userID string) (Decision, error) {
	return s.exitMode(ctx, ModeDiagnostic, sessionID, userID)
}

// enterMode authorizes the mode-specific operation and, if no other
// non-NORMAL mode holds the system, installs the mode with a time-boxed
// session.
func (s *Service) enterMode(ctx context.Context, mode Mode, sessionID, userID string) (Decision, error) {
	op, ok := modeEnterOps[mode]
	if !ok {
		return deny(ReasonNotAuthorized), ErrUnknownMode
	}

	dec, err := s.pins.AuthorizeOperation(ctx, sessionID, op, userID)
	if err != nil {
		return deny(ReasonNotAuthorized), err
	}
	if !dec.Allowed {
		s.audit(ctx, "unauthorized_mode_change", "warning", userID, map[string]any{
			"mode": string(mode), "direction": "enter",
		})
		return deny(ReasonNotAuthorized), nil
	}

	var result Decision
	if err := s.call(ctx, func() {
		if s.emergencyActive {
			result = deny(ReasonEmergencyActive)
			return
		}
		if s.mode != ModeNormal {
			result = deny(ReasonModeConflict)
			return
		}
		now := time.Now().UTC()
		s.mode = mode
		s.modeSession = &ModeSession{
			PINSessionID: sessionID,
			EnteredBy:    userID,
			EnteredAt:    now,
			ExpiresAt:    now.Add(s.cfg.ModeSessionTTL),
		}
		s.audit(ctx, "mode_entered", "warning", userID, map[string]any{
			"mode":       string(mode),
			"expires_at": s.modeSession.ExpiresAt.Format(time.RFC3339),
		})
		s.logger.Warn("operational mode entered",
			"mode", mode, "entered_by", userID, "expires_at", s.modeSession.ExpiresAt)
		s.publishStatus()
		result = allow()
	}); err != nil {
		return deny(ReasonNotAuthorized), err
	}
	return result, nil
}

// exitMode authorizes the exit operation and reverts to NORMAL, clearing
// every override installed under the mode.
func (s *Service) exitMode(ctx context.Context, mode Mode, sessionID, userID string) (Decision, error) {
	op, ok := modeExitOps[mode]
	if !ok {
		return deny(ReasonNotAuthorized), ErrUnknownMode
	}

	dec, err := s.pins.AuthorizeOperation(ctx, sessionID, op, userID)
	if err != nil {
		return deny(ReasonNotAuthorized), err
	}
	if !dec.Allowed {
		s.audit(ctx, "unauthorized_mode_change", "warning", userID, map[string]any{
			"mode": string(mode), "direction": "exit",
		})
		return deny(ReasonNotAuthorized), nil
	}

	var result Decision
	if err := s.call(ctx, func() {
		if s.mode != mode {
			result = deny(ReasonModeNotActive)
			return
		}
		s.revertToNormalLocked(ctx)
		s.audit(ctx, "mode_exited", "info", userID, map[string]any{"mode": string(mode)})
		s.logger.Info("operational mode exited", "mode", mode, "exited_by", userID)
		s.publishStatus()
		result = allow()
	}); err != nil {
		return deny(ReasonNotAuthorized), err
	}
	return result, nil
}

// checkModeExpirationLocked force-reverts an expired mode to NORMAL and
// clears all overrides. This is the only transition requiring no
// authorization. Run-goroutine only.
func (s *Service) checkModeExpirationLocked(ctx context.Context, now time.Time) {
	if s.mode == ModeNormal || s.modeSession == nil {
		return
	}
	if now.Before(s.modeSession.ExpiresAt) {
		return
	}

	expired := s.mode
	s.revertToNormalLocked(ctx)
	s.audit(ctx, "mode_expired", "warning", "", map[string]any{"mode": string(expired)})
	s.logger.Warn("operational mode expired, reverted to NORMAL", "mode", expired)
	s.publishStatus()
}

// revertToNormalLocked returns to NORMAL and clears all active overrides.
// Run-goroutine only.
func (s *Service) revertToNormalLocked(ctx context.Context) {
	s.mode = ModeNormal
	s.modeSession = nil
	s.clearAllOverridesLocked(ctx)
}
