package safety

import (
	"context"
	"crypto/subtle"
	"time"
)

// EmergencyStopWithPIN authorizes the caller's session for the
// emergency-stop operation and triggers it. A denied authorization is
// audited and changes no state.
func (s *Service) EmergencyStopWithPIN(ctx context.Context, sessionID, userID, reason string) (Decision, error) {
	dec, err := s.pins.AuthorizeOperation(ctx, sessionID, OpEmergencyStop, userID)
	if err != nil {
		return deny(ReasonNotAuthorized), err
	}
	if !dec.Allowed {
		s.audit(ctx, "unauthorized_emergency_stop", "critical", userID, map[string]any{
			"reason": reason,
		})
		s.logger.Warn("emergency stop denied", "user_id", userID)
		return deny(ReasonNotAuthorized), nil
	}

	if reason == "" {
		reason = "operator emergency stop"
	}
	var triggered bool
	if err := s.call(ctx, func() {
		triggered = s.triggerLocked(ctx, reason, userID)
	}); err != nil {
		return deny(ReasonNotAuthorized), err
	}
	if !triggered {
		s.logger.Info("emergency stop re-trigger ignored", "user_id", userID)
	}
	return allow(), nil
}

// TriggerEmergencyStop triggers the emergency stop without PIN
// authorization. This is the internal path used by the health loop; the
// operator path is EmergencyStopWithPIN. Returns false if already active.
func (s *Service) TriggerEmergencyStop(ctx context.Context, reason, triggeredBy string) (bool, error) {
	var triggered bool
	err := s.call(ctx, func() {
		triggered = s.triggerLocked(ctx, reason, triggeredBy)
	})
	return triggered, err
}

// triggerLocked applies the emergency stop. Run-goroutine only.
//
// Re-triggering while active is a no-op returning false. On trigger every
// POSITION_CRITICAL feature is forced to safe shutdown, every interlock is
// force-engaged and the safe-state flag latches.
func (s *Service) triggerLocked(ctx context.Context, reason, by string) bool {
	if s.emergencyActive {
		return false
	}
	s.emergencyActive = true
	s.emergencyReason = reason
	s.emergencyFlag.Store(true)

	for _, name := range s.features.PositionCriticalFeatures() {
		if err := s.features.ForceShutdown(ctx, name, reason); err != nil {
			s.logger.Error("forced shutdown failed", "feature", name, "error", err)
		}
	}

	now := time.Now().UTC()
	for _, name := range s.interlockOrder {
		s.interlocks[name].Engage("emergency stop", now)
	}

	s.enterSafeStateLocked(ctx, "emergency stop: "+reason)

	s.audit(ctx, "emergency_stop_triggered", "critical", by, map[string]any{
		"reason":       reason,
		"triggered_by": by,
	})
	s.logger.Error("EMERGENCY STOP", "reason", reason, "triggered_by", by)
	s.publishStatus()
	return true
}

// enterSafeStateLocked latches the terminal safe-state flag.
// Run-goroutine only. Exiting safe state requires operator action outside
// this service (restart after the fault is resolved).
func (s *Service) enterSafeStateLocked(ctx context.Context, reason string) {
	if s.safeState {
		return
	}
	s.safeState = true
	s.safeStateReason = reason
	s.safeFlag.Store(true)

	s.audit(ctx, "safe_state_entered", "critical", "", map[string]any{"reason": reason})
	s.logger.Error("entered safe state", "reason", reason)
}

// ResetEmergencyStopWithPIN re-arms the emergency stop after PIN
// authorization. Only the emergency flags are cleared: interlocks and the
// safe-state latch are untouched, so re-enabling actuators stays a
// separate, explicit operator action.
func (s *Service) ResetEmergencyStopWithPIN(ctx context.Context, sessionID, userID string) (Decision, error) {
	dec, err := s.pins.AuthorizeOperation(ctx, sessionID, OpEmergencyReset, userID)
	if err != nil {
		return deny(ReasonNotAuthorized), err
	}
	if !dec.Allowed {
		s.audit(ctx, "unauthorized_emergency_reset", "critical", userID, nil)
		return deny(ReasonNotAuthorized), nil
	}
	return s.resetEmergency(ctx, userID, "pin")
}

// ResetEmergencyStopWithCode re-arms using the static legacy reset code.
// Retained for keypad installations that predate PIN sessions.
func (s *Service) ResetEmergencyStopWithCode(ctx context.Context, code, by string) (Decision, error) {
	if s.cfg.LegacyResetCode == "" ||
		subtle.ConstantTimeCompare([]byte(code), []byte(s.cfg.LegacyResetCode)) != 1 {
		s.audit(ctx, "invalid_emergency_reset_code", "warning", by, nil)
		return deny(ReasonInvalidCode), nil
	}
	return s.resetEmergency(ctx, by, "legacy_code")
}

func (s *Service) resetEmergency(ctx context.Context, by, method string) (Decision, error) {
	var wasActive bool
	if err := s.call(ctx, func() {
		wasActive = s.emergencyActive
		if !wasActive {
			return
		}
		s.emergencyActive = false
		s.emergencyReason = ""
		s.emergencyFlag.Store(false)

		s.audit(ctx, "emergency_stop_reset", "warning", by, map[string]any{
			"reset_by": by,
			"method":   method,
		})
		s.logger.Warn("emergency stop reset", "reset_by", by, "method", method)
		s.publishStatus()
	}); err != nil {
		return deny(ReasonNotAuthorized), err
	}
	if !wasActive {
		return deny("emergency stop not active"), nil
	}
	return allow(), nil
}
