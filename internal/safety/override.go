package safety

import (
	"context"
	"time"
)

// OverrideInterlockWithPIN installs a time-boxed override on one interlock
// after authorizing the caller's session.
//
// The override does not disengage the interlock here; the health loop
// honours it on its next evaluation cycle. That two-step handshake keeps
// the service the only party that releases a guard.
func (s *Service) OverrideInterlockWithPIN(ctx context.Context, sessionID, userID, interlockName, reason string) (Decision, error) {
	if _, ok := s.interlocks[interlockName]; !ok {
		return deny(ReasonNotAuthorized), ErrUnknownInterlock
	}

	dec, err := s.pins.AuthorizeOperation(ctx, sessionID, OpInterlockOverride, userID)
	if err != nil {
		return deny(ReasonNotAuthorized), err
	}
	if !dec.Allowed {
		s.audit(ctx, "unauthorized_interlock_override", "warning", userID, map[string]any{
			"interlock": interlockName,
		})
		return deny(ReasonNotAuthorized), nil
	}

	if err := s.call(ctx, func() {
		o := &Override{
			SessionID: sessionID,
			Reason:    reason,
			By:        userID,
			ExpiresAt: time.Now().UTC().Add(s.cfg.OverrideTTL),
		}
		s.interlocks[interlockName].SetOverride(o)
		s.activeOverrides[interlockName] = o

		s.audit(ctx, "interlock_override_installed", "warning", userID, map[string]any{
			"interlock":  interlockName,
			"reason":     reason,
			"expires_at": o.ExpiresAt.Format(time.RFC3339),
		})
		s.logger.Warn("interlock override installed",
			"interlock", interlockName, "by", userID, "expires_at", o.ExpiresAt)
		s.publishStatus()
	}); err != nil {
		return deny(ReasonNotAuthorized), err
	}
	return allow(), nil
}

// ClearInterlockOverride removes an override before its expiry.
func (s *Service) ClearInterlockOverride(ctx context.Context, interlockName, by string) error {
	if _, ok := s.interlocks[interlockName]; !ok {
		return ErrUnknownInterlock
	}
	return s.call(ctx, func() {
		s.interlocks[interlockName].ClearOverride()
		delete(s.activeOverrides, interlockName)
		s.audit(ctx, "interlock_override_cleared", "info", by, map[string]any{
			"interlock": interlockName,
		})
		s.logger.Info("interlock override cleared", "interlock", interlockName, "by", by)
	})
}

// clearAllOverridesLocked drops every override, expired or not.
// Run-goroutine only.
func (s *Service) clearAllOverridesLocked(ctx context.Context) {
	if len(s.activeOverrides) == 0 {
		return
	}
	for name := range s.activeOverrides {
		s.interlocks[name].ClearOverride()
	}
	n := len(s.activeOverrides)
	s.activeOverrides = make(map[string]*Override)
	s.audit(ctx, "all_overrides_cleared", "info", "", map[string]any{"count": n})
}
