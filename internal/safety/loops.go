package safety

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// healthLoop submits one evaluation tick per period, sweeps expired PIN
// sessions and kicks the watchdog after each completed iteration.
func (s *Service) healthLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.call(ctx, func() { s.healthTickLocked(ctx) }); err != nil {
				if errors.Is(err, ErrServiceStopped) {
					return
				}
				s.logger.Error("health tick failed", "error", err)
				continue
			}

			// Session sweep is database I/O; it runs here, not on the
			// owner goroutine.
			if _, err := s.pins.SweepExpiredSessions(ctx); err != nil {
				s.logger.Error("session sweep failed", "error", err)
			}

			// One kick per completed iteration.
			s.lastKick.Store(time.Now().UnixNano())
		}
	}
}

// healthTickLocked is one health-loop iteration. Run-goroutine only.
func (s *Service) healthTickLocked(ctx context.Context) {
	now := time.Now().UTC()
	state := s.states.Snapshot()

	failed, err := s.features.FailedCriticalFeatures(ctx)
	if err != nil {
		s.logger.Error("feature health check failed", "error", err)
	} else if len(failed) > 0 && !s.emergencyActive {
		s.triggerLocked(ctx, "Critical feature failure: "+strings.Join(failed, ", "), "health_monitor")
	}

	// During an active emergency every interlock stays force-engaged;
	// re-evaluation resumes after reset.
	if !s.emergencyActive {
		violations := 0
		for _, name := range s.interlockOrder {
			il := s.interlocks[name]
			satisfied, reason := il.CheckConditions(state, now)
			if !satisfied {
				violations++
				if il.Engage(reason, now) {
					s.audit(ctx, "interlock_engaged", "warning", "", map[string]any{
						"interlock": name,
						"condition": reason,
					})
					s.logger.Warn("interlock engaged", "interlock", name, "condition", reason)
				}
			} else if il.Disengage(now) {
				s.audit(ctx, "interlock_disengaged", "info", "", map[string]any{
					"interlock": name,
				})
				s.logger.Info("interlock disengaged", "interlock", name)
			}
		}

		// One violated interlock is recoverable. Several at once means
		// the vehicle state itself cannot be trusted.
		if violations >= s.cfg.ViolationThreshold {
			s.triggerLocked(ctx,
				fmt.Sprintf("Multiple interlock violations (%d)", violations), "health_monitor")
		}
	}

	// Drop central records for overrides the interlocks already expired.
	for name, o := range s.activeOverrides {
		if !now.Before(o.ExpiresAt) {
			delete(s.activeOverrides, name)
			s.audit(ctx, "interlock_override_expired", "info", "", map[string]any{
				"interlock": name,
			})
		}
	}

	s.checkModeExpirationLocked(ctx, now)
}

// watchdogLoop forces safe state if the health loop stops kicking. It
// reads the last kick through an atomic and latches the safe-state flag
// the same way, so a wedged owner goroutine cannot mask a hung health
// loop.
func (s *Service) watchdogLoop(ctx context.Context) {
	defer s.wg.Done()

	interval := s.cfg.WatchdogTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			last := time.Unix(0, s.lastKick.Load())
			gap := time.Since(last)
			if gap <= s.cfg.WatchdogTimeout {
				continue
			}

			s.safeFlag.Store(true)
			s.auditLog.Append("watchdog_timeout", map[string]any{
				"gap": gap.String(),
			})
			if s.secaudit != nil {
				s.secaudit.LogSecurityEvent(ctx, "watchdog_timeout", "critical", "", "",
					map[string]any{"gap": gap.String()})
			}
			s.logger.Error("watchdog timeout, entering safe state",
				"gap", gap, "timeout", s.cfg.WatchdogTimeout)

			// Best effort: record the transition in the owner state too,
			// without blocking on a possibly wedged queue.
			select {
			case s.tasks <- func() { s.enterSafeStateLocked(ctx, "Watchdog timeout") }:
			default:
			}
			return
		}
	}
}
