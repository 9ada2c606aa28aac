package safety

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestHealthTick_EngagesAndDisengagesInterlocks(t *testing.T) {
	cfg := testConfig()
	cfg.ViolationThreshold = 10
	s, _, _, states := testServiceCfg(t, cfg)
	ctx := context.Background()

	// Unmet conditions engage on the next tick.
	bad := parkedState()
	bad.ParkingBrakeSet = false
	states.set(bad)
	tick(t, s)

	status, _ := s.GetSafetyStatus(ctx)
	engaged := map[string]bool{}
	for _, il := range status.Interlocks {
		engaged[il.Name] = il.Engaged
	}
	if !engaged["awning_extend"] || !engaged["slide_room_extend"] {
		t.Errorf("brake-off should engage awning and slide interlocks, got %v", engaged)
	}
	if engaged["engine_start_inhibit"] {
		t.Error("engine_start_inhibit conditions are met, should stay disengaged")
	}

	// Conditions met again: disengage on the following tick, no manual
	// action required.
	states.set(parkedState())
	tick(t, s)

	status, _ = s.GetSafetyStatus(ctx)
	for _, il := range status.Interlocks {
		if il.Engaged {
			t.Errorf("interlock %s should have disengaged", il.Name)
		}
	}
}

func TestHealthTick_MultipleViolationsEscalate(t *testing.T) {
	s, _, _, states := testService(t)
	ctx := context.Background()

	// Speed, brake and engine wrong at once: the vehicle state itself is
	// not trustworthy.
	states.set(drivingState())
	tick(t, s)

	status, _ := s.GetSafetyStatus(ctx)
	if !status.EmergencyActive {
		t.Fatal("three or more simultaneous violations should trigger emergency stop")
	}
	if !strings.Contains(status.EmergencyReason, "Multiple interlock violations") {
		t.Errorf("EmergencyReason = %q, want mention of multiple interlock violations", status.EmergencyReason)
	}
}

func TestHealthTick_CriticalFeatureFailureEscalates(t *testing.T) {
	s, _, features, _ := testService(t)
	ctx := context.Background()

	features.mu.Lock()
	features.failed = []string{"inverter"}
	features.mu.Unlock()

	tick(t, s)

	status, _ := s.GetSafetyStatus(ctx)
	if !status.EmergencyActive {
		t.Fatal("failed critical feature should trigger emergency stop")
	}
	if !strings.Contains(status.EmergencyReason, "inverter") {
		t.Errorf("EmergencyReason = %q, want failing feature named", status.EmergencyReason)
	}
}

func TestHealthTick_InterlocksStayEngagedDuringEmergency(t *testing.T) {
	s, _, _, states := testService(t)
	ctx := context.Background()

	if _, err := s.TriggerEmergencyStop(ctx, "test", "op"); err != nil {
		t.Fatalf("TriggerEmergencyStop() error = %v", err)
	}

	// Perfect conditions must not release the force-engaged interlocks
	// while the emergency is active.
	states.set(parkedState())
	tick(t, s)

	status, _ := s.GetSafetyStatus(ctx)
	for _, il := range status.Interlocks {
		if !il.Engaged {
			t.Errorf("interlock %s released during active emergency", il.Name)
		}
	}
}

func TestHealthLoop_TicksAndSweeps(t *testing.T) {
	auth := &fakeAuthorizer{allow: true}
	features := &fakeFeatures{}
	states := &memState{state: parkedState()}

	cfg := testConfig()
	cfg.HealthInterval = 20 * time.Millisecond
	s := NewService(cfg, auth, features, states)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		cancel()
		s.Stop()
	})

	deadline := time.After(2 * time.Second)
	for {
		auth.mu.Lock()
		swept := auth.swept
		auth.mu.Unlock()
		if swept >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("health loop never swept sessions")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if s.lastKick.Load() == 0 {
		t.Error("health loop should kick the watchdog")
	}
}

func TestWatchdog_ForcesSafeStateWhenHealthLoopStalls(t *testing.T) {
	auth := &fakeAuthorizer{allow: true}
	states := &memState{state: parkedState()}

	cfg := testConfig()
	// Health loop effectively never ticks; watchdog expects a kick within
	// 50ms and checks every second.
	cfg.HealthInterval = time.Hour
	cfg.WatchdogTimeout = 50 * time.Millisecond
	s := NewService(cfg, auth, &fakeFeatures{}, states)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		cancel()
		s.Stop()
	})

	deadline := time.After(3 * time.Second)
	for !s.InSafeState() {
		select {
		case <-deadline:
			t.Fatal("watchdog never forced safe state")
		case <-time.After(20 * time.Millisecond):
		}
	}

	found := false
	for _, e := range s.AuditLog().Recent(0) {
		if e.EventType == "watchdog_timeout" {
			found = true
		}
	}
	if !found {
		t.Error("watchdog timeout should be audited")
	}
}
