package safety

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/roadhaus/coach-core/internal/pin"
)

// fakeAuthorizer is a SessionAuthorizer with scriptable outcomes.
type fakeAuthorizer struct {
	mu    sync.Mutex
	allow bool
	err   error
	ops   []string
	swept int
}

func (f *fakeAuthorizer) AuthorizeOperation(_ context.Context, _, operation, _ string) (pin.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, operation)
	if f.err != nil {
		return pin.Decision{Reason: pin.ReasonSessionInvalid}, f.err
	}
	if !f.allow {
		return pin.Decision{Reason: pin.ReasonSessionInvalid}, nil
	}
	return pin.Decision{Allowed: true}, nil
}

func (f *fakeAuthorizer) SweepExpiredSessions(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.swept++
	return 0, nil
}

func (f *fakeAuthorizer) operations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

// fakeFeatures is a FeatureController recording forced shutdowns.
type fakeFeatures struct {
	mu        sync.Mutex
	critical  []string
	failed    []string
	shutdowns []string
}

func (f *fakeFeatures) PositionCriticalFeatures() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.critical...)
}

func (f *fakeFeatures) ForceShutdown(_ context.Context, name, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns = append(f.shutdowns, name)
	return nil
}

func (f *fakeFeatures) FailedCriticalFeatures(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.failed...), nil
}

func (f *fakeFeatures) shutdownList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.shutdowns...)
}

// memState is a mutable StateProvider.
type memState struct {
	mu    sync.Mutex
	state SystemState
}

func (m *memState) Snapshot() SystemState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *memState) set(s SystemState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

// parkedState satisfies every interlock condition.
func parkedState() SystemState {
	return SystemState{
		VehicleSpeedMPH:    0,
		ParkingBrakeSet:    true,
		EngineRunning:      false,
		TransmissionInPark: true,
		JacksDeployed:      true,
		SlidesRetracted:    true,
		UpdatedAt:          time.Now().UTC(),
	}
}

// drivingState violates most interlock conditions.
func drivingState() SystemState {
	return SystemState{
		VehicleSpeedMPH:    5,
		ParkingBrakeSet:    false,
		EngineRunning:      true,
		TransmissionInPark: false,
		JacksDeployed:      false,
		SlidesRetracted:    true,
		UpdatedAt:          time.Now().UTC(),
	}
}

func testConfig() Config {
	// Loop intervals are huge so tests drive ticks explicitly.
	return Config{
		HealthInterval:     time.Hour,
		WatchdogTimeout:    2 * time.Hour,
		ModeSessionTTL:     time.Hour,
		OverrideTTL:        15 * time.Minute,
		ViolationThreshold: 3,
		LegacyResetCode:    "0911",
		AuditBufferSize:    100,
	}
}

// testService starts a service over fakes and stops it at cleanup.
func testService(t *testing.T) (*Service, *fakeAuthorizer, *fakeFeatures, *memState) {
	t.Helper()
	return testServiceCfg(t, testConfig())
}

func testServiceCfg(t *testing.T, cfg Config) (*Service, *fakeAuthorizer, *fakeFeatures, *memState) {
	t.Helper()

	auth := &fakeAuthorizer{allow: true}
	features := &fakeFeatures{critical: []string{"slide_rooms", "leveling_jacks"}}
	states := &memState{state: parkedState()}

	s := NewService(cfg, auth, features, states)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		cancel()
		s.Stop()
	})
	return s, auth, features, states
}

// tick runs one health-loop iteration synchronously.
func tick(t *testing.T, s *Service) {
	t.Helper()
	ctx := context.Background()
	if err := s.call(ctx, func() { s.healthTickLocked(ctx) }); err != nil {
		t.Fatalf("health tick: %v", err)
	}
}
