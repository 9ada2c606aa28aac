package telemetry

import (
	"strings"
	"testing"
	"time"
)

func testStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	s := NewStore(30 * time.Second)
	s.now = func() time.Time { return now }
	return s, &now
}

func TestSnapshot_FailClosedBeforeFirstUpdate(t *testing.T) {
	s, _ := testStore(t)

	state := s.Snapshot()
	if state.VehicleSpeedMPH < 0.5 {
		t.Error("fail-closed state should report the vehicle as moving")
	}
	if state.ParkingBrakeSet {
		t.Error("fail-closed state should report no parking brake")
	}
	if !state.EngineRunning {
		t.Error("fail-closed state should report engine running")
	}
	if state.TransmissionInPark || state.JacksDeployed || state.SlidesRetracted {
		t.Error("fail-closed state should fail every interlock condition")
	}
	if !s.Stale() {
		t.Error("store with no updates should be stale")
	}
}

func TestHandleMessage_MergesPartialReadings(t *testing.T) {
	s, _ := testStore(t)

	if err := s.HandleMessage("coach/telemetry/chassis",
		[]byte(`{"vehicle_speed_mph": 0.0, "parking_brake_set": true, "transmission_in_park": true}`)); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if err := s.HandleMessage("coach/telemetry/leveling",
		[]byte(`{"jacks_deployed": true}`)); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}

	state := s.Snapshot()
	if state.VehicleSpeedMPH != 0 || !state.ParkingBrakeSet || !state.TransmissionInPark {
		t.Errorf("chassis reading not merged: %+v", state)
	}
	if !state.JacksDeployed {
		t.Error("leveling reading not merged")
	}
	// Fields no source has reported keep their zero values.
	if state.EngineRunning || state.SlidesRetracted {
		t.Errorf("unreported fields should stay zero: %+v", state)
	}
	if s.Stale() {
		t.Error("fresh store should not be stale")
	}
}

func TestHandleMessage_AbsentFieldsDoNotClobber(t *testing.T) {
	s, _ := testStore(t)

	if err := s.HandleMessage("coach/telemetry/chassis",
		[]byte(`{"parking_brake_set": true}`)); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if err := s.HandleMessage("coach/telemetry/chassis",
		[]byte(`{"vehicle_speed_mph": 0.2}`)); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}

	if state := s.Snapshot(); !state.ParkingBrakeSet {
		t.Error("absent parking_brake_set should not reset earlier reading")
	}
}

func TestHandleMessage_RejectsMalformedPayload(t *testing.T) {
	s, _ := testStore(t)

	err := s.HandleMessage("coach/telemetry/chassis", []byte(`{not json`))
	if err == nil {
		t.Fatal("malformed payload should return an error")
	}
	if !strings.Contains(err.Error(), "coach/telemetry/chassis") {
		t.Errorf("error should name the topic, got %v", err)
	}
	if !s.Stale() {
		t.Error("malformed payload must not count as an update")
	}
}

func TestSnapshot_FailClosedWhenStale(t *testing.T) {
	s, now := testStore(t)

	if err := s.HandleMessage("coach/telemetry/chassis",
		[]byte(`{"vehicle_speed_mph": 0.0, "parking_brake_set": true}`)); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}

	updatedAt := s.LastUpdate()
	*now = now.Add(31 * time.Second)

	state := s.Snapshot()
	if state.ParkingBrakeSet {
		t.Error("stale snapshot should not report the last known brake state")
	}
	if state.VehicleSpeedMPH < 0.5 {
		t.Error("stale snapshot should report the vehicle as moving")
	}
	if !state.UpdatedAt.Equal(updatedAt) {
		t.Error("stale snapshot should preserve the last update time")
	}
	if !s.Stale() {
		t.Error("Stale() should report true past the horizon")
	}
}

func TestSnapshot_FreshAtExactHorizon(t *testing.T) {
	s, now := testStore(t)

	if err := s.HandleMessage("coach/telemetry/chassis",
		[]byte(`{"vehicle_speed_mph": 0.0}`)); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}

	*now = now.Add(30 * time.Second)
	if s.Stale() {
		t.Error("snapshot exactly at the horizon should still count as fresh")
	}
}
