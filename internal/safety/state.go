package safety

import "time"

// SystemState is the closed telemetry snapshot interlock conditions are
// evaluated against. Fields are typed and fixed; there is no string-keyed
// lookup, so an unknown field is a compile error rather than a runtime
// warning.
type SystemState struct {
	VehicleSpeedMPH    float64   `json:"vehicle_speed_mph"`
	ParkingBrakeSet    bool      `json:"parking_brake_set"`
	EngineRunning      bool      `json:"engine_running"`
	TransmissionInPark bool      `json:"transmission_in_park"`
	JacksDeployed      bool      `json:"jacks_deployed"`
	SlidesRetracted    bool      `json:"slides_retracted"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// movingThresholdMPH is the speed below which the vehicle counts as
// stationary. GPS jitter on a parked coach reads up to ~0.3 mph.
const movingThresholdMPH = 0.5

// StateProvider supplies the current system state to the health loop.
// Implementations report fail-closed values when telemetry is stale.
type StateProvider interface {
	Snapshot() SystemState
}

// StaticState is a StateProvider returning a fixed snapshot. Used at
// startup before telemetry arrives and in tests.
type StaticState struct {
	State SystemState
}

func (s *StaticState) Snapshot() SystemState { return s.State }
