package safety

// Condition names one environmental requirement an interlock can demand.
type Condition string

const (
	CondVehicleNotMoving      Condition = "vehicle_not_moving"
	CondParkingBrakeEngaged   Condition = "parking_brake_engaged"
	CondLevelingJacksDeployed Condition = "leveling_jacks_deployed"
	CondEngineNotRunning      Condition = "engine_not_running"
	CondTransmissionInPark    Condition = "transmission_in_park"
	CondSlideRoomsRetracted   Condition = "slide_rooms_retracted"
)

// predicates maps each condition to its evaluation over the system state.
// Dispatch is by table lookup; adding a condition means adding a constant
// and one entry here.
var predicates = map[Condition]func(SystemState) bool{
	CondVehicleNotMoving: func(s SystemState) bool {
		return s.VehicleSpeedMPH < movingThresholdMPH
	},
	CondParkingBrakeEngaged: func(s SystemState) bool {
		return s.ParkingBrakeSet
	},
	CondLevelingJacksDeployed: func(s SystemState) bool {
		return s.JacksDeployed
	},
	CondEngineNotRunning: func(s SystemState) bool {
		return !s.EngineRunning
	},
	CondTransmissionInPark: func(s SystemState) bool {
		return s.TransmissionInPark
	},
	CondSlideRoomsRetracted: func(s SystemState) bool {
		return s.SlidesRetracted
	},
}

// Satisfied evaluates the condition against a state snapshot. Unknown
// condition names fail closed.
func (c Condition) Satisfied(s SystemState) bool {
	p, ok := predicates[c]
	if !ok {
		return false
	}
	return p(s)
}
