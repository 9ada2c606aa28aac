package safety

import "time"

// Override is an authorized, time-boxed bypass of an interlock's
// conditions. Installing one does not disengage the interlock; the owning
// service honours it on its next evaluation cycle.
type Override struct {
	SessionID string    `json:"session_id"`
	Reason    string    `json:"reason"`
	By        string    `json:"by"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Interlock is one named guard over one feature. It is plain data owned by
// the service goroutine; nothing here is safe for concurrent use.
type Interlock struct {
	Name        string
	FeatureName string
	Conditions  []Condition

	engaged       bool
	engagedReason string
	engagedAt     time.Time
	override      *Override
}

// NewInterlock builds a disengaged interlock guarding one feature.
func NewInterlock(name, featureName string, conditions ...Condition) *Interlock {
	return &Interlock{
		Name:        name,
		FeatureName: featureName,
		Conditions:  conditions,
	}
}

// CheckConditions evaluates the interlock against a state snapshot.
//
// A live override short-circuits to satisfied. An expired override is
// cleared here, before normal evaluation, so it is never silently honoured.
// Normal evaluation ANDs the conditions in order and returns the first
// failing condition's name as the reason.
func (il *Interlock) CheckConditions(state SystemState, now time.Time) (bool, string) {
	if il.override != nil {
		if now.Before(il.override.ExpiresAt) {
			return true, ""
		}
		il.override = nil
	}
	for _, c := range il.Conditions {
		if !c.Satisfied(state) {
			return false, string(c)
		}
	}
	return true, ""
}

// Engage blocks the guarded feature. Engaging an engaged interlock is a
// no-op; the return value reports whether state changed.
func (il *Interlock) Engage(reason string, now time.Time) bool {
	if il.engaged {
		return false
	}
	il.engaged = true
	il.engagedReason = reason
	il.engagedAt = now
	return true
}

// Disengage releases the guarded feature. Idempotent like Engage.
func (il *Interlock) Disengage(now time.Time) bool {
	if !il.engaged {
		return false
	}
	il.engaged = false
	il.engagedReason = ""
	il.engagedAt = now
	return true
}

// IsEngaged reports whether the interlock currently blocks its feature.
func (il *Interlock) IsEngaged() bool { return il.engaged }

// SetOverride installs an override. It deliberately does not disengage;
// disengagement happens on the service's next evaluation cycle.
func (il *Interlock) SetOverride(o *Override) {
	il.override = o
}

// ClearOverride removes any override, expired or not.
func (il *Interlock) ClearOverride() {
	il.override = nil
}

// Overridden reports whether a live override is installed at the given time.
func (il *Interlock) Overridden(now time.Time) bool {
	return il.override != nil && now.Before(il.override.ExpiresAt)
}

// InterlockStatus is the externally visible snapshot of one interlock.
type InterlockStatus struct {
	Name          string      `json:"name"`
	FeatureName   string      `json:"feature_name"`
	Conditions    []Condition `json:"conditions"`
	Engaged       bool        `json:"engaged"`
	EngagedReason string      `json:"engaged_reason,omitempty"`
	Overridden    bool        `json:"overridden"`
	Override      *Override   `json:"override,omitempty"`
}

// Status snapshots the interlock for reporting.
func (il *Interlock) Status(now time.Time) InterlockStatus {
	st := InterlockStatus{
		Name:          il.Name,
		FeatureName:   il.FeatureName,
		Conditions:    il.Conditions,
		Engaged:       il.engaged,
		EngagedReason: il.engagedReason,
	}
	if il.Overridden(now) {
		st.Overridden = true
		o := *il.override
		st.Override = &o
	}
	return st
}

// defaultInterlocks is the fixed guard set installed at startup.
func defaultInterlocks() []*Interlock {
	return []*Interlock{
		NewInterlock("slide_room_extend", "slide_rooms",
			CondVehicleNotMoving, CondParkingBrakeEngaged, CondLevelingJacksDeployed),
		NewInterlock("awning_extend", "awning",
			CondVehicleNotMoving, CondParkingBrakeEngaged),
		NewInterlock("leveling_jack_deploy", "leveling_jacks",
			CondVehicleNotMoving, CondParkingBrakeEngaged, CondEngineNotRunning, CondTransmissionInPark),
		NewInterlock("engine_start_inhibit", "engine",
			CondSlideRoomsRetracted, CondTransmissionInPark),
	}
}
