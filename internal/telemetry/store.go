// Package telemetry maintains the latest vehicle state snapshot from the
// RV-C gateway.
//
// The gateway bridges chassis CAN data onto MQTT under coach/telemetry/+.
// Each source publishes a partial JSON document; the store merges updates
// into one snapshot the safety supervisor evaluates interlocks against.
// A snapshot older than the staleness horizon is replaced with fail-closed
// values: unknown vehicle state is treated as moving with no brake set.
package telemetry

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/roadhaus/coach-core/internal/safety"
)

// Logger interface for optional logging support.
type Logger interface {
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
}

// Store holds the merged vehicle state. Safe for concurrent use: MQTT
// handler goroutines write, the safety health loop reads.
type Store struct {
	mu    sync.RWMutex
	state safety.SystemState

	staleAfter time.Duration
	logger     Logger

	// now is replaceable in tests.
	now func() time.Time
}

// NewStore creates a store with the given staleness horizon. Until the
// first update arrives, Snapshot reports fail-closed values.
func NewStore(staleAfter time.Duration) *Store {
	return &Store{
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// SetLogger sets a logger for malformed-payload warnings.
func (s *Store) SetLogger(logger Logger) {
	s.mu.Lock()
	s.logger = logger
	s.mu.Unlock()
}

// reading is one partial telemetry document. Pointer fields distinguish
// "absent" from zero values so sources only report what they measure.
type reading struct {
	VehicleSpeedMPH    *float64 `json:"vehicle_speed_mph"`
	ParkingBrakeSet    *bool    `json:"parking_brake_set"`
	EngineRunning      *bool    `json:"engine_running"`
	TransmissionInPark *bool    `json:"transmission_in_park"`
	JacksDeployed      *bool    `json:"jacks_deployed"`
	SlidesRetracted    *bool    `json:"slides_retracted"`
}

// HandleMessage merges one telemetry payload into the snapshot. The
// signature matches the MQTT client's handler type; subscribe it to
// coach/telemetry/+.
func (s *Store) HandleMessage(topic string, payload []byte) error {
	var r reading
	if err := json.Unmarshal(payload, &r); err != nil {
		return fmt.Errorf("telemetry: invalid payload on %s: %w", topic, err)
	}

	source := topic
	if idx := strings.LastIndex(topic, "/"); idx >= 0 {
		source = topic[idx+1:]
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if r.VehicleSpeedMPH != nil {
		s.state.VehicleSpeedMPH = *r.VehicleSpeedMPH
	}
	if r.ParkingBrakeSet != nil {
		s.state.ParkingBrakeSet = *r.ParkingBrakeSet
	}
	if r.EngineRunning != nil {
		s.state.EngineRunning = *r.EngineRunning
	}
	if r.TransmissionInPark != nil {
		s.state.TransmissionInPark = *r.TransmissionInPark
	}
	if r.JacksDeployed != nil {
		s.state.JacksDeployed = *r.JacksDeployed
	}
	if r.SlidesRetracted != nil {
		s.state.SlidesRetracted = *r.SlidesRetracted
	}
	s.state.UpdatedAt = s.now().UTC()

	if s.logger != nil {
		s.logger.Debug("telemetry updated", "source", source)
	}
	return nil
}

// Snapshot returns the current vehicle state. Implements the safety
// supervisor's StateProvider.
//
// If no update has arrived within the staleness horizon the returned
// state assumes the worst: vehicle moving, no brake, engine running,
// out of park, jacks retracted, slides extended. Every interlock
// condition fails against it.
func (s *Store) Snapshot() safety.SystemState {
	s.mu.RLock()
	state := s.state
	logger := s.logger
	s.mu.RUnlock()

	if s.stale(state.UpdatedAt) {
		if logger != nil {
			logger.Warn("telemetry stale, reporting fail-closed state",
				"last_update", state.UpdatedAt)
		}
		return failClosedState(state.UpdatedAt)
	}
	return state
}

// Stale reports whether the snapshot has aged past the horizon.
func (s *Store) Stale() bool {
	s.mu.RLock()
	updatedAt := s.state.UpdatedAt
	s.mu.RUnlock()
	return s.stale(updatedAt)
}

// LastUpdate returns when telemetry last arrived. Zero if never.
func (s *Store) LastUpdate() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.UpdatedAt
}

func (s *Store) stale(updatedAt time.Time) bool {
	if updatedAt.IsZero() {
		return true
	}
	return s.now().Sub(updatedAt) > s.staleAfter
}

// failClosedState is the snapshot substituted for stale telemetry. Values
// are chosen so no interlock condition passes.
func failClosedState(updatedAt time.Time) safety.SystemState {
	return safety.SystemState{
		VehicleSpeedMPH:    1.0,
		ParkingBrakeSet:    false,
		EngineRunning:      true,
		TransmissionInPark: false,
		JacksDeployed:      false,
		SlidesRetracted:    false,
		UpdatedAt:          updatedAt,
	}
}
