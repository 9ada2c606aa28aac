// Package feature tracks the controllable coach features and their safety
// classification. The registry is the safety supervisor's view of the
// hardware: health checks read it, emergency stops write forced shutdowns
// through it.
package feature

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrFeatureNotFound is returned when a feature name is not registered.
var ErrFeatureNotFound = errors.New("feature: not found")

// Classification ranks how dangerous a feature's failure is.
type Classification string

const (
	// ClassPositionCritical marks features whose physical position matters
	// (slide rooms, jacks, awnings). Emergency stop forces these to safe
	// shutdown.
	ClassPositionCritical Classification = "POSITION_CRITICAL"

	// ClassSafetyCritical marks features whose failure endangers the coach
	// even without moving parts (inverter, propane valve).
	ClassSafetyCritical Classification = "SAFETY_CRITICAL"

	// ClassOperational marks comfort features.
	ClassOperational Classification = "OPERATIONAL"
)

// State is the coarse feature lifecycle state.
type State string

const (
	StateOnline       State = "online"
	StateOffline      State = "offline"
	StateFailed       State = "failed"
	StateSafeShutdown State = "safe_shutdown"
)

// Feature is one controllable unit.
type Feature struct {
	Name           string         `json:"name"`
	State          State          `json:"state"`
	Classification Classification `json:"safety_classification"`
	StateReason    string         `json:"state_reason,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// critical reports whether a failure of this feature should escalate.
func (f *Feature) critical() bool {
	return f.Classification == ClassPositionCritical || f.Classification == ClassSafetyCritical
}

// Logger defines the logging interface used by the registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// CommandPublisher carries forced-shutdown commands to the hardware
// gateway. Optional: without one the registry still records state.
type CommandPublisher interface {
	PublishCommand(ctx context.Context, feature, command, reason string) error
}

// Registry is an in-memory feature table safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	features  map[string]*Feature
	logger    Logger
	publisher CommandPublisher
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		features: make(map[string]*Feature),
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) { r.logger = logger }

// SetCommandPublisher attaches the hardware command channel.
func (r *Registry) SetCommandPublisher(p CommandPublisher) { r.publisher = p }

// Register adds or replaces a feature. State defaults to online.
func (r *Registry) Register(f Feature) {
	if f.State == "" {
		f.State = StateOnline
	}
	f.UpdatedAt = time.Now().UTC()

	r.mu.Lock()
	r.features[f.Name] = &f
	r.mu.Unlock()

	r.logger.Debug("feature registered", "name", f.Name, "classification", f.Classification)
}

// Get returns a copy of one feature.
func (r *Registry) Get(name string) (*Feature, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.features[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFeatureNotFound, name)
	}
	cp := *f
	return &cp, nil
}

// List returns copies of all features.
func (r *Registry) List() []Feature {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Feature, 0, len(r.features))
	for _, f := range r.features {
		out = append(out, *f)
	}
	return out
}

// SetState records a state transition.
func (r *Registry) SetState(name string, state State, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.features[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrFeatureNotFound, name)
	}
	f.State = state
	f.StateReason = reason
	f.UpdatedAt = time.Now().UTC()

	r.logger.Info("feature state changed", "name", name, "state", state, "reason", reason)
	return nil
}

// ForceShutdown drives a feature to safe shutdown. The state is recorded
// unconditionally; the hardware command is sent when a publisher is
// attached, and a publish failure is returned so the caller can escalate.
func (r *Registry) ForceShutdown(ctx context.Context, name, reason string) error {
	if err := r.SetState(name, StateSafeShutdown, reason); err != nil {
		return err
	}
	r.logger.Warn("feature forced to safe shutdown", "name", name, "reason", reason)

	if r.publisher == nil {
		return nil
	}
	if err := r.publisher.PublishCommand(ctx, name, "safe_shutdown", reason); err != nil {
		return fmt.Errorf("publishing shutdown command for %s: %w", name, err)
	}
	return nil
}

// PositionCriticalFeatures lists the features emergency stop must shut
// down.
func (r *Registry) PositionCriticalFeatures() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for name, f := range r.features {
		if f.Classification == ClassPositionCritical {
			out = append(out, name)
		}
	}
	return out
}

// FailedCriticalFeatures lists critically classified features currently in
// the failed state.
func (r *Registry) FailedCriticalFeatures(context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for name, f := range r.features {
		if f.critical() && f.State == StateFailed {
			out = append(out, name)
		}
	}
	return out, nil
}

// HealthReport summarises system health for status endpoints.
type HealthReport struct {
	FailedCritical []string `json:"failed_critical"`
	Total          int      `json:"total"`
	Online         int      `json:"online"`
}

// CheckSystemHealth builds a health report over the whole registry.
func (r *Registry) CheckSystemHealth(ctx context.Context) (*HealthReport, error) {
	failed, _ := r.FailedCriticalFeatures(ctx)

	r.mu.RLock()
	defer r.mu.RUnlock()

	report := &HealthReport{
		FailedCritical: failed,
		Total:          len(r.features),
	}
	for _, f := range r.features {
		if f.State == StateOnline {
			report.Online++
		}
	}
	return report, nil
}

// RegisterDefaults installs the standard coach feature set.
func (r *Registry) RegisterDefaults() {
	defaults := []Feature{
		{Name: "slide_rooms", Classification: ClassPositionCritical},
		{Name: "leveling_jacks", Classification: ClassPositionCritical},
		{Name: "awning", Classification: ClassPositionCritical},
		{Name: "inverter", Classification: ClassSafetyCritical},
		{Name: "engine", Classification: ClassOperational},
		{Name: "generator", Classification: ClassOperational},
	}
	for _, f := range defaults {
		r.Register(f)
	}
}
