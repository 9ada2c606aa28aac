package safety

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roadhaus/coach-core/internal/pin"
)

// Logger defines the logging interface used by the service.
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

// SessionAuthorizer is the PIN manager surface the service depends on.
// Unavailability here always blocks the safety path: a failed authorization
// call is a denial, never a pass-through.
type SessionAuthorizer interface {
	AuthorizeOperation(ctx context.Context, sessionID, operation, userID string) (pin.Decision, error)
	SweepExpiredSessions(ctx context.Context) (int64, error)
}

// FeatureController is the feature-manager surface the service depends on.
type FeatureController interface {
	PositionCriticalFeatures() []string
	ForceShutdown(ctx context.Context, name, reason string) error
	FailedCriticalFeatures(ctx context.Context) ([]string, error)
}

// SecurityAuditor mirrors safety events to the security audit trail.
// Best-effort: implementations swallow their own failures.
type SecurityAuditor interface {
	LogSecurityEvent(ctx context.Context, eventType, severity, userID, sourceIP string, details map[string]any)
}

// MetricsSink receives safety transitions as time-series points.
// Best-effort and non-blocking.
type MetricsSink interface {
	WriteEvent(measurement string, tags map[string]string, fields map[string]any)
}

// StatusPublisher pushes status snapshots to interested parties after
// state transitions.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, status *Status) error
}

// Mode is the system-wide operational mode.
type Mode string

const (
	ModeNormal      Mode = "NORMAL"
	ModeMaintenance Mode = "MAINTENANCE"
	ModeDiagnostic  Mode = "DIAGNOSTIC"
)

// PIN operation names checked by AuthorizeOperation.
const (
	OpEmergencyStop     = "emergency_stop"
	OpEmergencyReset    = "emergency_reset"
	OpInterlockOverride = "interlock_override"
)

var modeEnterOps = map[Mode]string{
	ModeMaintenance: "maintenance_mode_enter",
	ModeDiagnostic:  "diagnostic_mode_enter",
}

var modeExitOps = map[Mode]string{
	ModeMaintenance: "maintenance_mode_exit",
	ModeDiagnostic:  "diagnostic_mode_exit",
}

// ModeSession records who holds a non-NORMAL mode and until when.
type ModeSession struct {
	PINSessionID string    `json:"pin_session_id"`
	EnteredBy    string    `json:"entered_by"`
	EnteredAt    time.Time `json:"entered_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Config holds service timings and thresholds, sourced from configuration.
type Config struct {
	HealthInterval     time.Duration
	WatchdogTimeout    time.Duration
	ModeSessionTTL     time.Duration
	OverrideTTL        time.Duration
	ViolationThreshold int
	LegacyResetCode    string
	AuditBufferSize    int
}

// Service owns the interlock set, operational mode, emergency-stop state
// and active overrides. All mutable state is confined to the run goroutine;
// exported methods submit closures and wait for them.
type Service struct {
	cfg      Config
	logger   Logger
	pins     SessionAuthorizer
	features FeatureController
	states   StateProvider

	secaudit  SecurityAuditor // optional
	metrics   MetricsSink     // optional
	publisher StatusPublisher // optional

	auditLog *AuditLog

	tasks    chan func()
	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  atomic.Bool

	// Owned by the run goroutine.
	interlocks      map[string]*Interlock
	interlockOrder  []string
	mode            Mode
	modeSession     *ModeSession
	emergencyActive bool
	emergencyReason string
	safeState       bool
	safeStateReason string
	activeOverrides map[string]*Override

	// Mirrors readable without the run goroutine. The watchdog depends on
	// these staying current even when the task queue is saturated.
	lastKick      atomic.Int64
	emergencyFlag atomic.Bool
	safeFlag      atomic.Bool
}

// NewService builds a stopped service with the fixed interlock set.
func NewService(cfg Config, pins SessionAuthorizer, features FeatureController, states StateProvider) *Service {
	if cfg.ViolationThreshold <= 0 {
		cfg.ViolationThreshold = 3
	}
	if cfg.AuditBufferSize <= 0 {
		cfg.AuditBufferSize = 1000
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 5 * time.Second
	}
	if cfg.WatchdogTimeout <= 0 {
		cfg.WatchdogTimeout = 30 * time.Second
	}

	s := &Service{
		cfg:             cfg,
		logger:          noopLogger{},
		pins:            pins,
		features:        features,
		states:          states,
		auditLog:        NewAuditLog(cfg.AuditBufferSize),
		tasks:           make(chan func(), 32),
		stop:            make(chan struct{}),
		stopped:         make(chan struct{}),
		interlocks:      make(map[string]*Interlock),
		mode:            ModeNormal,
		activeOverrides: make(map[string]*Override),
	}
	for _, il := range defaultInterlocks() {
		s.interlocks[il.Name] = il
		s.interlockOrder = append(s.interlockOrder, il.Name)
	}
	return s
}

// SetLogger sets the logger for the service.
func (s *Service) SetLogger(logger Logger) { s.logger = logger }

// SetSecurityAuditor attaches the security audit collaborator.
func (s *Service) SetSecurityAuditor(a SecurityAuditor) { s.secaudit = a }

// SetMetricsSink attaches the time-series sink.
func (s *Service) SetMetricsSink(m MetricsSink) { s.metrics = m }

// SetStatusPublisher attaches the status push collaborator.
func (s *Service) SetStatusPublisher(p StatusPublisher) { s.publisher = p }

// AuditLog exposes the bounded audit ring for status endpoints.
func (s *Service) AuditLog() *AuditLog { return s.auditLog }

// Start launches the owner goroutine plus the health and watchdog loops.
// The loops exit when ctx is cancelled or Stop is called.
func (s *Service) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.lastKick.Store(time.Now().UnixNano())

	s.wg.Add(3)
	go s.run()
	go s.healthLoop(ctx)
	go s.watchdogLoop(ctx)
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.stop:
		}
	}()

	s.logger.Info("safety service started",
		"health_interval", s.cfg.HealthInterval,
		"watchdog_timeout", s.cfg.WatchdogTimeout,
		"interlocks", len(s.interlocks))
}

// Stop shuts the service down, letting the in-flight task finish.
func (s *Service) Stop() {
	if !s.started.Load() {
		return
	}
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

// run executes submitted closures serially. On shutdown the queue is
// drained so no transition is left half-applied.
func (s *Service) run() {
	defer s.wg.Done()
	defer close(s.stopped)
	for {
		select {
		case fn := <-s.tasks:
			fn()
		case <-s.stop:
			for {
				select {
				case fn := <-s.tasks:
					fn()
				default:
					return
				}
			}
		}
	}
}

// call submits a closure to the owner goroutine and waits for it to run.
func (s *Service) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}
	select {
	case s.tasks <- wrapped:
	case <-s.stop:
		return ErrServiceStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-s.stopped:
		return ErrServiceStopped
	}
}

// EmergencyActive reads the emergency flag without the owner goroutine.
func (s *Service) EmergencyActive() bool { return s.emergencyFlag.Load() }

// InSafeState reads the safe-state flag without the owner goroutine.
func (s *Service) InSafeState() bool { return s.safeFlag.Load() }

// OverrideStatus describes one centrally recorded override.
type OverrideStatus struct {
	InterlockName string    `json:"interlock_name"`
	SessionID     string    `json:"session_id"`
	Reason        string    `json:"reason"`
	By            string    `json:"by"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Status is the externally visible safety snapshot.
type Status struct {
	Mode            Mode              `json:"mode"`
	ModeSession     *ModeSession      `json:"mode_session,omitempty"`
	EmergencyActive bool              `json:"emergency_active"`
	EmergencyReason string            `json:"emergency_reason,omitempty"`
	SafeState       bool              `json:"safe_state"`
	SafeStateReason string            `json:"safe_state_reason,omitempty"`
	Interlocks      []InterlockStatus `json:"interlocks"`
	ActiveOverrides []OverrideStatus  `json:"active_overrides"`
	SystemState     SystemState       `json:"system_state"`
	Timestamp       time.Time         `json:"timestamp"`
}

// GetSafetyStatus snapshots the full safety posture.
func (s *Service) GetSafetyStatus(ctx context.Context) (*Status, error) {
	var status *Status
	err := s.call(ctx, func() {
		status = s.statusLocked()
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}

// statusLocked builds a snapshot. Run-goroutine only.
func (s *Service) statusLocked() *Status {
	now := time.Now().UTC()
	status := &Status{
		Mode:            s.mode,
		EmergencyActive: s.emergencyActive,
		EmergencyReason: s.emergencyReason,
		SafeState:       s.safeState,
		SafeStateReason: s.safeStateReason,
		SystemState:     s.states.Snapshot(),
		Timestamp:       now,
	}
	if s.modeSession != nil {
		ms := *s.modeSession
		status.ModeSession = &ms
	}
	for _, name := range s.interlockOrder {
		status.Interlocks = append(status.Interlocks, s.interlocks[name].Status(now))
	}
	overridden := make([]string, 0, len(s.activeOverrides))
	for name := range s.activeOverrides {
		overridden = append(overridden, name)
	}
	sort.Strings(overridden)
	for _, name := range overridden {
		o := s.activeOverrides[name]
		status.ActiveOverrides = append(status.ActiveOverrides, OverrideStatus{
			InterlockName: name,
			SessionID:     o.SessionID,
			Reason:        o.Reason,
			By:            o.By,
			ExpiresAt:     o.ExpiresAt,
		})
	}
	return status
}

// audit appends to the ring and mirrors the event to the security audit
// trail and metrics sink. Mirrors are best-effort.
func (s *Service) audit(ctx context.Context, eventType, severity, userID string, details map[string]any) {
	s.auditLog.Append(eventType, details)
	if s.secaudit != nil {
		s.secaudit.LogSecurityEvent(ctx, eventType, severity, userID, "", details)
	}
	if s.metrics != nil {
		fields := map[string]any{"count": 1}
		tags := map[string]string{"event_type": eventType, "severity": severity}
		s.metrics.WriteEvent("safety_event", tags, fields)
	}
}

// publishStatus pushes a snapshot to the status publisher without blocking
// the owner goroutine. Run-goroutine only.
func (s *Service) publishStatus() {
	if s.publisher == nil {
		return
	}
	status := s.statusLocked()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.publisher.PublishStatus(ctx, status); err != nil {
			s.logger.Warn("status publish failed", "error", err)
		}
	}()
}
