package pin

import (
	"regexp"
	"time"
)

// pinPattern defines the valid PIN charset: digits only.
// Length bounds come from configuration.
var pinPattern = regexp.MustCompile(`^[0-9]+$`)

// PINType selects the session policy applied after successful validation.
type PINType string

const (
	// TypeEmergency authorizes emergency stop and reset. Short TTL,
	// single operation per session.
	TypeEmergency PINType = "emergency"

	// TypeOverride authorizes interlock overrides. Medium TTL, small
	// fixed operation budget.
	TypeOverride PINType = "override"

	// TypeMaintenance authorizes maintenance and diagnostic modes.
	// Longer TTL, unlimited operations.
	TypeMaintenance PINType = "maintenance"
)

// ValidTypes is the set of recognised PIN types.
var ValidTypes = []PINType{TypeEmergency, TypeOverride, TypeMaintenance}

// IsValidType returns true if the PIN type is recognised.
func IsValidType(t PINType) bool {
	for _, v := range ValidTypes {
		if t == v {
			return true
		}
	}
	return false
}

// PINRecord is the stored credential for a (user, type) pair.
// At most one record per pair is active; rotation deactivates the
// previous record rather than deleting it.
type PINRecord struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	PINType     PINType    `json:"pin_type"`
	PINHash     string     `json:"-"` // PHC string, never serialised
	Description string     `json:"description,omitempty"`
	IsActive    bool       `json:"is_active"`
	MaxUses     int        `json:"max_uses,omitempty"` // 0 = unlimited
	UseCount    int        `json:"use_count"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
}

// PINSession is a short-lived, usage-limited authorization token created
// by successful validation.
type PINSession struct {
	ID                 string     `json:"id"`
	PINRecordID        string     `json:"pin_record_id"`
	UserID             string     `json:"user_id"`
	MaxDurationMinutes int        `json:"max_duration_minutes"`
	MaxOperations      int        `json:"max_operations,omitempty"` // 0 = unlimited
	OperationCount     int        `json:"operation_count"`
	IsActive           bool       `json:"is_active"`
	CreatedAt          time.Time  `json:"created_at"`
	ExpiresAt          time.Time  `json:"expires_at"`
	TerminatedAt       *time.Time `json:"terminated_at,omitempty"`
	TerminationReason  string     `json:"termination_reason,omitempty"`
}

// Expired reports whether the session TTL has elapsed at the given time.
func (s *PINSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Exhausted reports whether the session operation budget is spent.
func (s *PINSession) Exhausted() bool {
	return s.MaxOperations > 0 && s.OperationCount >= s.MaxOperations
}

// PINAttempt is one append-only row in the validation history.
// The lockout window is computed over these rows.
type PINAttempt struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id,omitempty"`
	PINType       PINType   `json:"pin_type"`
	Success       bool      `json:"success"`
	FailureReason string    `json:"failure_reason,omitempty"`
	SourceIP      string    `json:"source_ip,omitempty"`
	UserAgent     string    `json:"user_agent,omitempty"`
	AttemptedAt   time.Time `json:"attempted_at"`
}

// AttemptMeta carries request metadata recorded with each attempt.
type AttemptMeta struct {
	SourceIP  string
	UserAgent string
}

// Denial reasons carried in Decision.Reason. Session-related denials are
// deliberately collapsed into ReasonSessionInvalid so callers cannot
// probe which sessions exist.
const (
	ReasonInvalidCredentials = "invalid credentials"
	ReasonLockedOut          = "locked out"
	ReasonPINExhausted       = "pin use limit reached"
	ReasonSessionInvalid     = "session invalid"
	ReasonRateLimited        = "rate limited"
)

// Decision is the tagged outcome of an authorization operation.
// Allowed and Reason are mutually exclusive; infrastructure failures
// travel as a separate error so "denied" is always distinguishable from
// "broken".
type Decision struct {
	Allowed bool `json:"allowed"`

	// Reason explains a denial. Empty when Allowed.
	Reason string `json:"reason,omitempty"`

	// SessionID is set when a successful validation created a session.
	SessionID string `json:"session_id,omitempty"`

	// RetryAfter is set on lockout denials: how long until the oldest
	// relevant failure ages out of the window.
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// allow returns a granting decision.
func allow() Decision {
	return Decision{Allowed: true}
}

// allowSession returns a granting decision carrying the new session ID.
func allowSession(sessionID string) Decision {
	return Decision{Allowed: true, SessionID: sessionID}
}

// deny returns a denial with the given reason.
func deny(reason string) Decision {
	return Decision{Reason: reason}
}

// Policy is the per-type session policy, sourced from configuration.
type Policy struct {
	// SessionTTL is the session lifetime.
	SessionTTL time.Duration

	// MaxOperations caps authorized operations per session. 0 = unlimited.
	MaxOperations int
}

// TypeStatus describes one PIN type for a user.
type TypeStatus struct {
	Configured bool          `json:"configured"`
	LockedOut  bool          `json:"locked_out"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	UseCount   int           `json:"use_count"`
	LastUsedAt *time.Time    `json:"last_used_at,omitempty"`
}

// UserStatus summarises a user's PIN configuration and sessions.
type UserStatus struct {
	UserID         string                  `json:"user_id"`
	Types          map[PINType]*TypeStatus `json:"types"`
	ActiveSessions int                     `json:"active_sessions"`
}

// SystemStatus summarises manager-wide state for operators.
type SystemStatus struct {
	ActiveRecords   int `json:"active_records"`
	ActiveSessions  int `json:"active_sessions"`
	RecentFailures  int `json:"recent_failures"`
	RecentSuccesses int `json:"recent_successes"`
}
