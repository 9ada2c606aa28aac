package safety

import "errors"

var (
	// ErrServiceStopped is returned when an operation is submitted after
	// the service has shut down.
	ErrServiceStopped = errors.New("safety: service stopped")

	// ErrUnknownInterlock is returned for an interlock name outside the
	// fixed set.
	ErrUnknownInterlock = errors.New("safety: unknown interlock")

	// ErrUnknownMode is returned for an operational mode outside
	// NORMAL/MAINTENANCE/DIAGNOSTIC.
	ErrUnknownMode = errors.New("safety: unknown mode")
)

// Denial reasons carried in Decision.Reason.
const (
	ReasonNotAuthorized   = "not authorized"
	ReasonModeConflict    = "another mode is active"
	ReasonModeNotActive   = "mode not active"
	ReasonEmergencyActive = "emergency stop active"
	ReasonInvalidCode     = "invalid reset code"
)

// Decision is the tagged outcome of a safety operation. Allowed=false is a
// denial with Reason set; infrastructure failures travel as a separate
// error so denied is always distinguishable from broken.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

func allow() Decision        { return Decision{Allowed: true} }
func deny(r string) Decision { return Decision{Reason: r} }
