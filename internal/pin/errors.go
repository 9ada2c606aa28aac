package pin

import "errors"

// Domain errors for the pin package. Check with errors.Is().
var (
	// ErrInvalidPINFormat is returned when a PIN fails the length or
	// charset policy during SetPIN.
	ErrInvalidPINFormat = errors.New("pin: invalid format")

	// ErrInvalidPINType is returned when a PIN type is not recognised.
	ErrInvalidPINType = errors.New("pin: invalid type")

	// ErrInvalidUserID is returned when a user ID is empty or malformed.
	ErrInvalidUserID = errors.New("pin: invalid user id")

	// ErrRecordNotFound is returned when no active PIN record exists for
	// a (user, type) pair.
	ErrRecordNotFound = errors.New("pin: record not found")

	// ErrSessionNotFound is returned by the repository when a session ID
	// does not exist. The manager converts it into an opaque denial so
	// callers cannot distinguish missing from expired sessions.
	ErrSessionNotFound = errors.New("pin: session not found")
)
