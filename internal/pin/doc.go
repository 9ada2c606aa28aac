// Package pin implements PIN-based authorization for hazardous coach
// operations.
//
// A PIN is a short numeric credential bound to a (user, type) pair, where
// the type — emergency, override or maintenance — selects the session
// policy applied after successful validation. Validation produces a
// short-lived, usage-limited session; safety operations are then
// authorized against that session rather than the PIN itself.
//
// # Failure model
//
// Authorization outcomes are values, not errors: every operation returns
// a Decision whose Reason explains a denial. An error return always means
// infrastructure failed (database unreachable, write refused) and callers
// must treat it as a denial — the package never defaults to allow.
//
// # Lockout
//
// Lockout is computed from a sliding window over the append-only
// pin_attempts table. A failure ages out of the window instead of
// accumulating forever, and a later success does not erase failures still
// inside the window. While locked out the stored hash is never consulted.
package pin
