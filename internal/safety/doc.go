// Package safety implements the interlock and emergency-stop supervisor.
//
// A single goroutine owns all mutable safety state (interlocks, operational
// mode, emergency flags, active overrides) and executes submitted closures
// serially, so interlock evaluation never races an override installation.
// The health loop and watchdog loop are independent goroutines: the health
// loop submits an evaluation tick each period and kicks the watchdog once
// per completed iteration; the watchdog reads the last kick through an
// atomic so it can force safe state even if the owner goroutine is wedged.
//
// Authorization outcomes are Decision values. An error return means
// infrastructure failed and callers must treat the operation as denied.
package safety
