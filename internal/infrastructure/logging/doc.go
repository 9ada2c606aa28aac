// Package logging provides structured logging for Coach Core.
//
// It wraps log/slog with service-level default fields and config-driven
// level, format and output selection. Component loggers are derived via
// With("component", name) so every safety-relevant log line carries its
// origin.
package logging
