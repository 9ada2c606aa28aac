// Package database provides SQLite connectivity for Coach Core.
//
// It wraps database/sql with WAL mode, busy-timeout handling, restricted
// file permissions and embedded schema migrations. SQLite is configured
// with a single pooled connection because it supports one writer; the PIN
// manager and security audit share the same handle.
//
// Migrations are embedded into the binary via the migrations package and
// applied on startup, each in its own transaction.
package database
