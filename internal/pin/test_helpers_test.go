package pin

import (
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// testDB creates a temporary SQLite database with the PIN schema applied.
// The database file is cleaned up when the test completes.
func testDB(t *testing.T) *sql.DB {
	t.Helper()

	// Use a temp file so WAL mode works (in-memory doesn't support it)
	f, err := os.CreateTemp("", "pin-test-*.db")
	if err != nil {
		t.Fatalf("creating temp db: %v", err)
	}
	dbPath := f.Name()
	f.Close()
	t.Cleanup(func() { os.Remove(dbPath) })

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	migrationSQL := `
		CREATE TABLE pin_records (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			pin_type TEXT NOT NULL,
			pin_hash TEXT NOT NULL,
			description TEXT,
			is_active INTEGER NOT NULL DEFAULT 1,
			max_uses INTEGER,
			use_count INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			last_used_at TEXT
		) STRICT;

		CREATE UNIQUE INDEX idx_pin_records_active
			ON pin_records(user_id, pin_type) WHERE is_active = 1;

		CREATE TABLE pin_sessions (
			id TEXT PRIMARY KEY,
			pin_record_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			max_duration_minutes INTEGER NOT NULL,
			max_operations INTEGER,
			operation_count INTEGER NOT NULL DEFAULT 0,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			terminated_at TEXT,
			termination_reason TEXT,
			FOREIGN KEY (pin_record_id) REFERENCES pin_records(id) ON DELETE CASCADE
		) STRICT;

		CREATE INDEX idx_pin_sessions_user_active ON pin_sessions(user_id, is_active);

		CREATE TABLE pin_attempts (
			id TEXT PRIMARY KEY,
			user_id TEXT,
			pin_type TEXT NOT NULL,
			success INTEGER NOT NULL,
			failure_reason TEXT,
			source_ip TEXT,
			user_agent TEXT,
			attempted_at TEXT NOT NULL
		) STRICT;

		CREATE INDEX idx_pin_attempts_window
			ON pin_attempts(user_id, pin_type, attempted_at);
	`
	if _, err := db.Exec(migrationSQL); err != nil {
		t.Fatalf("applying pin migration: %v", err)
	}

	return db
}

// testConfig returns a manager config with short windows for tests.
func testConfig() Config {
	return Config{
		MinLength:             4,
		MaxLength:             8,
		MaxConcurrentSessions: 3,
		LockoutAfterFailures:  3,
		LockoutWindow:         15 * time.Minute,
		Policies: map[PINType]Policy{
			TypeEmergency:   {SessionTTL: 5 * time.Minute, MaxOperations: 1},
			TypeOverride:    {SessionTTL: 15 * time.Minute, MaxOperations: 5},
			TypeMaintenance: {SessionTTL: time.Hour, MaxOperations: 0},
		},
	}
}

// testManager builds a manager over a fresh test database.
func testManager(t *testing.T) (*Manager, *SQLiteRepository) {
	t.Helper()
	repo := NewSQLiteRepository(testDB(t))
	return NewManager(testConfig(), repo), repo
}
