package pin

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository defines persistence for PIN records, sessions and attempts.
//
// Implementations must be safe for concurrent use; the manager serialises
// the read-evict-insert session path per user on top of this.
type Repository interface {
	// UpsertRecord deactivates any active record for (user, type) and
	// inserts the new record in the same transaction.
	UpsertRecord(ctx context.Context, rec *PINRecord) error
	GetActiveRecord(ctx context.Context, userID string, pinType PINType) (*PINRecord, error)
	TouchRecordUse(ctx context.Context, recordID string, usedAt time.Time) error

	RecordAttempt(ctx context.Context, attempt *PINAttempt) error
	// CountFailuresSince counts failed attempts for (user, type) newer
	// than the cutoff. Drives the sliding-window lockout.
	CountFailuresSince(ctx context.Context, userID string, pinType PINType, since time.Time) (int, error)
	// NthRecentFailureTime returns when the n-th most recent failure
	// inside the window happened. Used to compute lockout retry-after.
	NthRecentFailureTime(ctx context.Context, userID string, pinType PINType, since time.Time, n int) (time.Time, error)

	CreateSession(ctx context.Context, sess *PINSession) error
	GetSession(ctx context.Context, id string) (*PINSession, error)
	// UpdateSessionUse persists a new operation count and, when
	// terminate is set, deactivates the session in the same statement.
	// The write is guarded on the count the caller read; a false return
	// means a concurrent caller spent the session first.
	UpdateSessionUse(ctx context.Context, id string, operationCount, priorCount int, terminate bool, reason string, when time.Time) (bool, error)
	DeactivateSession(ctx context.Context, id, reason string, when time.Time) error
	DeactivateUserSessions(ctx context.Context, userID, reason string, when time.Time) (int64, error)
	DeactivateRecordSessions(ctx context.Context, recordID, reason string, when time.Time) (int64, error)
	CountActiveSessions(ctx context.Context, userID string) (int, error)
	OldestActiveSession(ctx context.Context, userID string) (*PINSession, error)
	SweepExpiredSessions(ctx context.Context, now time.Time) (int64, error)

	// Status queries.
	CountAllActiveRecords(ctx context.Context) (int, error)
	CountAllActiveSessions(ctx context.Context) (int, error)
	CountAttemptsSince(ctx context.Context, since time.Time, success bool) (int, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed PIN repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// UpsertRecord deactivates the previous active record for (user, type)
// and inserts the new one atomically.
func (r *SQLiteRepository) UpsertRecord(ctx context.Context, rec *PINRecord) error {
	if rec.ID == "" {
		rec.ID = "pin-" + uuid.NewString()[:8]
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.IsActive = true

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx,
		`UPDATE pin_records SET is_active = 0, updated_at = ?
		 WHERE user_id = ? AND pin_type = ? AND is_active = 1`,
		now.Format(time.RFC3339), rec.UserID, string(rec.PINType),
	); err != nil {
		return fmt.Errorf("deactivating previous record: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO pin_records (id, user_id, pin_type, pin_hash, description, is_active,
		                          max_uses, use_count, created_at, updated_at, last_used_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?, 0, ?, ?, NULL)`,
		rec.ID, rec.UserID, string(rec.PINType), rec.PINHash,
		nullableString(rec.Description), nullableInt(rec.MaxUses),
		rec.CreatedAt.Format(time.RFC3339), rec.UpdatedAt.Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("inserting pin record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing pin record: %w", err)
	}
	return nil
}

// GetActiveRecord returns the active record for (user, type), or
// ErrRecordNotFound.
func (r *SQLiteRepository) GetActiveRecord(ctx context.Context, userID string, pinType PINType) (*PINRecord, error) {
	var rec PINRecord
	var description sql.NullString
	var maxUses sql.NullInt64
	var isActive int
	var createdAt, updatedAt string
	var lastUsedAt sql.NullString

	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, pin_type, pin_hash, description, is_active,
		        max_uses, use_count, created_at, updated_at, last_used_at
		 FROM pin_records
		 WHERE user_id = ? AND pin_type = ? AND is_active = 1`,
		userID, string(pinType),
	).Scan(&rec.ID, &rec.UserID, &rec.PINType, &rec.PINHash, &description,
		&isActive, &maxUses, &rec.UseCount, &createdAt, &updatedAt, &lastUsedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("getting pin record: %w", err)
	}

	rec.IsActive = isActive != 0
	if description.Valid {
		rec.Description = description.String
	}
	if maxUses.Valid {
		rec.MaxUses = int(maxUses.Int64)
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled
	rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt) //nolint:errcheck // format is controlled
	if lastUsedAt.Valid {
		t, _ := time.Parse(time.RFC3339, lastUsedAt.String) //nolint:errcheck // format is controlled
		rec.LastUsedAt = &t
	}

	return &rec, nil
}

// TouchRecordUse increments use_count and stamps last_used_at.
func (r *SQLiteRepository) TouchRecordUse(ctx context.Context, recordID string, usedAt time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE pin_records SET use_count = use_count + 1, last_used_at = ?, updated_at = ?
		 WHERE id = ?`,
		usedAt.UTC().Format(time.RFC3339), usedAt.UTC().Format(time.RFC3339), recordID)
	if err != nil {
		return fmt.Errorf("updating pin record use: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // sqlite always reports
		return ErrRecordNotFound
	}
	return nil
}

// RecordAttempt appends a validation attempt.
func (r *SQLiteRepository) RecordAttempt(ctx context.Context, attempt *PINAttempt) error {
	if attempt.ID == "" {
		attempt.ID = "pa-" + uuid.NewString()[:8]
	}
	if attempt.AttemptedAt.IsZero() {
		attempt.AttemptedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO pin_attempts (id, user_id, pin_type, success, failure_reason,
		                           source_ip, user_agent, attempted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.ID, nullableString(attempt.UserID), string(attempt.PINType),
		boolToInt(attempt.Success), nullableString(attempt.FailureReason),
		nullableString(attempt.SourceIP), nullableString(attempt.UserAgent),
		attempt.AttemptedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("recording pin attempt: %w", err)
	}
	return nil
}

// CountFailuresSince counts failed attempts inside the sliding window.
func (r *SQLiteRepository) CountFailuresSince(ctx context.Context, userID string, pinType PINType, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pin_attempts
		 WHERE user_id = ? AND pin_type = ? AND success = 0 AND attempted_at > ?`,
		userID, string(pinType), since.UTC().Format(time.RFC3339),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting pin failures: %w", err)
	}
	return count, nil
}

// NthRecentFailureTime returns the attempted_at of the n-th most recent
// failure in the window (1 = newest). ErrRecordNotFound if fewer exist.
func (r *SQLiteRepository) NthRecentFailureTime(ctx context.Context, userID string, pinType PINType, since time.Time, n int) (time.Time, error) {
	if n < 1 {
		return time.Time{}, fmt.Errorf("n must be >= 1")
	}
	var attemptedAt string
	err := r.db.QueryRowContext(ctx,
		`SELECT attempted_at FROM pin_attempts
		 WHERE user_id = ? AND pin_type = ? AND success = 0 AND attempted_at > ?
		 ORDER BY attempted_at DESC LIMIT 1 OFFSET ?`,
		userID, string(pinType), since.UTC().Format(time.RFC3339), n-1,
	).Scan(&attemptedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, ErrRecordNotFound
		}
		return time.Time{}, fmt.Errorf("finding nth failure: %w", err)
	}
	t, err := time.Parse(time.RFC3339, attemptedAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing attempt timestamp %q: %w", attemptedAt, err)
	}
	return t, nil
}

// CreateSession inserts a new session. The ID is generated if empty.
func (r *SQLiteRepository) CreateSession(ctx context.Context, sess *PINSession) error {
	if sess.ID == "" {
		sess.ID = "ps-" + uuid.NewString()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	sess.IsActive = true

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO pin_sessions (id, pin_record_id, user_id, max_duration_minutes,
		                           max_operations, operation_count, is_active,
		                           created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, 0, 1, ?, ?)`,
		sess.ID, sess.PINRecordID, sess.UserID, sess.MaxDurationMinutes,
		nullableInt(sess.MaxOperations),
		sess.CreatedAt.UTC().Format(time.RFC3339),
		sess.ExpiresAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("creating pin session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID, or ErrSessionNotFound.
func (r *SQLiteRepository) GetSession(ctx context.Context, id string) (*PINSession, error) {
	var sess PINSession
	var maxOperations sql.NullInt64
	var isActive int
	var createdAt, expiresAt string
	var terminatedAt, terminationReason sql.NullString

	err := r.db.QueryRowContext(ctx,
		`SELECT id, pin_record_id, user_id, max_duration_minutes, max_operations,
		        operation_count, is_active, created_at, expires_at,
		        terminated_at, termination_reason
		 FROM pin_sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.PINRecordID, &sess.UserID, &sess.MaxDurationMinutes,
		&maxOperations, &sess.OperationCount, &isActive, &createdAt, &expiresAt,
		&terminatedAt, &terminationReason)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("getting pin session: %w", err)
	}

	if maxOperations.Valid {
		sess.MaxOperations = int(maxOperations.Int64)
	}
	sess.IsActive = isActive != 0
	sess.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled
	sess.ExpiresAt, _ = time.Parse(time.RFC3339, expiresAt) //nolint:errcheck // format is controlled
	if terminatedAt.Valid {
		t, _ := time.Parse(time.RFC3339, terminatedAt.String) //nolint:errcheck // format is controlled
		sess.TerminatedAt = &t
	}
	if terminationReason.Valid {
		sess.TerminationReason = terminationReason.String
	}

	return &sess, nil
}

// UpdateSessionUse persists the incremented operation count, optionally
// terminating the session in the same statement. The update is keyed on
// the prior count so two spenders racing on one session cannot both
// succeed; a false return means the session was spent or deactivated
// underneath the caller.
func (r *SQLiteRepository) UpdateSessionUse(ctx context.Context, id string, operationCount, priorCount int, terminate bool, reason string, when time.Time) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if terminate {
		res, err = r.db.ExecContext(ctx,
			`UPDATE pin_sessions
			 SET operation_count = ?, is_active = 0, terminated_at = ?, termination_reason = ?
			 WHERE id = ? AND is_active = 1 AND operation_count = ?`,
			operationCount, when.UTC().Format(time.RFC3339), reason, id, priorCount)
	} else {
		res, err = r.db.ExecContext(ctx,
			"UPDATE pin_sessions SET operation_count = ? WHERE id = ? AND is_active = 1 AND operation_count = ?",
			operationCount, id, priorCount)
	}
	if err != nil {
		return false, fmt.Errorf("updating pin session use: %w", err)
	}
	n, _ := res.RowsAffected() //nolint:errcheck // sqlite always reports
	return n > 0, nil
}

// DeactivateSession soft-terminates a single session.
func (r *SQLiteRepository) DeactivateSession(ctx context.Context, id, reason string, when time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE pin_sessions SET is_active = 0, terminated_at = ?, termination_reason = ?
		 WHERE id = ? AND is_active = 1`,
		when.UTC().Format(time.RFC3339), reason, id)
	if err != nil {
		return fmt.Errorf("deactivating pin session: %w", err)
	}
	return nil
}

// DeactivateUserSessions soft-terminates all of a user's active sessions.
func (r *SQLiteRepository) DeactivateUserSessions(ctx context.Context, userID, reason string, when time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE pin_sessions SET is_active = 0, terminated_at = ?, termination_reason = ?
		 WHERE user_id = ? AND is_active = 1`,
		when.UTC().Format(time.RFC3339), reason, userID)
	if err != nil {
		return 0, fmt.Errorf("deactivating user sessions: %w", err)
	}
	n, _ := res.RowsAffected() //nolint:errcheck // sqlite always reports
	return n, nil
}

// DeactivateRecordSessions soft-terminates all active sessions created
// from the given record. Used when a PIN is rotated.
func (r *SQLiteRepository) DeactivateRecordSessions(ctx context.Context, recordID, reason string, when time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE pin_sessions SET is_active = 0, terminated_at = ?, termination_reason = ?
		 WHERE pin_record_id = ? AND is_active = 1`,
		when.UTC().Format(time.RFC3339), reason, recordID)
	if err != nil {
		return 0, fmt.Errorf("deactivating record sessions: %w", err)
	}
	n, _ := res.RowsAffected() //nolint:errcheck // sqlite always reports
	return n, nil
}

// CountActiveSessions counts a user's active sessions.
func (r *SQLiteRepository) CountActiveSessions(ctx context.Context, userID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM pin_sessions WHERE user_id = ? AND is_active = 1",
		userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting active sessions: %w", err)
	}
	return count, nil
}

// OldestActiveSession returns the user's oldest active session, or
// ErrSessionNotFound when none exist.
func (r *SQLiteRepository) OldestActiveSession(ctx context.Context, userID string) (*PINSession, error) {
	var id string
	err := r.db.QueryRowContext(ctx,
		`SELECT id FROM pin_sessions WHERE user_id = ? AND is_active = 1
		 ORDER BY created_at ASC, id ASC LIMIT 1`, userID).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("finding oldest session: %w", err)
	}
	return r.GetSession(ctx, id)
}

// SweepExpiredSessions deactivates sessions whose TTL elapsed.
func (r *SQLiteRepository) SweepExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE pin_sessions SET is_active = 0, terminated_at = ?, termination_reason = 'expired'
		 WHERE is_active = 1 AND expires_at <= ?`,
		now.UTC().Format(time.RFC3339), now.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("sweeping expired sessions: %w", err)
	}
	n, _ := res.RowsAffected() //nolint:errcheck // sqlite always reports
	return n, nil
}

// CountAllActiveRecords counts active PIN records system-wide.
func (r *SQLiteRepository) CountAllActiveRecords(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM pin_records WHERE is_active = 1").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting active records: %w", err)
	}
	return count, nil
}

// CountAllActiveSessions counts active sessions system-wide.
func (r *SQLiteRepository) CountAllActiveSessions(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM pin_sessions WHERE is_active = 1").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting active sessions: %w", err)
	}
	return count, nil
}

// CountAttemptsSince counts attempts by outcome since the cutoff.
func (r *SQLiteRepository) CountAttemptsSince(ctx context.Context, since time.Time, success bool) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM pin_attempts WHERE attempted_at > ? AND success = ?",
		since.UTC().Format(time.RFC3339), boolToInt(success)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting attempts: %w", err)
	}
	return count, nil
}

// nullableString returns nil for empty strings. Used for nullable TEXT
// columns in SQLite.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullableInt returns nil for zero. Used for nullable INTEGER columns
// where 0 means "unset".
func nullableInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

// boolToInt converts a bool to SQLite's 0/1 integer representation.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
