package pin

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Manager.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// SecurityLogger receives security events from the manager. Calls are
// best-effort: implementations log their own failures and never block
// the authorization path.
type SecurityLogger interface {
	LogSecurityEvent(ctx context.Context, eventType, severity, userID, sourceIP string, details map[string]any)
	CheckRateLimit(ctx context.Context, identifier, category string, isAdmin bool, sourceIP string) (bool, error)
}

// Config holds manager policy, sourced from configuration.
type Config struct {
	MinLength             int
	MaxLength             int
	MaxConcurrentSessions int
	LockoutAfterFailures  int
	LockoutWindow         time.Duration
	Policies              map[PINType]Policy
}

// Manager validates PINs, enforces lockout and manages sessions.
//
// Construct one instance at the composition root and pass it by
// reference; there is no package-level singleton.
type Manager struct {
	cfg    Config
	repo   Repository
	logger Logger
	audit  SecurityLogger // optional

	// userMu serialises the validate/evict/insert path per user so two
	// racing validations cannot both cross the lockout threshold or
	// both escape the concurrent-session cap.
	userMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// NewManager creates a PIN manager backed by the given repository.
func NewManager(cfg Config, repo Repository) *Manager {
	return &Manager{
		cfg:    cfg,
		repo:   repo,
		logger: noopLogger{},
		locks:  make(map[string]*sync.Mutex),
	}
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
}

// SetSecurityLogger attaches the security audit collaborator.
func (m *Manager) SetSecurityLogger(audit SecurityLogger) {
	m.audit = audit
}

// userLock returns the mutex serialising operations for one user.
func (m *Manager) userLock(userID string) *sync.Mutex {
	m.userMu.Lock()
	defer m.userMu.Unlock()
	mu, ok := m.locks[userID]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[userID] = mu
	}
	return mu
}

// policy returns the session policy for a PIN type.
func (m *Manager) policy(t PINType) Policy {
	if p, ok := m.cfg.Policies[t]; ok {
		return p
	}
	// Unknown types never reach here (validated earlier), but fail
	// toward the most restrictive policy anyway.
	return Policy{SessionTTL: time.Minute, MaxOperations: 1}
}

// validatePINFormat enforces the length/charset policy.
func (m *Manager) validatePINFormat(pin string) error {
	if len(pin) < m.cfg.MinLength || len(pin) > m.cfg.MaxLength {
		return fmt.Errorf("%w: length must be %d-%d digits", ErrInvalidPINFormat, m.cfg.MinLength, m.cfg.MaxLength)
	}
	if !pinPattern.MatchString(pin) {
		return fmt.Errorf("%w: digits only", ErrInvalidPINFormat)
	}
	return nil
}

// SetPIN validates the PIN format, hashes it with a fresh random salt
// and upserts the record keyed by (user, type). Any previously active
// record for the pair is deactivated in the same transaction.
func (m *Manager) SetPIN(ctx context.Context, userID string, pinType PINType, pin, description string) (*PINRecord, error) {
	if userID == "" {
		return nil, ErrInvalidUserID
	}
	if !IsValidType(pinType) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPINType, pinType)
	}
	if err := m.validatePINFormat(pin); err != nil {
		return nil, err
	}

	hash, err := HashPIN(pin)
	if err != nil {
		return nil, fmt.Errorf("hashing pin: %w", err)
	}

	rec := &PINRecord{
		UserID:      userID,
		PINType:     pinType,
		PINHash:     hash,
		Description: description,
	}
	if err := m.repo.UpsertRecord(ctx, rec); err != nil {
		return nil, err
	}

	m.logger.Info("pin set", "user_id", userID, "pin_type", pinType)
	return rec, nil
}

// RotatePIN replaces a user's PIN and revokes every active session that
// was created from the old record.
func (m *Manager) RotatePIN(ctx context.Context, userID string, pinType PINType, newPIN, description string) (*PINRecord, error) {
	mu := m.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	old, err := m.repo.GetActiveRecord(ctx, userID, pinType)
	if err != nil && err != ErrRecordNotFound {
		return nil, err
	}

	rec, err := m.SetPIN(ctx, userID, pinType, newPIN, description)
	if err != nil {
		return nil, err
	}

	if old != nil {
		if _, err := m.repo.DeactivateRecordSessions(ctx, old.ID, "pin rotated", time.Now().UTC()); err != nil {
			return nil, err
		}
	}

	m.logger.Info("pin rotated", "user_id", userID, "pin_type", pinType)
	return rec, nil
}

// ValidatePIN checks a PIN and, on success, creates a session governed
// by the per-type policy.
//
// The lockout window is consulted before the stored hash: while locked
// out the PIN is not checked at all and the denial carries the remaining
// lockout time. Every hash comparison is recorded as a PINAttempt.
// A non-nil error means persistence failed; callers must deny.
func (m *Manager) ValidatePIN(ctx context.Context, userID, pin string, pinType PINType, meta AttemptMeta) (Decision, error) {
	if userID == "" || !IsValidType(pinType) {
		return deny(ReasonInvalidCredentials), nil
	}

	mu := m.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	now := time.Now().UTC()
	windowStart := now.Add(-m.cfg.LockoutWindow)

	// Rate limiting is advisory: a broken audit collaborator must never
	// block the safety path, so only an explicit "no" denies.
	if m.audit != nil {
		allowed, err := m.audit.CheckRateLimit(ctx, userID, "pin_validation", false, meta.SourceIP)
		if err != nil {
			m.logger.Warn("rate limit check unavailable", "user_id", userID, "error", err)
		} else if !allowed {
			m.securityEvent(ctx, "pin_rate_limited", "warning", userID, meta.SourceIP, nil)
			return deny(ReasonRateLimited), nil
		}
	}

	failures, err := m.repo.CountFailuresSince(ctx, userID, pinType, windowStart)
	if err != nil {
		return deny(ReasonSessionInvalid), err
	}
	if failures >= m.cfg.LockoutAfterFailures {
		retryAfter := m.lockoutRemaining(ctx, userID, pinType, windowStart, now)
		m.securityEvent(ctx, "pin_lockout_denial", "warning", userID, meta.SourceIP, map[string]any{
			"pin_type":    string(pinType),
			"retry_after": retryAfter.String(),
		})
		m.logger.Warn("pin validation denied: locked out",
			"user_id", userID, "pin_type", pinType, "retry_after", retryAfter)
		return Decision{Reason: ReasonLockedOut, RetryAfter: retryAfter}, nil
	}

	rec, err := m.repo.GetActiveRecord(ctx, userID, pinType)
	if err != nil {
		if err == ErrRecordNotFound {
			if aerr := m.recordAttempt(ctx, userID, pinType, false, "no active pin", meta, now); aerr != nil {
				return deny(ReasonSessionInvalid), aerr
			}
			return deny(ReasonInvalidCredentials), nil
		}
		return deny(ReasonSessionInvalid), err
	}

	match, err := VerifyPIN(pin, rec.PINHash)
	if err != nil {
		// A corrupt stored hash is an infrastructure problem, not a
		// wrong PIN; deny without feeding the lockout window.
		return deny(ReasonSessionInvalid), fmt.Errorf("verifying pin: %w", err)
	}

	if !match {
		if aerr := m.recordAttempt(ctx, userID, pinType, false, "pin mismatch", meta, now); aerr != nil {
			return deny(ReasonSessionInvalid), aerr
		}
		if failures+1 >= m.cfg.LockoutAfterFailures {
			m.securityEvent(ctx, "pin_lockout_triggered", "warning", userID, meta.SourceIP, map[string]any{
				"pin_type": string(pinType),
				"failures": failures + 1,
			})
		}
		m.logger.Warn("pin validation failed", "user_id", userID, "pin_type", pinType)
		return deny(ReasonInvalidCredentials), nil
	}

	if rec.MaxUses > 0 && rec.UseCount >= rec.MaxUses {
		if aerr := m.recordAttempt(ctx, userID, pinType, false, "pin exhausted", meta, now); aerr != nil {
			return deny(ReasonSessionInvalid), aerr
		}
		return deny(ReasonPINExhausted), nil
	}

	if err := m.recordAttempt(ctx, userID, pinType, true, "", meta, now); err != nil {
		return deny(ReasonSessionInvalid), err
	}

	sess, err := m.createSession(ctx, rec, now)
	if err != nil {
		return deny(ReasonSessionInvalid), err
	}

	if err := m.repo.TouchRecordUse(ctx, rec.ID, now); err != nil {
		return deny(ReasonSessionInvalid), err
	}

	m.logger.Info("pin validated",
		"user_id", userID, "pin_type", pinType, "session_id", sess.ID)
	return allowSession(sess.ID), nil
}

// lockoutRemaining computes how long until enough failures age out of
// the window for the count to drop below the threshold.
func (m *Manager) lockoutRemaining(ctx context.Context, userID string, pinType PINType, windowStart, now time.Time) time.Duration {
	// The lockout clears when the threshold-th most recent failure
	// leaves the window.
	nth, err := m.repo.NthRecentFailureTime(ctx, userID, pinType, windowStart, m.cfg.LockoutAfterFailures)
	if err != nil {
		return m.cfg.LockoutWindow
	}
	remaining := nth.Add(m.cfg.LockoutWindow).Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// recordAttempt appends a PINAttempt row. A write failure propagates so
// validation denies rather than proceeding unrecorded.
func (m *Manager) recordAttempt(ctx context.Context, userID string, pinType PINType, success bool, reason string, meta AttemptMeta, when time.Time) error {
	return m.repo.RecordAttempt(ctx, &PINAttempt{
		UserID:        userID,
		PINType:       pinType,
		Success:       success,
		FailureReason: reason,
		SourceIP:      meta.SourceIP,
		UserAgent:     meta.UserAgent,
		AttemptedAt:   when,
	})
}

// createSession applies admission control and inserts the new session.
// At the concurrent-session cap the user's oldest active session is
// soft-terminated; eviction is not an error.
func (m *Manager) createSession(ctx context.Context, rec *PINRecord, now time.Time) (*PINSession, error) {
	active, err := m.repo.CountActiveSessions(ctx, rec.UserID)
	if err != nil {
		return nil, err
	}
	if active >= m.cfg.MaxConcurrentSessions {
		oldest, err := m.repo.OldestActiveSession(ctx, rec.UserID)
		if err != nil && err != ErrSessionNotFound {
			return nil, err
		}
		if oldest != nil {
			if err := m.repo.DeactivateSession(ctx, oldest.ID, "evicted: concurrent session limit", now); err != nil {
				return nil, err
			}
			m.logger.Info("evicted oldest session",
				"user_id", rec.UserID, "session_id", oldest.ID)
		}
	}

	pol := m.policy(rec.PINType)
	sess := &PINSession{
		PINRecordID:        rec.ID,
		UserID:             rec.UserID,
		MaxDurationMinutes: int(pol.SessionTTL.Minutes()),
		MaxOperations:      pol.MaxOperations,
		CreatedAt:          now,
		ExpiresAt:          now.Add(pol.SessionTTL),
	}
	if err := m.repo.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// AuthorizeOperation checks a session and spends one operation from its
// budget.
//
// Missing, inactive, expired, exhausted and user-mismatched sessions all
// produce the same opaque denial. Expired sessions are lazily marked
// inactive here. A session with max_operations = 1 is terminated
// immediately after its single grant, so a retried call legitimately
// reports "not authorized" the second time.
//
// The spend is a guarded update keyed on the count this call read, so
// concurrent callers cannot over-consume a budget: a losing caller
// re-reads the session and is denied once it is exhausted.
func (m *Manager) AuthorizeOperation(ctx context.Context, sessionID, operation, userID string) (Decision, error) {
	for {
		sess, err := m.repo.GetSession(ctx, sessionID)
		if err != nil {
			if err == ErrSessionNotFound {
				m.logger.Warn("authorization denied: unknown session", "operation", operation)
				return deny(ReasonSessionInvalid), nil
			}
			return deny(ReasonSessionInvalid), err
		}

		now := time.Now().UTC()

		if !sess.IsActive {
			return deny(ReasonSessionInvalid), nil
		}

		if sess.Expired(now) {
			if err := m.repo.DeactivateSession(ctx, sess.ID, "expired", now); err != nil {
				return deny(ReasonSessionInvalid), err
			}
			m.logger.Debug("session expired lazily", "session_id", sess.ID)
			return deny(ReasonSessionInvalid), nil
		}

		if userID != "" && sess.UserID != userID {
			m.securityEvent(ctx, "session_user_mismatch", "warning", userID, "", map[string]any{
				"operation": operation,
			})
			return deny(ReasonSessionInvalid), nil
		}

		if sess.Exhausted() {
			if err := m.repo.DeactivateSession(ctx, sess.ID, "operations exhausted", now); err != nil {
				return deny(ReasonSessionInvalid), err
			}
			return deny(ReasonSessionInvalid), nil
		}

		count := sess.OperationCount + 1
		singleUse := sess.MaxOperations == 1
		spent, err := m.repo.UpdateSessionUse(ctx, sess.ID, count, sess.OperationCount, singleUse, "single use consumed", now)
		if err != nil {
			return deny(ReasonSessionInvalid), err
		}
		if !spent {
			// Another caller advanced the count first; re-check the budget.
			m.logger.Debug("session spend contended", "session_id", sess.ID, "operation", operation)
			continue
		}

		m.logger.Info("operation authorized",
			"session_id", sess.ID, "operation", operation,
			"operation_count", count, "user_id", sess.UserID)
		return allow(), nil
	}
}

// RevokeSession soft-terminates one session.
func (m *Manager) RevokeSession(ctx context.Context, sessionID, reason string) error {
	if reason == "" {
		reason = "revoked"
	}
	if err := m.repo.DeactivateSession(ctx, sessionID, reason, time.Now().UTC()); err != nil {
		return err
	}
	m.logger.Info("session revoked", "session_id", sessionID, "reason", reason)
	return nil
}

// RevokeAllUserSessions soft-terminates every active session for a user.
func (m *Manager) RevokeAllUserSessions(ctx context.Context, userID, reason string) (int64, error) {
	if reason == "" {
		reason = "revoked"
	}
	n, err := m.repo.DeactivateUserSessions(ctx, userID, reason, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Info("user sessions revoked", "user_id", userID, "count", n, "reason", reason)
	}
	return n, nil
}

// SweepExpiredSessions deactivates all sessions past their TTL. Called
// once per health-loop period, bounding lazy-expiry staleness to that
// period.
func (m *Manager) SweepExpiredSessions(ctx context.Context) (int64, error) {
	n, err := m.repo.SweepExpiredSessions(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Debug("expired sessions swept", "count", n)
	}
	return n, nil
}

// GetUserStatus reports a user's PIN configuration, lockout state and
// active session count.
func (m *Manager) GetUserStatus(ctx context.Context, userID string) (*UserStatus, error) {
	if userID == "" {
		return nil, ErrInvalidUserID
	}

	now := time.Now().UTC()
	windowStart := now.Add(-m.cfg.LockoutWindow)

	status := &UserStatus{
		UserID: userID,
		Types:  make(map[PINType]*TypeStatus, len(ValidTypes)),
	}

	for _, t := range ValidTypes {
		ts := &TypeStatus{}

		rec, err := m.repo.GetActiveRecord(ctx, userID, t)
		switch {
		case err == ErrRecordNotFound:
			// Not configured.
		case err != nil:
			return nil, err
		default:
			ts.Configured = true
			ts.UseCount = rec.UseCount
			ts.LastUsedAt = rec.LastUsedAt
		}

		failures, err := m.repo.CountFailuresSince(ctx, userID, t, windowStart)
		if err != nil {
			return nil, err
		}
		if failures >= m.cfg.LockoutAfterFailures {
			ts.LockedOut = true
			ts.RetryAfter = m.lockoutRemaining(ctx, userID, t, windowStart, now)
		}

		status.Types[t] = ts
	}

	active, err := m.repo.CountActiveSessions(ctx, userID)
	if err != nil {
		return nil, err
	}
	status.ActiveSessions = active

	return status, nil
}

// GetSystemStatus reports manager-wide counters for operators.
func (m *Manager) GetSystemStatus(ctx context.Context) (*SystemStatus, error) {
	now := time.Now().UTC()
	windowStart := now.Add(-m.cfg.LockoutWindow)

	records, err := m.repo.CountAllActiveRecords(ctx)
	if err != nil {
		return nil, err
	}
	sessions, err := m.repo.CountAllActiveSessions(ctx)
	if err != nil {
		return nil, err
	}
	failures, err := m.repo.CountAttemptsSince(ctx, windowStart, false)
	if err != nil {
		return nil, err
	}
	successes, err := m.repo.CountAttemptsSince(ctx, windowStart, true)
	if err != nil {
		return nil, err
	}

	return &SystemStatus{
		ActiveRecords:   records,
		ActiveSessions:  sessions,
		RecentFailures:  failures,
		RecentSuccesses: successes,
	}, nil
}

// securityEvent forwards an event to the audit collaborator, best effort.
func (m *Manager) securityEvent(ctx context.Context, eventType, severity, userID, sourceIP string, details map[string]any) {
	if m.audit == nil {
		return
	}
	m.audit.LogSecurityEvent(ctx, eventType, severity, userID, sourceIP, details)
}
