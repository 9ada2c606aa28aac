package pin

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func mustSetPIN(t *testing.T, m *Manager, userID string, pinType PINType, pin string) {
	t.Helper()
	if _, err := m.SetPIN(context.Background(), userID, pinType, pin, ""); err != nil {
		t.Fatalf("SetPIN() error = %v", err)
	}
}

func TestSetPIN_FormatPolicy(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		pin     string
		wantErr error
	}{
		{"valid 4 digits", "1234", nil},
		{"valid 8 digits", "12345678", nil},
		{"too short", "123", ErrInvalidPINFormat},
		{"too long", "123456789", ErrInvalidPINFormat},
		{"letters", "12ab", ErrInvalidPINFormat},
		{"spaces", "12 4", ErrInvalidPINFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.SetPIN(ctx, "u1", TypeEmergency, tt.pin, "")
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("SetPIN(%q) error = %v", tt.pin, err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("SetPIN(%q) error = %v, want %v", tt.pin, err, tt.wantErr)
			}
		})
	}
}

func TestSetPIN_InvalidType(t *testing.T) {
	m, _ := testManager(t)
	if _, err := m.SetPIN(context.Background(), "u1", PINType("banana"), "1234", ""); !errors.Is(err, ErrInvalidPINType) {
		t.Errorf("error = %v, want ErrInvalidPINType", err)
	}
}

func TestValidatePIN_SuccessCreatesSingleUseEmergencySession(t *testing.T) {
	m, repo := testManager(t)
	ctx := context.Background()
	mustSetPIN(t, m, "u1", TypeEmergency, "1234")

	dec, err := m.ValidatePIN(ctx, "u1", "1234", TypeEmergency, AttemptMeta{})
	if err != nil {
		t.Fatalf("ValidatePIN() error = %v", err)
	}
	if !dec.Allowed || dec.SessionID == "" {
		t.Fatalf("Decision = %+v, want allowed with session", dec)
	}

	sess, err := repo.GetSession(ctx, dec.SessionID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if sess.MaxOperations != 1 {
		t.Errorf("MaxOperations = %d, want 1 (emergency policy)", sess.MaxOperations)
	}

	rec, err := repo.GetActiveRecord(ctx, "u1", TypeEmergency)
	if err != nil {
		t.Fatalf("GetActiveRecord() error = %v", err)
	}
	if rec.UseCount != 1 {
		t.Errorf("UseCount = %d, want 1", rec.UseCount)
	}
	if rec.LastUsedAt == nil {
		t.Error("LastUsedAt should be stamped after successful validation")
	}
}

func TestValidatePIN_WrongPINDenied(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()
	mustSetPIN(t, m, "u1", TypeEmergency, "1234")

	dec, err := m.ValidatePIN(ctx, "u1", "9999", TypeEmergency, AttemptMeta{})
	if err != nil {
		t.Fatalf("ValidatePIN() error = %v", err)
	}
	if dec.Allowed {
		t.Fatal("wrong PIN should be denied")
	}
	if dec.Reason != ReasonInvalidCredentials {
		t.Errorf("Reason = %q, want %q", dec.Reason, ReasonInvalidCredentials)
	}
}

func TestValidatePIN_NoRecord(t *testing.T) {
	m, _ := testManager(t)

	dec, err := m.ValidatePIN(context.Background(), "ghost", "1234", TypeEmergency, AttemptMeta{})
	if err != nil {
		t.Fatalf("ValidatePIN() error = %v", err)
	}
	if dec.Allowed || dec.Reason != ReasonInvalidCredentials {
		t.Errorf("Decision = %+v, want invalid-credentials denial", dec)
	}
}

// Spec scenario: three wrong attempts lock the user out; the correct PIN
// is still denied while locked out; after the window elapses the correct
// PIN succeeds with a single-use session.
func TestValidatePIN_LockoutLifecycle(t *testing.T) {
	m, repo := testManager(t)
	ctx := context.Background()
	mustSetPIN(t, m, "U", TypeEmergency, "1234")

	for i := 0; i < 3; i++ {
		dec, err := m.ValidatePIN(ctx, "U", "9999", TypeEmergency, AttemptMeta{})
		if err != nil {
			t.Fatalf("ValidatePIN() attempt %d error = %v", i, err)
		}
		if dec.Allowed {
			t.Fatalf("attempt %d should be denied", i)
		}
	}

	// Fourth call with the CORRECT pin is still locked out.
	dec, err := m.ValidatePIN(ctx, "U", "1234", TypeEmergency, AttemptMeta{})
	if err != nil {
		t.Fatalf("ValidatePIN() error = %v", err)
	}
	if dec.Allowed {
		t.Fatal("correct PIN during lockout should be denied")
	}
	if dec.Reason != ReasonLockedOut {
		t.Errorf("Reason = %q, want %q", dec.Reason, ReasonLockedOut)
	}
	if dec.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want > 0", dec.RetryAfter)
	}

	// Age the failures out of the window by backdating them.
	stale := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	if _, err := repo.db.Exec(
		"UPDATE pin_attempts SET attempted_at = ? WHERE success = 0", stale); err != nil {
		t.Fatalf("backdating attempts: %v", err)
	}

	dec, err = m.ValidatePIN(ctx, "U", "1234", TypeEmergency, AttemptMeta{})
	if err != nil {
		t.Fatalf("ValidatePIN() after window error = %v", err)
	}
	if !dec.Allowed || dec.SessionID == "" {
		t.Fatalf("Decision = %+v, want session grant after lockout window", dec)
	}

	sess, err := repo.GetSession(ctx, dec.SessionID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if sess.MaxOperations != 1 {
		t.Errorf("MaxOperations = %d, want 1 (single-use)", sess.MaxOperations)
	}
}

func TestValidatePIN_SuccessDoesNotEraseWindowFailures(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()
	mustSetPIN(t, m, "u1", TypeOverride, "5678")

	// Two failures, then a success, then one more failure: the success
	// must not reset the count, so the third failure locks out.
	for i := 0; i < 2; i++ {
		if _, err := m.ValidatePIN(ctx, "u1", "0000", TypeOverride, AttemptMeta{}); err != nil {
			t.Fatalf("ValidatePIN() error = %v", err)
		}
	}
	if dec, err := m.ValidatePIN(ctx, "u1", "5678", TypeOverride, AttemptMeta{}); err != nil || !dec.Allowed {
		t.Fatalf("interleaved success = (%+v, %v), want allowed", dec, err)
	}
	if _, err := m.ValidatePIN(ctx, "u1", "0000", TypeOverride, AttemptMeta{}); err != nil {
		t.Fatalf("ValidatePIN() error = %v", err)
	}

	dec, err := m.ValidatePIN(ctx, "u1", "5678", TypeOverride, AttemptMeta{})
	if err != nil {
		t.Fatalf("ValidatePIN() error = %v", err)
	}
	if dec.Reason != ReasonLockedOut {
		t.Errorf("Reason = %q, want %q (3 failures in window)", dec.Reason, ReasonLockedOut)
	}
}

func TestValidatePIN_ConcurrentSessionEviction(t *testing.T) {
	m, repo := testManager(t)
	ctx := context.Background()
	mustSetPIN(t, m, "u1", TypeMaintenance, "2468")

	var sessions []string
	for i := 0; i < 5; i++ {
		dec, err := m.ValidatePIN(ctx, "u1", "2468", TypeMaintenance, AttemptMeta{})
		if err != nil {
			t.Fatalf("ValidatePIN() %d error = %v", i, err)
		}
		if !dec.Allowed {
			t.Fatalf("ValidatePIN() %d denied: %+v", i, dec)
		}
		sessions = append(sessions, dec.SessionID)
	}

	count, err := repo.CountActiveSessions(ctx, "u1")
	if err != nil {
		t.Fatalf("CountActiveSessions() error = %v", err)
	}
	if count != 3 {
		t.Errorf("active sessions = %d, want 3 (cap)", count)
	}

	// The two oldest must have been evicted.
	for _, id := range sessions[:2] {
		sess, err := repo.GetSession(ctx, id)
		if err != nil {
			t.Fatalf("GetSession() error = %v", err)
		}
		if sess.IsActive {
			t.Errorf("session %s should have been evicted", id)
		}
	}
}

func TestValidatePIN_ConcurrentCallsRespectCap(t *testing.T) {
	m, repo := testManager(t)
	ctx := context.Background()
	mustSetPIN(t, m, "u1", TypeMaintenance, "2468")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			//nolint:errcheck // failures surface via the count below
			m.ValidatePIN(ctx, "u1", "2468", TypeMaintenance, AttemptMeta{})
		}()
	}
	wg.Wait()

	count, err := repo.CountActiveSessions(ctx, "u1")
	if err != nil {
		t.Fatalf("CountActiveSessions() error = %v", err)
	}
	if count > 3 {
		t.Errorf("active sessions = %d, want <= 3 under concurrency", count)
	}
}

func TestAuthorizeOperation_SingleUse(t *testing.T) {
	m, repo := testManager(t)
	ctx := context.Background()
	mustSetPIN(t, m, "u1", TypeEmergency, "1234")

	dec, err := m.ValidatePIN(ctx, "u1", "1234", TypeEmergency, AttemptMeta{})
	if err != nil || !dec.Allowed {
		t.Fatalf("ValidatePIN() = (%+v, %v)", dec, err)
	}

	first, err := m.AuthorizeOperation(ctx, dec.SessionID, "emergency_stop", "u1")
	if err != nil {
		t.Fatalf("AuthorizeOperation() error = %v", err)
	}
	if !first.Allowed {
		t.Fatalf("first authorization denied: %+v", first)
	}

	second, err := m.AuthorizeOperation(ctx, dec.SessionID, "emergency_stop", "u1")
	if err != nil {
		t.Fatalf("AuthorizeOperation() second error = %v", err)
	}
	if second.Allowed {
		t.Fatal("second use of a single-use session should be denied")
	}
	if second.Reason != ReasonSessionInvalid {
		t.Errorf("Reason = %q, want opaque %q", second.Reason, ReasonSessionInvalid)
	}

	sess, err := repo.GetSession(ctx, dec.SessionID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if sess.IsActive {
		t.Error("single-use session should be inactive after its one grant")
	}
	if sess.OperationCount != 1 {
		t.Errorf("OperationCount = %d, want 1", sess.OperationCount)
	}
}

func TestAuthorizeOperation_SingleUseConcurrent(t *testing.T) {
	m, repo := testManager(t)
	ctx := context.Background()
	mustSetPIN(t, m, "u1", TypeEmergency, "1234")

	dec, err := m.ValidatePIN(ctx, "u1", "1234", TypeEmergency, AttemptMeta{})
	if err != nil || !dec.Allowed {
		t.Fatalf("ValidatePIN() = (%+v, %v)", dec, err)
	}

	const callers = 16
	results := make(chan Decision, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := m.AuthorizeOperation(ctx, dec.SessionID, "emergency_stop", "u1")
			if err != nil {
				t.Errorf("AuthorizeOperation() error = %v", err)
				return
			}
			results <- got
		}()
	}
	wg.Wait()
	close(results)

	granted := 0
	for got := range results {
		if got.Allowed {
			granted++
		} else if got.Reason != ReasonSessionInvalid {
			t.Errorf("denial Reason = %q, want opaque %q", got.Reason, ReasonSessionInvalid)
		}
	}
	if granted != 1 {
		t.Fatalf("granted = %d, want exactly 1 for a single-use session", granted)
	}

	sess, err := repo.GetSession(ctx, dec.SessionID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if sess.IsActive {
		t.Error("single-use session should be inactive after its one grant")
	}
	if sess.OperationCount != 1 {
		t.Errorf("OperationCount = %d, want 1", sess.OperationCount)
	}
}

func TestAuthorizeOperation_OpaqueDenials(t *testing.T) {
	m, repo := testManager(t)
	ctx := context.Background()
	mustSetPIN(t, m, "u1", TypeOverride, "1234")

	dec, err := m.ValidatePIN(ctx, "u1", "1234", TypeOverride, AttemptMeta{})
	if err != nil || !dec.Allowed {
		t.Fatalf("ValidatePIN() = (%+v, %v)", dec, err)
	}

	tests := []struct {
		name    string
		session string
		userID  string
		prepare func(t *testing.T)
	}{
		{"unknown session", "ps-does-not-exist", "u1", nil},
		{"user mismatch", dec.SessionID, "intruder", nil},
		{
			"expired session", dec.SessionID, "u1",
			func(t *testing.T) {
				past := time.Now().UTC().Add(-time.Minute).Format(time.RFC3339)
				if _, err := repo.db.Exec(
					"UPDATE pin_sessions SET expires_at = ? WHERE id = ?", past, dec.SessionID); err != nil {
					t.Fatalf("expiring session: %v", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.prepare != nil {
				tt.prepare(t)
			}
			got, err := m.AuthorizeOperation(ctx, tt.session, "interlock_override", tt.userID)
			if err != nil {
				t.Fatalf("AuthorizeOperation() error = %v", err)
			}
			if got.Allowed {
				t.Fatal("should be denied")
			}
			if got.Reason != ReasonSessionInvalid {
				t.Errorf("Reason = %q, want opaque %q", got.Reason, ReasonSessionInvalid)
			}
		})
	}
}

func TestAuthorizeOperation_LazyExpiryDeactivates(t *testing.T) {
	m, repo := testManager(t)
	ctx := context.Background()
	mustSetPIN(t, m, "u1", TypeOverride, "1234")

	dec, err := m.ValidatePIN(ctx, "u1", "1234", TypeOverride, AttemptMeta{})
	if err != nil || !dec.Allowed {
		t.Fatalf("ValidatePIN() = (%+v, %v)", dec, err)
	}

	past := time.Now().UTC().Add(-time.Minute).Format(time.RFC3339)
	if _, err := repo.db.Exec(
		"UPDATE pin_sessions SET expires_at = ? WHERE id = ?", past, dec.SessionID); err != nil {
		t.Fatalf("expiring session: %v", err)
	}

	if got, err := m.AuthorizeOperation(ctx, dec.SessionID, "x", "u1"); err != nil || got.Allowed {
		t.Fatalf("AuthorizeOperation() = (%+v, %v), want denial", got, err)
	}

	sess, err := repo.GetSession(ctx, dec.SessionID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if sess.IsActive {
		t.Error("expired session should be lazily deactivated")
	}
}

func TestAuthorizeOperation_BudgetExhaustion(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()
	mustSetPIN(t, m, "u1", TypeOverride, "1234")

	dec, err := m.ValidatePIN(ctx, "u1", "1234", TypeOverride, AttemptMeta{})
	if err != nil || !dec.Allowed {
		t.Fatalf("ValidatePIN() = (%+v, %v)", dec, err)
	}

	// Override policy allows 5 operations.
	for i := 0; i < 5; i++ {
		got, err := m.AuthorizeOperation(ctx, dec.SessionID, "interlock_override", "u1")
		if err != nil {
			t.Fatalf("AuthorizeOperation() %d error = %v", i, err)
		}
		if !got.Allowed {
			t.Fatalf("operation %d should be allowed", i)
		}
	}

	got, err := m.AuthorizeOperation(ctx, dec.SessionID, "interlock_override", "u1")
	if err != nil {
		t.Fatalf("AuthorizeOperation() error = %v", err)
	}
	if got.Allowed {
		t.Fatal("sixth operation should exhaust the budget")
	}
}

func TestRevokeSessionAndRevokeAll(t *testing.T) {
	m, repo := testManager(t)
	ctx := context.Background()
	mustSetPIN(t, m, "u1", TypeMaintenance, "1234")

	var ids []string
	for i := 0; i < 2; i++ {
		dec, err := m.ValidatePIN(ctx, "u1", "1234", TypeMaintenance, AttemptMeta{})
		if err != nil || !dec.Allowed {
			t.Fatalf("ValidatePIN() = (%+v, %v)", dec, err)
		}
		ids = append(ids, dec.SessionID)
	}

	if err := m.RevokeSession(ctx, ids[0], "operator request"); err != nil {
		t.Fatalf("RevokeSession() error = %v", err)
	}
	sess, err := repo.GetSession(ctx, ids[0])
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if sess.IsActive {
		t.Error("revoked session should be inactive")
	}

	n, err := m.RevokeAllUserSessions(ctx, "u1", "")
	if err != nil {
		t.Fatalf("RevokeAllUserSessions() error = %v", err)
	}
	if n != 1 {
		t.Errorf("revoked = %d, want 1 remaining session", n)
	}
}

func TestRotatePIN_RevokesOldSessions(t *testing.T) {
	m, repo := testManager(t)
	ctx := context.Background()
	mustSetPIN(t, m, "u1", TypeMaintenance, "1234")

	dec, err := m.ValidatePIN(ctx, "u1", "1234", TypeMaintenance, AttemptMeta{})
	if err != nil || !dec.Allowed {
		t.Fatalf("ValidatePIN() = (%+v, %v)", dec, err)
	}

	if _, err := m.RotatePIN(ctx, "u1", TypeMaintenance, "9876", "rotated"); err != nil {
		t.Fatalf("RotatePIN() error = %v", err)
	}

	sess, err := repo.GetSession(ctx, dec.SessionID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if sess.IsActive {
		t.Error("sessions from the old record should be revoked by rotation")
	}

	// Old PIN no longer validates; new one does.
	if got, err := m.ValidatePIN(ctx, "u1", "1234", TypeMaintenance, AttemptMeta{}); err != nil || got.Allowed {
		t.Errorf("old PIN after rotation = (%+v, %v), want denial", got, err)
	}
	if got, err := m.ValidatePIN(ctx, "u1", "9876", TypeMaintenance, AttemptMeta{}); err != nil || !got.Allowed {
		t.Errorf("new PIN after rotation = (%+v, %v), want grant", got, err)
	}
}

func TestGetUserStatus(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()
	mustSetPIN(t, m, "u1", TypeEmergency, "1234")

	if dec, err := m.ValidatePIN(ctx, "u1", "1234", TypeEmergency, AttemptMeta{}); err != nil || !dec.Allowed {
		t.Fatalf("ValidatePIN() = (%+v, %v)", dec, err)
	}

	status, err := m.GetUserStatus(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUserStatus() error = %v", err)
	}

	if !status.Types[TypeEmergency].Configured {
		t.Error("emergency type should be configured")
	}
	if status.Types[TypeOverride].Configured {
		t.Error("override type should not be configured")
	}
	if status.Types[TypeEmergency].UseCount != 1 {
		t.Errorf("UseCount = %d, want 1", status.Types[TypeEmergency].UseCount)
	}
	if status.ActiveSessions != 1 {
		t.Errorf("ActiveSessions = %d, want 1", status.ActiveSessions)
	}
}

func TestGetSystemStatus(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()
	mustSetPIN(t, m, "u1", TypeEmergency, "1234")
	mustSetPIN(t, m, "u2", TypeMaintenance, "5678")

	if _, err := m.ValidatePIN(ctx, "u1", "0000", TypeEmergency, AttemptMeta{}); err != nil {
		t.Fatalf("ValidatePIN() error = %v", err)
	}
	if dec, err := m.ValidatePIN(ctx, "u2", "5678", TypeMaintenance, AttemptMeta{}); err != nil || !dec.Allowed {
		t.Fatalf("ValidatePIN() = (%+v, %v)", dec, err)
	}

	status, err := m.GetSystemStatus(ctx)
	if err != nil {
		t.Fatalf("GetSystemStatus() error = %v", err)
	}
	if status.ActiveRecords != 2 {
		t.Errorf("ActiveRecords = %d, want 2", status.ActiveRecords)
	}
	if status.ActiveSessions != 1 {
		t.Errorf("ActiveSessions = %d, want 1", status.ActiveSessions)
	}
	if status.RecentFailures != 1 {
		t.Errorf("RecentFailures = %d, want 1", status.RecentFailures)
	}
	if status.RecentSuccesses != 1 {
		t.Errorf("RecentSuccesses = %d, want 1", status.RecentSuccesses)
	}
}

// rateLimitStub implements SecurityLogger for testing rate-limit denial.
type rateLimitStub struct {
	allow  bool
	err    error
	events []string
}

func (s *rateLimitStub) LogSecurityEvent(_ context.Context, eventType, _, _, _ string, _ map[string]any) {
	s.events = append(s.events, eventType)
}

func (s *rateLimitStub) CheckRateLimit(context.Context, string, string, bool, string) (bool, error) {
	return s.allow, s.err
}

func TestValidatePIN_RateLimited(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()
	mustSetPIN(t, m, "u1", TypeEmergency, "1234")

	stub := &rateLimitStub{allow: false}
	m.SetSecurityLogger(stub)

	dec, err := m.ValidatePIN(ctx, "u1", "1234", TypeEmergency, AttemptMeta{})
	if err != nil {
		t.Fatalf("ValidatePIN() error = %v", err)
	}
	if dec.Allowed || dec.Reason != ReasonRateLimited {
		t.Errorf("Decision = %+v, want rate-limited denial", dec)
	}
}

func TestValidatePIN_RateLimitErrorDoesNotBlock(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()
	mustSetPIN(t, m, "u1", TypeEmergency, "1234")

	// An unreachable audit collaborator must not block validation.
	stub := &rateLimitStub{allow: false, err: errors.New("audit service down")}
	m.SetSecurityLogger(stub)

	dec, err := m.ValidatePIN(ctx, "u1", "1234", TypeEmergency, AttemptMeta{})
	if err != nil {
		t.Fatalf("ValidatePIN() error = %v", err)
	}
	if !dec.Allowed {
		t.Errorf("Decision = %+v, want grant despite audit outage", dec)
	}
}
