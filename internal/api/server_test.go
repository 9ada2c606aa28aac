package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/roadhaus/coach-core/internal/feature"
	"github.com/roadhaus/coach-core/internal/infrastructure/config"
	"github.com/roadhaus/coach-core/internal/infrastructure/database"
	"github.com/roadhaus/coach-core/internal/infrastructure/logging"
	"github.com/roadhaus/coach-core/internal/pin"
	"github.com/roadhaus/coach-core/internal/safety"

	_ "github.com/roadhaus/coach-core/migrations"
)

// newTestServer builds a server over a real SQLite database with the
// safety service running. Loop intervals are long enough that no health
// or watchdog tick fires during a test.
func newTestServer(t *testing.T) (*Server, http.Handler) {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "api_test.db"),
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}

	pins := pin.NewManager(pin.Config{
		MinLength:             4,
		MaxLength:             8,
		MaxConcurrentSessions: 3,
		LockoutAfterFailures:  3,
		LockoutWindow:         15 * time.Minute,
		Policies: map[pin.PINType]pin.Policy{
			pin.TypeEmergency:   {SessionTTL: 5 * time.Minute, MaxOperations: 1},
			pin.TypeOverride:    {SessionTTL: 15 * time.Minute, MaxOperations: 5},
			pin.TypeMaintenance: {SessionTTL: time.Hour},
		},
	}, pin.NewSQLiteRepository(db.DB))

	features := feature.NewRegistry()
	features.RegisterDefaults()

	parked := &safety.StaticState{State: safety.SystemState{
		ParkingBrakeSet:    true,
		TransmissionInPark: true,
		JacksDeployed:      true,
		SlidesRetracted:    true,
		UpdatedAt:          time.Now().UTC(),
	}}

	svc := safety.NewService(safety.Config{
		HealthInterval:     time.Hour,
		WatchdogTimeout:    2 * time.Hour,
		ModeSessionTTL:     time.Hour,
		OverrideTTL:        15 * time.Minute,
		ViolationThreshold: 10,
		LegacyResetCode:    "0911",
		AuditBufferSize:    100,
	}, pins, features, parked)

	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)
	t.Cleanup(func() {
		cancel()
		svc.Stop()
	})

	srv, err := New(Deps{
		Config:   config.APIConfig{Host: "127.0.0.1", Port: 8080},
		WS:       config.WebSocketConfig{PingInterval: 30, PongTimeout: 10, MaxMessageSize: 8192},
		Logger:   logging.Default(),
		PINs:     pins,
		Safety:   svc,
		Features: features,
		Version:  "test",
	})
	if err != nil {
		t.Fatalf("creating server: %v", err)
	}

	return srv, srv.buildRouter()
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	return m
}

// setAndValidate provisions a PIN and mints a session, returning the
// session ID.
func setAndValidate(t *testing.T, h http.Handler, userID, pinValue string, pinType pin.PINType) string {
	t.Helper()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/pin", map[string]any{
		"user_id": userID, "pin_type": pinType, "pin": pinValue,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("set pin status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodPost, "/api/v1/pin/validate", map[string]any{
		"user_id": userID, "pin_type": pinType, "pin": pinValue,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("validate status = %d, body %s", rec.Code, rec.Body.String())
	}
	sessionID, _ := decodeBody(t, rec)["session_id"].(string)
	if sessionID == "" {
		t.Fatal("validate response missing session_id")
	}
	return sessionID
}

func TestHealthEndpoint(t *testing.T) {
	_, h := newTestServer(t)

	rec := doJSON(t, h, http.MethodGet, "/api/v1/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "ok" {
		t.Errorf("status field = %v", body["status"])
	}
	if body["emergency_active"] != false {
		t.Errorf("emergency_active = %v, want false", body["emergency_active"])
	}
}

func TestValidatePIN_BadRequests(t *testing.T) {
	_, h := newTestServer(t)

	tests := []struct {
		name string
		body any
	}{
		{"missing fields", map[string]any{"user_id": "owner"}},
		{"bad type", map[string]any{"user_id": "owner", "pin": "1234", "pin_type": "root"}},
		{"not json", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, h, http.MethodPost, "/api/v1/pin/validate", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestValidatePIN_WrongPINThenLockout(t *testing.T) {
	_, h := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/pin", map[string]any{
		"user_id": "owner", "pin_type": "emergency", "pin": "1234",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("set pin status = %d", rec.Code)
	}

	// Three failures cross the lockout threshold.
	for i := 0; i < 3; i++ {
		rec = doJSON(t, h, http.MethodPost, "/api/v1/pin/validate", map[string]any{
			"user_id": "owner", "pin_type": "emergency", "pin": "9999",
		})
		if rec.Code != http.StatusForbidden {
			t.Fatalf("attempt %d status = %d, want 403", i+1, rec.Code)
		}
	}

	// Locked out now, even with the correct PIN.
	rec = doJSON(t, h, http.MethodPost, "/api/v1/pin/validate", map[string]any{
		"user_id": "owner", "pin_type": "emergency", "pin": "1234",
	})
	if rec.Code != http.StatusLocked {
		t.Fatalf("locked-out status = %d, want 423", rec.Code)
	}
	body := decodeBody(t, rec)
	if retry, ok := body["retry_after_seconds"].(float64); !ok || retry <= 0 {
		t.Errorf("retry_after_seconds = %v, want > 0", body["retry_after_seconds"])
	}
}

func TestEmergencyStopAndReset(t *testing.T) {
	_, h := newTestServer(t)
	sessionID := setAndValidate(t, h, "owner", "1234", pin.TypeEmergency)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/safety/emergency-stop", map[string]any{
		"session_id": sessionID, "user_id": "owner", "reason": "smoke in bay",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("emergency stop status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/safety/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("safety status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["emergency_active"] != true {
		t.Error("emergency_active should be true after stop")
	}
	if body["safe_state"] != true {
		t.Error("safe_state should latch after stop")
	}

	// Legacy reset code clears the emergency.
	rec = doJSON(t, h, http.MethodPost, "/api/v1/safety/emergency-reset", map[string]any{
		"code": "0911",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("reset status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/safety/status", nil)
	body = decodeBody(t, rec)
	if body["emergency_active"] != false {
		t.Error("emergency_active should clear after reset")
	}
	if body["safe_state"] != true {
		t.Error("safe_state stays latched after reset")
	}
}

func TestEmergencyStop_SingleUseSession(t *testing.T) {
	_, h := newTestServer(t)
	sessionID := setAndValidate(t, h, "owner", "1234", pin.TypeEmergency)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/safety/emergency-stop", map[string]any{
		"session_id": sessionID, "user_id": "owner",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("first stop status = %d", rec.Code)
	}

	// Emergency sessions are single-operation; reuse is denied.
	rec = doJSON(t, h, http.MethodPost, "/api/v1/safety/emergency-reset", map[string]any{
		"session_id": sessionID, "user_id": "owner",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("session reuse status = %d, want 403", rec.Code)
	}
}

func TestEmergencyReset_NotActive(t *testing.T) {
	_, h := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/safety/emergency-reset", map[string]any{
		"code": "0911",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 when no emergency is active", rec.Code)
	}
}

func TestOverrideInterlock(t *testing.T) {
	_, h := newTestServer(t)
	sessionID := setAndValidate(t, h, "tech", "5678", pin.TypeOverride)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/safety/interlocks/awning_extend/override", map[string]any{
		"session_id": sessionID, "user_id": "tech", "reason": "bench test",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("override status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/safety/status", nil)
	body := decodeBody(t, rec)
	overrides, _ := body["active_overrides"].([]any)
	if len(overrides) != 1 {
		t.Fatalf("active_overrides = %v, want one entry", body["active_overrides"])
	}

	rec = doJSON(t, h, http.MethodDelete, "/api/v1/safety/interlocks/awning_extend/override", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("clear status = %d", rec.Code)
	}
}

func TestOverrideInterlock_UnknownName(t *testing.T) {
	_, h := newTestServer(t)
	sessionID := setAndValidate(t, h, "tech", "5678", pin.TypeOverride)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/safety/interlocks/warp_drive/override", map[string]any{
		"session_id": sessionID, "user_id": "tech", "reason": "test",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestModeLifecycle(t *testing.T) {
	_, h := newTestServer(t)
	sessionID := setAndValidate(t, h, "tech", "2468", pin.TypeMaintenance)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/safety/mode/MAINTENANCE/enter", map[string]any{
		"session_id": sessionID, "user_id": "tech",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("enter status = %d, body %s", rec.Code, rec.Body.String())
	}

	// A second mode while one is active is a conflict.
	rec = doJSON(t, h, http.MethodPost, "/api/v1/safety/mode/DIAGNOSTIC/enter", map[string]any{
		"session_id": sessionID, "user_id": "tech",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("conflicting enter status = %d, want 409", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/v1/safety/mode/MAINTENANCE/exit", map[string]any{
		"session_id": sessionID, "user_id": "tech",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("exit status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestModeTransition_UnknownMode(t *testing.T) {
	_, h := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/safety/mode/TURBO/enter", map[string]any{
		"session_id": "ps-x", "user_id": "tech",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestFeatureEndpoints(t *testing.T) {
	_, h := newTestServer(t)

	rec := doJSON(t, h, http.MethodGet, "/api/v1/features", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if count, _ := body["count"].(float64); count != 6 {
		t.Errorf("count = %v, want 6 default features", body["count"])
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/features/slide_rooms", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/features/hot_tub", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown feature status = %d, want 404", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPut, "/api/v1/features/inverter/state", map[string]any{
		"state": "failed", "reason": "overtemp",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("set state status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodPut, "/api/v1/features/inverter/state", map[string]any{
		"state": "exploded",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid state status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/features/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
}

func TestSafetyAuditEndpoint(t *testing.T) {
	_, h := newTestServer(t)
	sessionID := setAndValidate(t, h, "owner", "1234", pin.TypeEmergency)

	doJSON(t, h, http.MethodPost, "/api/v1/safety/emergency-stop", map[string]any{
		"session_id": sessionID, "user_id": "owner",
	})

	rec := doJSON(t, h, http.MethodGet, "/api/v1/safety/audit", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("audit status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if count, _ := body["count"].(float64); count == 0 {
		t.Error("audit ring should record the emergency stop")
	}
}

func TestUserPINStatus(t *testing.T) {
	_, h := newTestServer(t)
	setAndValidate(t, h, "owner", "1234", pin.TypeEmergency)

	rec := doJSON(t, h, http.MethodGet, "/api/v1/pin/users/owner/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if sessions, _ := body["active_sessions"].(float64); sessions != 1 {
		t.Errorf("active_sessions = %v, want 1", body["active_sessions"])
	}
}

func TestRevokeSession(t *testing.T) {
	_, h := newTestServer(t)
	sessionID := setAndValidate(t, h, "owner", "1234", pin.TypeEmergency)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/pin/revoke", map[string]any{
		"session_id": sessionID,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke status = %d", rec.Code)
	}

	// Revoked session can no longer authorize anything.
	rec = doJSON(t, h, http.MethodPost, "/api/v1/safety/emergency-stop", map[string]any{
		"session_id": sessionID, "user_id": "owner",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("revoked session status = %d, want 403", rec.Code)
	}
}
