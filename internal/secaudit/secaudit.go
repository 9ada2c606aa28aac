// Package secaudit persists security events and answers rate-limit checks.
//
// Writes are best-effort by contract: callers on safety paths never block
// on this service, so LogSecurityEvent swallows persistence errors after
// logging them. Rate-limit checks do return errors; the caller decides
// whether a broken limiter blocks (it does not, for PIN validation).
package secaudit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Logger defines the logging interface used by the service.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Event is one security-relevant occurrence.
type Event struct {
	ID               string         `json:"id"`
	EventType        string         `json:"event_type"`
	Severity         string         `json:"severity"`
	UserID           string         `json:"user_id,omitempty"`
	SourceIP         string         `json:"source_ip,omitempty"`
	Details          map[string]any `json:"details,omitempty"`
	EmergencyContext bool           `json:"emergency_context"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Config holds rate-limit policy.
type Config struct {
	// Window is the sliding window rate limits are counted over.
	Window time.Duration

	// MaxHits is the per-identifier hit budget inside the window.
	MaxHits int

	// AdminMultiplier relaxes the budget for admin identities.
	AdminMultiplier int
}

// Service is the SQLite-backed security audit trail.
type Service struct {
	db     *sql.DB
	cfg    Config
	logger Logger
}

// NewService creates the audit service over an open database.
func NewService(db *sql.DB, cfg Config) *Service {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.MaxHits <= 0 {
		cfg.MaxHits = 30
	}
	if cfg.AdminMultiplier <= 0 {
		cfg.AdminMultiplier = 3
	}
	return &Service{db: db, cfg: cfg, logger: noopLogger{}}
}

// SetLogger sets the logger for the service.
func (s *Service) SetLogger(logger Logger) { s.logger = logger }

// LogSecurityEvent appends an event to the trail. Best-effort: a
// persistence failure is logged, never returned, so audit outages cannot
// block a safety operation.
func (s *Service) LogSecurityEvent(ctx context.Context, eventType, severity, userID, sourceIP string, details map[string]any) {
	s.logEvent(ctx, Event{
		EventType: eventType,
		Severity:  severity,
		UserID:    userID,
		SourceIP:  sourceIP,
		Details:   details,
	})
}

// LogEmergencyEvent appends an event flagged as occurring during an
// emergency, for forensic filtering.
func (s *Service) LogEmergencyEvent(ctx context.Context, eventType, severity, userID string, details map[string]any) {
	s.logEvent(ctx, Event{
		EventType:        eventType,
		Severity:         severity,
		UserID:           userID,
		Details:          details,
		EmergencyContext: true,
	})
}

func (s *Service) logEvent(ctx context.Context, e Event) {
	e.ID = "se-" + uuid.New().String()
	e.CreatedAt = time.Now().UTC()

	var detailsJSON any
	if len(e.Details) > 0 {
		b, err := json.Marshal(e.Details)
		if err != nil {
			s.logger.Error("marshaling event details", "event_type", e.EventType, "error", err)
		} else {
			detailsJSON = string(b)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO security_events
			(id, event_type, severity, user_id, source_ip, details, emergency_context, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.EventType, e.Severity,
		nullable(e.UserID), nullable(e.SourceIP), detailsJSON,
		boolToInt(e.EmergencyContext), e.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		s.logger.Error("writing security event", "event_type", e.EventType, "error", err)
		return
	}
	s.logger.Debug("security event recorded", "event_type", e.EventType, "severity", e.Severity)
}

// CheckRateLimit records one hit for the identifier and reports whether it
// is still within budget. The sliding window counts recorded hits, so a
// denied caller keeps consuming budget.
func (s *Service) CheckRateLimit(ctx context.Context, identifier, category string, isAdmin bool, sourceIP string) (bool, error) {
	now := time.Now().UTC()
	windowStart := now.Add(-s.cfg.Window)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_limit_hits (id, identifier, category, source_ip, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		"rl-"+uuid.New().String(), identifier, category, nullable(sourceIP),
		now.Format(time.RFC3339),
	)
	if err != nil {
		return false, fmt.Errorf("recording rate limit hit: %w", err)
	}

	var count int
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM rate_limit_hits
		WHERE identifier = ? AND category = ? AND created_at > ?`,
		identifier, category, windowStart.Format(time.RFC3339),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("counting rate limit hits: %w", err)
	}

	limit := s.cfg.MaxHits
	if isAdmin {
		limit *= s.cfg.AdminMultiplier
	}
	if count > limit {
		s.logger.Warn("rate limit exceeded",
			"identifier", identifier, "category", category, "count", count, "limit", limit)
		return false, nil
	}
	return true, nil
}

// RecentEvents returns up to limit events, newest first. Used by the
// status API.
func (s *Service) RecentEvents(ctx context.Context, limit int) ([]*Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, severity, user_id, source_ip, details, emergency_context, created_at
		FROM security_events
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying security events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var (
			e          Event
			userID     sql.NullString
			sourceIP   sql.NullString
			details    sql.NullString
			emergency  int
			createdRaw string
		)
		if err := rows.Scan(&e.ID, &e.EventType, &e.Severity, &userID, &sourceIP,
			&details, &emergency, &createdRaw); err != nil {
			return nil, fmt.Errorf("scanning security event: %w", err)
		}
		e.UserID = userID.String
		e.SourceIP = sourceIP.String
		e.EmergencyContext = emergency != 0
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				s.logger.Warn("unparseable event details", "id", e.ID, "error", err)
			}
		}
		if t, err := time.Parse(time.RFC3339, createdRaw); err == nil {
			e.CreatedAt = t
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// PruneRateLimitHits deletes hits older than the window. Called
// periodically so the table stays bounded.
func (s *Service) PruneRateLimitHits(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-s.cfg.Window)
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM rate_limit_hits WHERE created_at <= ?",
		cutoff.Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("pruning rate limit hits: %w", err)
	}
	return res.RowsAffected()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
