package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Coach Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Coach     CoachConfig     `yaml:"coach"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	PIN       PINConfig       `yaml:"pin"`
	Safety    SafetyConfig    `yaml:"safety"`
}

// CoachConfig identifies the vehicle this instance controls.
type CoachConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
// The RV-C gateway bridges the CAN bus onto MQTT; Coach Core consumes
// telemetry topics and publishes safety status and shutdown commands.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains WebSocket status stream settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings for the
// safety-event time-series sink.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// PINConfig contains PIN authorization policy settings.
type PINConfig struct {
	// MinLength and MaxLength bound the accepted PIN digit count.
	MinLength int `yaml:"min_length"`
	MaxLength int `yaml:"max_length"`

	// MaxConcurrentSessions caps active sessions per user. Creating a
	// session beyond the cap evicts the user's oldest active session.
	MaxConcurrentSessions int `yaml:"max_concurrent_sessions"`

	// LockoutAfterFailures is the failed-attempt count inside the sliding
	// window that triggers a lockout.
	LockoutAfterFailures int `yaml:"lockout_after_failures"`

	// LockoutWindowMinutes is the sliding-window length; failures older
	// than this no longer count toward lockout.
	LockoutWindowMinutes int `yaml:"lockout_window_minutes"`

	// Emergency, Override and Maintenance hold the per-type session policy.
	Emergency   PINTypePolicy `yaml:"emergency"`
	Override    PINTypePolicy `yaml:"override"`
	Maintenance PINTypePolicy `yaml:"maintenance"`
}

// PINTypePolicy is the session policy for one PIN type.
type PINTypePolicy struct {
	// SessionMinutes is the session TTL.
	SessionMinutes int `yaml:"session_minutes"`

	// MaxOperations caps authorized operations per session.
	// 0 means unlimited.
	MaxOperations int `yaml:"max_operations"`
}

// SafetyConfig contains safety supervisor settings.
type SafetyConfig struct {
	// HealthIntervalSeconds is the health-loop cadence.
	HealthIntervalSeconds int `yaml:"health_interval_seconds"`

	// WatchdogTimeoutSeconds is the maximum gap between health-loop
	// kicks before the watchdog forces safe state.
	WatchdogTimeoutSeconds int `yaml:"watchdog_timeout_seconds"`

	// ModeSessionMinutes is how long MAINTENANCE/DIAGNOSTIC mode stays
	// active before the expiry sweep force-reverts to NORMAL.
	ModeSessionMinutes int `yaml:"mode_session_minutes"`

	// OverrideMinutes is the interlock override lifetime.
	OverrideMinutes int `yaml:"override_minutes"`

	// InterlockViolationThreshold is the count of simultaneously violated
	// interlocks that escalates to a full emergency stop.
	InterlockViolationThreshold int `yaml:"interlock_violation_threshold"`

	// TelemetryStaleSeconds is how old a telemetry snapshot may be before
	// interlock evaluation treats the vehicle state as unknown (fail closed).
	TelemetryStaleSeconds int `yaml:"telemetry_stale_seconds"`

	// LegacyResetCode is the static fallback code accepted by the
	// emergency reset alongside PIN authorization. Kept for parity with
	// the wired dash switch; rotate via COACHCORE_SAFETY_LEGACY_RESET_CODE.
	LegacyResetCode string `yaml:"legacy_reset_code"`

	// AuditBufferSize bounds the in-memory audit ring buffer.
	AuditBufferSize int `yaml:"audit_buffer_size"`
}

// Load reads configuration from a YAML file and applies environment
// variable overrides.
//
// Loading order: defaults, then YAML file values, then COACHCORE_*
// environment variables. The result is validated before being returned.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Coach: CoachConfig{
			ID:       "coach-001",
			Name:     "Coach Core",
			Timezone: "UTC",
		},
		Database: DatabaseConfig{
			Path:        "./data/coachcore.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "coachcore",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws/safety",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		PIN: PINConfig{
			MinLength:             4,
			MaxLength:             8,
			MaxConcurrentSessions: 3,
			LockoutAfterFailures:  3,
			LockoutWindowMinutes:  15,
			Emergency:             PINTypePolicy{SessionMinutes: 5, MaxOperations: 1},
			Override:              PINTypePolicy{SessionMinutes: 15, MaxOperations: 5},
			Maintenance:           PINTypePolicy{SessionMinutes: 60, MaxOperations: 0},
		},
		Safety: SafetyConfig{
			HealthIntervalSeconds:       5,
			WatchdogTimeoutSeconds:      30,
			ModeSessionMinutes:          60,
			OverrideMinutes:             15,
			InterlockViolationThreshold: 3,
			TelemetryStaleSeconds:       30,
			LegacyResetCode:             "0911",
			AuditBufferSize:             1000,
		},
	}
}

// applyEnvOverrides applies environment variable overrides.
// Variables follow the pattern COACHCORE_SECTION_KEY.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("COACHCORE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("COACHCORE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("COACHCORE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("COACHCORE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("COACHCORE_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("COACHCORE_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	if v := os.Getenv("COACHCORE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("COACHCORE_SAFETY_LEGACY_RESET_CODE"); v != "" {
		cfg.Safety.LegacyResetCode = v
	}
}

// Validate checks the configuration for errors and unsafe values.
func (c *Config) Validate() error {
	var errs []string

	if c.Coach.ID == "" {
		errs = append(errs, "coach.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.PIN.MinLength < 4 {
		errs = append(errs, "pin.min_length must be at least 4")
	}
	if c.PIN.MaxLength < c.PIN.MinLength {
		errs = append(errs, "pin.max_length must be >= pin.min_length")
	}
	if c.PIN.MaxConcurrentSessions < 1 {
		errs = append(errs, "pin.max_concurrent_sessions must be at least 1")
	}
	if c.PIN.LockoutAfterFailures < 1 {
		errs = append(errs, "pin.lockout_after_failures must be at least 1")
	}
	if c.PIN.LockoutWindowMinutes < 1 {
		errs = append(errs, "pin.lockout_window_minutes must be at least 1")
	}

	// A watchdog shorter than one health interval would fire between
	// normal kicks and latch safe state on a healthy system.
	if c.Safety.WatchdogTimeoutSeconds <= c.Safety.HealthIntervalSeconds {
		errs = append(errs, "safety.watchdog_timeout_seconds must exceed safety.health_interval_seconds")
	}
	if c.Safety.InterlockViolationThreshold < 2 {
		errs = append(errs, "safety.interlock_violation_threshold must be at least 2")
	}
	if c.Safety.AuditBufferSize < 1 {
		errs = append(errs, "safety.audit_buffer_size must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// HealthInterval returns the health-loop cadence as a Duration.
func (c *SafetyConfig) HealthInterval() time.Duration {
	return time.Duration(c.HealthIntervalSeconds) * time.Second
}

// WatchdogTimeout returns the watchdog timeout as a Duration.
func (c *SafetyConfig) WatchdogTimeout() time.Duration {
	return time.Duration(c.WatchdogTimeoutSeconds) * time.Second
}

// TelemetryStaleAfter returns the telemetry staleness horizon as a Duration.
func (c *SafetyConfig) TelemetryStaleAfter() time.Duration {
	return time.Duration(c.TelemetryStaleSeconds) * time.Second
}
