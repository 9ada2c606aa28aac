// Coach Core - RV safety and authorization backend
//
// Coach Core supervises the safety-critical side of a motorcoach control
// system: PIN-based authorization for dangerous operations, physical
// interlocks evaluated against live chassis telemetry, emergency stop,
// and operational modes. It talks to the RV-C gateway over MQTT and
// serves dash panels over HTTP and WebSocket.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/roadhaus/coach-core/migrations"

	"github.com/roadhaus/coach-core/internal/api"
	"github.com/roadhaus/coach-core/internal/feature"
	"github.com/roadhaus/coach-core/internal/infrastructure/config"
	"github.com/roadhaus/coach-core/internal/infrastructure/database"
	"github.com/roadhaus/coach-core/internal/infrastructure/influxdb"
	"github.com/roadhaus/coach-core/internal/infrastructure/logging"
	"github.com/roadhaus/coach-core/internal/infrastructure/mqtt"
	"github.com/roadhaus/coach-core/internal/pin"
	"github.com/roadhaus/coach-core/internal/safety"
	"github.com/roadhaus/coach-core/internal/secaudit"
	"github.com/roadhaus/coach-core/internal/telemetry"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for
// testability.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting Coach Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database and run migrations
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Security audit trail
	audit := secaudit.NewService(db.DB, secaudit.Config{})
	audit.SetLogger(log.With("component", "secaudit"))

	// PIN manager
	pins := pin.NewManager(pinConfig(cfg.PIN), pin.NewSQLiteRepository(db.DB))
	pins.SetLogger(log.With("component", "pin"))
	pins.SetSecurityLogger(audit)

	// Feature registry with the fixed coach feature set
	features := feature.NewRegistry()
	features.SetLogger(log.With("component", "feature"))
	features.RegisterDefaults()

	// Telemetry snapshot store; reports fail-closed values until the
	// gateway publishes fresh data
	states := telemetry.NewStore(cfg.Safety.TelemetryStaleAfter())
	states.SetLogger(log.With("component", "telemetry"))

	// Connect to the coach MQTT bus
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	mqttClient.SetLogger(log.With("component", "mqtt"))
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	// Feature shutdown commands go out over the bus
	features.SetCommandPublisher(mqttClient)

	if err := subscribeBus(mqttClient, cfg.MQTT, states, features, log); err != nil {
		return fmt.Errorf("subscribing to coach bus: %w", err)
	}

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Safety supervisor
	svc := safety.NewService(safetyConfig(cfg.Safety), pins, features, states)
	svc.SetLogger(log.With("component", "safety"))
	svc.SetSecurityAuditor(audit)
	if influxClient != nil {
		svc.SetMetricsSink(influxClient)
	}

	// API server
	apiServer, err := api.New(api.Deps{
		Config:    cfg.API,
		WS:        cfg.WebSocket,
		Logger:    log.With("component", "api"),
		PINs:      pins,
		Safety:    svc,
		Features:  features,
		Audit:     audit,
		Telemetry: states,
		Version:   version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	// Status snapshots fan out to WebSocket clients and the retained
	// MQTT status topic after every transition.
	svc.SetStatusPublisher(multiPublisher{
		apiServer,
		&mqttStatusPublisher{client: mqttClient},
	})

	svc.Start(ctx)
	defer svc.Stop()
	log.Info("safety service started")

	if err := apiServer.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	log.Info("Coach Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses COACHCORE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("COACHCORE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// pinConfig converts the YAML PIN section into the manager's config.
func pinConfig(cfg config.PINConfig) pin.Config {
	return pin.Config{
		MinLength:             cfg.MinLength,
		MaxLength:             cfg.MaxLength,
		MaxConcurrentSessions: cfg.MaxConcurrentSessions,
		LockoutAfterFailures:  cfg.LockoutAfterFailures,
		LockoutWindow:         time.Duration(cfg.LockoutWindowMinutes) * time.Minute,
		Policies: map[pin.PINType]pin.Policy{
			pin.TypeEmergency: {
				SessionTTL:    time.Duration(cfg.Emergency.SessionMinutes) * time.Minute,
				MaxOperations: cfg.Emergency.MaxOperations,
			},
			pin.TypeOverride: {
				SessionTTL:    time.Duration(cfg.Override.SessionMinutes) * time.Minute,
				MaxOperations: cfg.Override.MaxOperations,
			},
			pin.TypeMaintenance: {
				SessionTTL:    time.Duration(cfg.Maintenance.SessionMinutes) * time.Minute,
				MaxOperations: cfg.Maintenance.MaxOperations,
			},
		},
	}
}

// safetyConfig converts the YAML safety section into the service's config.
func safetyConfig(cfg config.SafetyConfig) safety.Config {
	return safety.Config{
		HealthInterval:     cfg.HealthInterval(),
		WatchdogTimeout:    cfg.WatchdogTimeout(),
		ModeSessionTTL:     time.Duration(cfg.ModeSessionMinutes) * time.Minute,
		OverrideTTL:        time.Duration(cfg.OverrideMinutes) * time.Minute,
		ViolationThreshold: cfg.InterlockViolationThreshold,
		LegacyResetCode:    cfg.LegacyResetCode,
		AuditBufferSize:    cfg.AuditBufferSize,
	}
}

// subscribeBus wires the gateway's telemetry and feature state topics
// into the local stores.
func subscribeBus(client *mqtt.Client, cfg config.MQTTConfig, states *telemetry.Store, features *feature.Registry, log *logging.Logger) error {
	var topics mqtt.Topics
	qos := byte(cfg.QoS) //#nosec G115 -- validated to 0..2 by config.Validate

	if err := client.Subscribe(topics.AllTelemetry(), qos, states.HandleMessage); err != nil {
		return fmt.Errorf("telemetry subscription: %w", err)
	}

	err := client.Subscribe(topics.AllFeatureStates(), qos, func(topic string, payload []byte) error {
		var report struct {
			Feature string        `json:"feature"`
			State   feature.State `json:"state"`
			Reason  string        `json:"reason"`
		}
		if jsonErr := json.Unmarshal(payload, &report); jsonErr != nil {
			return fmt.Errorf("invalid state report on %s: %w", topic, jsonErr)
		}
		if setErr := features.SetState(report.Feature, report.State, report.Reason); setErr != nil {
			log.Warn("state report for unknown feature",
				"feature", report.Feature, "topic", topic)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("feature state subscription: %w", err)
	}

	log.Info("coach bus subscriptions established",
		"telemetry", topics.AllTelemetry(),
		"feature_states", topics.AllFeatureStates(),
	)
	return nil
}

// healthCheck verifies all infrastructure connections are healthy.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}

// mqttStatusPublisher pushes safety status snapshots to the retained
// status topic so late-joining panels see the current posture.
type mqttStatusPublisher struct {
	client *mqtt.Client
}

func (p *mqttStatusPublisher) PublishStatus(_ context.Context, status *safety.Status) error {
	var topics mqtt.Topics
	return p.client.PublishJSON(topics.SafetyStatus(), status, true)
}

// multiPublisher fans one status snapshot out to several publishers.
// The first failure is returned; remaining publishers still run.
type multiPublisher []safety.StatusPublisher

func (m multiPublisher) PublishStatus(ctx context.Context, status *safety.Status) error {
	var firstErr error
	for _, p := range m {
		if err := p.PublishStatus(ctx, status); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
