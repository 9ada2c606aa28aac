package mqtt

import (
	"errors"
	"testing"

	"github.com/roadhaus/coach-core/internal/infrastructure/config"
)

func TestTopics(t *testing.T) {
	topics := Topics{}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"telemetry", topics.Telemetry("chassis"), "coach/telemetry/chassis"},
		{"all telemetry", topics.AllTelemetry(), "coach/telemetry/+"},
		{"feature command", topics.FeatureCommand("slide_rooms"), "coach/command/slide_rooms"},
		{"feature state", topics.FeatureState("awning"), "coach/state/awning"},
		{"all feature states", topics.AllFeatureStates(), "coach/state/+"},
		{"safety status", topics.SafetyStatus(), "coach/safety/status"},
		{"safety event", topics.SafetyEvent("emergency_stop_triggered"), "coach/safety/event/emergency_stop_triggered"},
		{"system status", topics.SystemStatus(), "coach/system/status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

// disconnectedClient builds a client that was never connected, for
// validation paths that must not require a broker.
func disconnectedClient() *Client {
	cfg := config.MQTTConfig{}
	cfg.Broker.Host = "localhost"
	cfg.Broker.Port = 1883
	cfg.Broker.ClientID = "coachcore-test"
	c := &Client{
		cfg:           cfg,
		subscriptions: make(map[string]subscription),
	}
	c.client = nil
	return c
}

func TestPublish_Validation(t *testing.T) {
	c := disconnectedClient()

	if err := c.Publish("", []byte("x"), 0, false); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic error = %v, want ErrInvalidTopic", err)
	}
	if err := c.Publish("coach/safety/status", []byte("x"), 3, false); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("qos 3 error = %v, want ErrInvalidQoS", err)
	}

	huge := make([]byte, maxPayloadSize+1)
	if err := c.Publish("coach/safety/status", huge, 0, false); !errors.Is(err, ErrPublishFailed) {
		t.Errorf("oversized payload error = %v, want ErrPublishFailed", err)
	}
}

func TestSubscribe_Validation(t *testing.T) {
	c := disconnectedClient()
	handler := func(string, []byte) error { return nil }

	if err := c.Subscribe("", 0, handler); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic error = %v, want ErrInvalidTopic", err)
	}
	if err := c.Subscribe("coach/telemetry/+", 5, handler); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("qos 5 error = %v, want ErrInvalidQoS", err)
	}
	if err := c.Subscribe("coach/telemetry/+", 0, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("nil handler error = %v, want ErrSubscribeFailed", err)
	}
}

func TestSubscriptionTracking(t *testing.T) {
	c := disconnectedClient()

	if c.SubscriptionCount() != 0 {
		t.Error("fresh client should have no subscriptions")
	}
	if c.HasSubscription("coach/telemetry/+") {
		t.Error("untracked subscription reported")
	}

	c.subMu.Lock()
	c.subscriptions["coach/telemetry/+"] = subscription{topic: "coach/telemetry/+"}
	c.subMu.Unlock()

	if c.SubscriptionCount() != 1 {
		t.Errorf("SubscriptionCount() = %d, want 1", c.SubscriptionCount())
	}
	if !c.HasSubscription("coach/telemetry/+") {
		t.Error("tracked subscription not reported")
	}
}

func TestClose_NeverConnected(t *testing.T) {
	c := disconnectedClient()
	if err := c.Close(); err != nil {
		t.Errorf("Close() on never-connected client error = %v", err)
	}
}

func TestBuildClientOptions(t *testing.T) {
	cfg := config.MQTTConfig{}
	cfg.Broker.Host = "broker.local"
	cfg.Broker.Port = 8883
	cfg.Broker.TLS = true
	cfg.Broker.ClientID = "coachcore"
	cfg.Auth.Username = "core"
	cfg.Auth.Password = "secret"
	cfg.Reconnect.InitialDelay = 1
	cfg.Reconnect.MaxDelay = 60

	opts := buildClientOptions(cfg)
	if len(opts.Servers) != 1 {
		t.Fatalf("servers = %d, want 1", len(opts.Servers))
	}
	if got := opts.Servers[0].String(); got != "ssl://broker.local:8883" {
		t.Errorf("broker URL = %q, want ssl scheme with host and port", got)
	}
	if opts.ClientID != "coachcore" {
		t.Errorf("ClientID = %q", opts.ClientID)
	}
	if opts.Username != "core" {
		t.Errorf("Username = %q", opts.Username)
	}
	if opts.TLSConfig == nil {
		t.Error("TLS config should be set when TLS is enabled")
	}
}
