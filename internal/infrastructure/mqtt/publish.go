package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// maxPayloadSize caps MQTT payloads at 1MB, aligned with typical broker
// limits.
const maxPayloadSize = 1 << 20

// Publish sends a message to the specified topic.
//
// Retained messages should be used for state topics (safety status,
// system status) so new subscribers see the current posture immediately;
// never for commands.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// PublishJSON marshals v and publishes it with the configured default QoS.
func (c *Client) PublishJSON(topic string, v any, retained bool) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: marshaling payload: %w", ErrPublishFailed, err)
	}
	return c.Publish(topic, payload, byte(c.cfg.QoS), retained)
}

// PublishRetained publishes a retained message with the configured default
// QoS.
func (c *Client) PublishRetained(topic string, payload []byte) error {
	return c.Publish(topic, payload, byte(c.cfg.QoS), true)
}

// PublishCommand sends a feature command to the gateway. Satisfies the
// feature registry's CommandPublisher.
func (c *Client) PublishCommand(_ context.Context, featureName, command, reason string) error {
	payload := map[string]any{
		"command":   command,
		"reason":    reason,
		"issued_at": time.Now().UTC().Format(time.RFC3339),
	}
	// Commands use QoS 1: delivery matters, duplicates are tolerable for
	// idempotent shutdown commands.
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: marshaling command: %w", ErrPublishFailed, err)
	}
	return c.Publish(Topics{}.FeatureCommand(featureName), body, 1, false)
}
