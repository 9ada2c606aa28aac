package mqtt

import "fmt"

// Topic prefixes for the coach message bus.
//
// The gateway publishes telemetry under coach/telemetry/{source} and
// consumes commands from coach/command/{feature}. Core owns the
// coach/safety and coach/system subtrees.
const (
	// TopicPrefix is the base for all coach topics.
	TopicPrefix = "coach"

	// TopicPrefixSafety is the base for safety status topics.
	TopicPrefixSafety = "coach/safety"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "coach/system"
)

// Topics provides builders for coach MQTT topics. Using the helpers keeps
// topic naming consistent between core and the gateway.
type Topics struct{}

// Telemetry returns the topic one telemetry source publishes on.
//
// Example: coach/telemetry/chassis
func (Topics) Telemetry(source string) string {
	return fmt.Sprintf("%s/telemetry/%s", TopicPrefix, source)
}

// AllTelemetry returns a pattern matching every telemetry source.
//
// Pattern: coach/telemetry/+
func (Topics) AllTelemetry() string {
	return fmt.Sprintf("%s/telemetry/+", TopicPrefix)
}

// FeatureCommand returns the topic commands to one feature are sent on.
//
// Example: coach/command/slide_rooms
func (Topics) FeatureCommand(feature string) string {
	return fmt.Sprintf("%s/command/%s", TopicPrefix, feature)
}

// FeatureState returns the topic the gateway reports feature state on.
//
// Example: coach/state/slide_rooms
func (Topics) FeatureState(feature string) string {
	return fmt.Sprintf("%s/state/%s", TopicPrefix, feature)
}

// AllFeatureStates returns a pattern matching every feature state report.
//
// Pattern: coach/state/+
func (Topics) AllFeatureStates() string {
	return fmt.Sprintf("%s/state/+", TopicPrefix)
}

// SafetyStatus returns the retained safety posture topic.
//
// Example: coach/safety/status
func (Topics) SafetyStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSafety)
}

// SafetyEvent returns the topic for safety event notifications.
//
// Example: coach/safety/event/emergency_stop_triggered
func (Topics) SafetyEvent(eventType string) string {
	return fmt.Sprintf("%s/event/%s", TopicPrefixSafety, eventType)
}

// SystemStatus returns the core online/offline status topic (also the LWT
// topic).
//
// Example: coach/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}
