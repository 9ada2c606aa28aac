// Package mqtt wraps paho.mqtt.golang for the coach message bus.
//
// The RV-C/CAN gateway is a separate process that bridges the vehicle bus
// onto MQTT. Core consumes telemetry from coach/telemetry/+ and publishes
// feature commands and safety status back. The client handles automatic
// reconnection with subscription restoration, Last Will and Testament for
// offline detection, and panic recovery around message handlers.
package mqtt
