package mqtt

import (
	"fmt"
	"strings"
)

// Topic layout shared with device firmware. These strings are a wire
// contract: devices publish on .../data and listen on .../command.
const (
	// TopicPrefixDevices is the base for all per-device topics.
	TopicPrefixDevices = "iot/devices"

	// TopicPrefixGateways is the base for gateway presence topics.
	TopicPrefixGateways = "iot/gateways"

	// Per-device topic suffixes.
	KindData    = "data"
	KindCommand = "command"
	KindAck     = "ack"
)

// Topics provides builders for the gateway's MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	topic := topics.DeviceCommand("499250b5-7c1e-4a8e-9a0f-3f1c2d9b8e11")
//	// Returns: "iot/devices/499250b5-7c1e-4a8e-9a0f-3f1c2d9b8e11/command"
type Topics struct{}

// DeviceData returns the topic a device publishes telemetry on.
//
// Example: iot/devices/{id}/data
func (Topics) DeviceData(deviceID string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefixDevices, deviceID, KindData)
}

// DeviceCommand returns the topic a device listens for commands on.
//
// Example: iot/devices/{id}/command
func (Topics) DeviceCommand(deviceID string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefixDevices, deviceID, KindCommand)
}

// DeviceAck returns the topic a device acknowledges commands on.
//
// Example: iot/devices/{id}/ack
func (Topics) DeviceAck(deviceID string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefixDevices, deviceID, KindAck)
}

// GatewayStatus returns the retained presence topic for a gateway client.
//
// Example: iot/gateways/iot-gateway-1a2b3c/status
func (Topics) GatewayStatus(clientID string) string {
	return fmt.Sprintf("%s/%s/status", TopicPrefixGateways, clientID)
}

// AllDeviceData returns the single wildcard pattern covering every
// device's data topic.
//
// Pattern: iot/devices/+/data
func (Topics) AllDeviceData() string {
	return fmt.Sprintf("%s/+/%s", TopicPrefixDevices, KindData)
}

// AllDeviceAcks returns a pattern matching every device's ack topic.
//
// Pattern: iot/devices/+/ack
func (Topics) AllDeviceAcks() string {
	return fmt.Sprintf("%s/+/%s", TopicPrefixDevices, KindAck)
}

// ParseDeviceTopic splits a concrete per-device topic into its device ID
// and kind segment. It reports false for anything that is not exactly
// iot/devices/{id}/{kind} with a non-empty, wildcard-free id.
func ParseDeviceTopic(topic string) (deviceID, kind string, ok bool) {
	rest, found := strings.CutPrefix(topic, TopicPrefixDevices+"/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		return "", "", false
	}
	deviceID, kind = parts[0], parts[1]
	if deviceID == "" || kind == "" || strings.ContainsAny(deviceID, "+#") {
		return "", "", false
	}
	return deviceID, kind, true
}
