package model

import "regexp"

// Device ids become MQTT topic levels, so wildcards and separators are out.
var validDeviceID = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

// ValidDeviceID reports whether id can be used in a device topic.
func ValidDeviceID(id string) bool { return validDeviceID.MatchString(id) }

// CommandTopic returns the topic a device receives commands on.
func CommandTopic(deviceID string) string { return deviceID + "/cmd" }

// TelemetryTopic returns the topic a device publishes telemetry on.
func TelemetryTopic(deviceID string) string { return deviceID + "/telemetry" }
