// Package model defines the data types shared by the OTA service, the
// telemetry relay and the HTTP API.
package model

import "time"

// Role is the authorisation level carried by a session.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleOperator
}

// User is the public view of an authenticated principal.
type User struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

// Artifact is a firmware binary recorded in the metadata index. Records are
// immutable once appended.
type Artifact struct {
	Filename     string    `json:"filename"`
	OriginalName string    `json:"originalName"`
	Size         int64     `json:"size"`
	SHA256       string    `json:"sha256,omitempty"`
	UploadedAt   time.Time `json:"uploadedAt"`
	UploadedBy   string    `json:"uploadedBy"`
	Path         string    `json:"path"`
}

// Telemetry is the last known device state. Fields are merged frame by frame;
// a field absent from a frame keeps its previous value.
type Telemetry struct {
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	Vibrations  int64     `json:"vibrations"`
	Vibrating   bool      `json:"vibrating"`
	State       string    `json:"state"`
	Manual      bool      `json:"manual"`
	LED         int       `json:"led"`
	Relay       int       `json:"relay"`
	Timestamp   float64   `json:"timestamp"`
	Sensor      string    `json:"sensor"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DefaultTelemetry returns the snapshot shown before any frame arrives.
func DefaultTelemetry(now time.Time) Telemetry {
	return Telemetry{
		State:     "NORMAL",
		Timestamp: float64(now.UnixMilli()) / 1000,
		Sensor:    "DHT11",
	}
}

// HistoryEntry is one point of the short trend history.
type HistoryEntry struct {
	Time       time.Time `json:"time"`
	Temp       float64   `json:"temp"`
	Hum        float64   `json:"hum"`
	Vibrations int64     `json:"vibrations,omitempty"`
	State      string    `json:"state"`
}

// OtaLogLine is a free-text progress message emitted by the device while it
// applies an update.
type OtaLogLine struct {
	Time time.Time `json:"time"`
	Line string    `json:"line"`
	Tag  string    `json:"tag"`
}

// Command is the JSON document published on the device command topic.
type Command struct {
	Action string `json:"action"`
	Value  *int   `json:"value,omitempty"`
	URL    string `json:"url,omitempty"`
	SHA256 string `json:"sha256,omitempty"`
}

// Connection signal values exposed by the relay.
const (
	ConnConnected    = "connected"
	ConnConnecting   = "connecting"
	ConnDisconnected = "disconnected"
	ConnError        = "error"
)
