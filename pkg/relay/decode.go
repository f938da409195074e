package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Peterbackson-desing/dashboard/pkg/model"
)

// DecodeError reports a telemetry payload that could not be decoded.
type DecodeError struct {
	Payload []byte
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("relay: decode telemetry: %v (payload %s)", e.Err, truncate(e.Payload, 96))
}

func (e *DecodeError) Unwrap() error { return e.Err }

var errNoFields = errors.New("no telemetry fields")

// Frame is one decoded telemetry message. Nil fields were absent.
type Frame struct {
	Temperature *float64
	Humidity    *float64
	Vibrations  *int64
	Vibrating   *bool
	State       *string
	Manual      *bool
	LED         *int
	Relay       *int
	Timestamp   *float64
	Sensor      *string
}

// wireFrame accepts the field spellings used by the device firmwares seen in
// the field. Unknown fields are ignored.
type wireFrame struct {
	Temperature    *float64  `json:"temperature"`
	Temp           *float64  `json:"temp"`
	Humidity       *float64  `json:"humidity"`
	Hum            *float64  `json:"hum"`
	Vibrations     *flexInt  `json:"vibrations"`
	VibrationCount *flexInt  `json:"vibration_count"`
	VibrationCamel *flexInt  `json:"vibrationCount"`
	Vibrating      *flexBool `json:"vibrating"`
	Vibration      *flexBool `json:"vibration"`
	State          *string   `json:"state"`
	Manual         *flexBool `json:"manual"`
	LED            *flexInt  `json:"led"`
	Relay          *flexInt  `json:"relay"`
	Timestamp      *float64  `json:"timestamp"`
	Sensor         *string   `json:"sensor"`
}

// Decode parses a telemetry payload. The payload must be a JSON object with
// at least one known field.
func Decode(payload []byte) (*Frame, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, &DecodeError{Payload: payload, Err: errors.New("not a JSON object")}
	}
	var w wireFrame
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return nil, &DecodeError{Payload: payload, Err: err}
	}

	f := &Frame{
		Temperature: first(w.Temperature, w.Temp),
		Humidity:    first(w.Humidity, w.Hum),
		Vibrations:  firstInt64(w.Vibrations, w.VibrationCount, w.VibrationCamel),
		Vibrating:   firstBool(w.Vibrating, w.Vibration),
		State:       w.State,
		Manual:      firstBool(w.Manual),
		LED:         firstInt(w.LED),
		Relay:       firstInt(w.Relay),
		Timestamp:   w.Timestamp,
		Sensor:      w.Sensor,
	}
	if f.empty() {
		return nil, &DecodeError{Payload: payload, Err: errNoFields}
	}
	return f, nil
}

func (f *Frame) empty() bool {
	return f.Temperature == nil && f.Humidity == nil && f.Vibrations == nil &&
		f.Vibrating == nil && f.State == nil && f.Manual == nil && f.LED == nil &&
		f.Relay == nil && f.Timestamp == nil && f.Sensor == nil
}

// Merge applies the fields present in f to t. A missing or zero timestamp
// becomes the receipt time.
func Merge(t model.Telemetry, f *Frame, received time.Time) model.Telemetry {
	if f.Temperature != nil {
		t.Temperature = *f.Temperature
	}
	if f.Humidity != nil {
		t.Humidity = *f.Humidity
	}
	if f.Vibrations != nil {
		t.Vibrations = *f.Vibrations
	}
	if f.Vibrating != nil {
		t.Vibrating = *f.Vibrating
	}
	if f.State != nil {
		t.State = *f.State
	}
	if f.Manual != nil {
		t.Manual = *f.Manual
	}
	if f.LED != nil {
		t.LED = *f.LED
	}
	if f.Relay != nil {
		t.Relay = *f.Relay
	}
	if f.Sensor != nil {
		t.Sensor = *f.Sensor
	}
	if f.Timestamp != nil && *f.Timestamp != 0 {
		t.Timestamp = *f.Timestamp
	} else {
		t.Timestamp = float64(received.UnixMilli()) / 1000
	}
	t.UpdatedAt = received
	return t
}

// flexInt accepts 0/1 style integers as numbers, booleans or numeric strings.
type flexInt int64

func (v *flexInt) UnmarshalJSON(b []byte) error {
	switch s := string(bytes.TrimSpace(b)); s {
	case "true":
		*v = 1
		return nil
	case "false":
		*v = 0
		return nil
	default:
		s = trimQuotes(s)
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			*v = flexInt(f)
			return nil
		}
		return fmt.Errorf("invalid integer %s", truncate(b, 32))
	}
}

// flexBool accepts booleans and 0/1 numbers.
type flexBool bool

func (v *flexBool) UnmarshalJSON(b []byte) error {
	switch s := trimQuotes(string(bytes.TrimSpace(b))); s {
	case "true", "1":
		*v = true
	case "false", "0":
		*v = false
	default:
		return fmt.Errorf("invalid boolean %s", truncate(b, 32))
	}
	return nil
}

func trimQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

func first(vs ...*float64) *float64 {
	for _, v := range vs {
		if v != nil {
			return v
		}
	}
	return nil
}

func firstInt64(vs ...*flexInt) *int64 {
	for _, v := range vs {
		if v != nil {
			n := int64(*v)
			return &n
		}
	}
	return nil
}

func firstInt(vs ...*flexInt) *int {
	for _, v := range vs {
		if v != nil {
			n := int(*v)
			return &n
		}
	}
	return nil
}

func firstBool(vs ...*flexBool) *bool {
	for _, v := range vs {
		if v != nil {
			b := bool(*v)
			return &b
		}
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
