package relay

import (
	"errors"
	"testing"
	"time"

	"github.com/Peterbackson-desing/dashboard/pkg/model"
)

func TestDecodeAliases(t *testing.T) {
	f, err := Decode([]byte(`{"vibration_count":"12","vibration":1,"led":true,"manual":0,"extra":{"x":1}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if *f.Vibrations != 12 || !*f.Vibrating || *f.LED != 1 || *f.Manual {
		t.Fatalf("unexpected frame vibrations=%d vibrating=%v led=%d manual=%v",
			*f.Vibrations, *f.Vibrating, *f.LED, *f.Manual)
	}
	if f.Temperature != nil || f.State != nil {
		t.Fatal("absent fields decoded as present")
	}

	f, err = Decode([]byte(`{"vibrationCount":3,"temp":19.5,"hum":33}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if *f.Vibrations != 3 || *f.Temperature != 19.5 || *f.Humidity != 33 {
		t.Fatal("camel case or short aliases not decoded")
	}
}

func TestDecodeErrors(t *testing.T) {
	for _, payload := range []string{
		"",
		"OTA: downloading",
		"[1,2,3]",
		`{"temperature":`,
		`{"unknown":1}`,
		`{"led":"on"}`,
	} {
		_, err := Decode([]byte(payload))
		var de *DecodeError
		if !errors.As(err, &de) {
			t.Errorf("Decode(%q) = %v, want *DecodeError", payload, err)
			continue
		}
		if string(de.Payload) != payload {
			t.Errorf("DecodeError payload %q, want %q", de.Payload, payload)
		}
	}
}

func TestMergeTimestamp(t *testing.T) {
	received := time.Unix(1700000500, 0)
	prev := model.DefaultTelemetry(time.Unix(1, 0))

	zero := 0.0
	got := Merge(prev, &Frame{Timestamp: &zero}, received)
	if got.Timestamp != 1700000500 {
		t.Fatalf("zero timestamp not replaced: %v", got.Timestamp)
	}
	ts := 1700000000.0
	got = Merge(prev, &Frame{Timestamp: &ts}, received)
	if got.Timestamp != ts || got.State != "NORMAL" || got.Sensor != "DHT11" {
		t.Fatalf("unexpected merge %+v", got)
	}
	if !got.UpdatedAt.Equal(received) {
		t.Fatalf("UpdatedAt = %v", got.UpdatedAt)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		line string
		tag  string
	}{
		{"OTA update completed successfully", TagSuccess},
		{"Actualización exitosa", TagSuccess},
		{"OTA failed: HTTP 404", TagError},
		{"Warning: low heap", TagWarning},
		{"Rebooting in 3s", TagReboot},
		{"Reiniciando...", TagReboot},
		{"Verifying checksum", TagValidation},
		{"Download 512/1024 bytes", TagProgress},
		{"Connecting to http server", TagConnection},
		{"Writing partition config", TagProgress},
		{"Setting boot partition", TagConfig},
		{"Firmware size: 1048576", TagData},
		{"Starting OTA", TagInfo},
	}
	for _, tc := range cases {
		tag, ok := Classify(tc.line)
		if !ok || tag != tc.tag {
			t.Errorf("Classify(%q) = %q, %v; want %q", tc.line, tag, ok, tc.tag)
		}
	}

	for _, line := range []string{"", "   ", `{"temperature":21.5,"humidity":40}`, "hello"} {
		if tag, ok := Classify(line); ok {
			t.Errorf("Classify(%q) matched %q", line, tag)
		}
	}
}

func TestRing(t *testing.T) {
	r := NewRing[int](3)
	if r.Cap() != 3 || r.Len() != 0 || len(r.Items()) != 0 {
		t.Fatal("new ring not empty")
	}
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	got := r.Items()
	if len(got) != 3 || got[0] != 3 || got[1] != 4 || got[2] != 5 {
		t.Fatalf("unexpected items %v", got)
	}
}
