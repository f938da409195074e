package observability

import (
	"fmt"
	"net/http"
	"sort"
	"time"
)

type series struct {
	name, kind, help, key string
}

var exported = []series{
	{"otad_requests_total", "counter", "Total number of API requests.", "request_count"},
	{"otad_errors_total", "counter", "Total number of API errors.", "error_count"},
	{"otad_firmware_uploads_total", "counter", "Firmware artifacts stored.", "upload_count"},
	{"otad_firmware_upload_rejected_total", "counter", "Firmware uploads rejected.", "upload_rejected"},
	{"otad_firmware_upload_bytes_total", "counter", "Bytes of firmware stored.", "upload_bytes"},
	{"otad_telemetry_messages_total", "counter", "Messages received on the telemetry topic.", "telemetry_received"},
	{"otad_telemetry_decode_errors_total", "counter", "Telemetry messages that failed to decode.", "decode_errors"},
	{"otad_telemetry_malformed_total", "counter", "Messages that were neither telemetry nor OTA log lines.", "malformed"},
	{"otad_telemetry_duplicates_total", "counter", "QoS 1 redeliveries ignored.", "duplicates"},
	{"otad_ota_log_lines_total", "counter", "OTA progress lines classified.", "ota_log_lines"},
	{"otad_commands_sent_total", "counter", "Device commands published.", "commands_sent"},
	{"otad_commands_refused_total", "counter", "Device commands refused while disconnected.", "commands_refused"},
	{"otad_relay_connected", "gauge", "1 when the relay bus session is connected.", "relay_connected"},
	{"otad_stream_clients", "gauge", "Connected live stream clients.", "stream_clients"},
}

// PrometheusHandler returns an http.HandlerFunc that exports metrics in
// Prometheus text exposition format at /metrics.
func (m *Metrics) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		snap := m.GetMetrics()
		for _, s := range exported {
			fmt.Fprintf(w, "# HELP %s %s\n", s.name, s.help)
			fmt.Fprintf(w, "# TYPE %s %s\n", s.name, s.kind)
			fmt.Fprintf(w, "%s %d\n\n", s.name, snap[s.key])
		}

		fmt.Fprintf(w, "# HELP otad_ota_triggers_total OTA trigger outcomes.\n")
		fmt.Fprintf(w, "# TYPE otad_ota_triggers_total counter\n")
		for _, o := range triggerOutcomes {
			fmt.Fprintf(w, "otad_ota_triggers_total{outcome=%q} %d\n", o, snap["trigger_"+o])
		}
		fmt.Fprintln(w)

		latencies := m.LatencySnapshot()
		if len(latencies) > 0 {
			sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
			fmt.Fprintf(w, "# HELP otad_request_duration_seconds Request latency percentiles.\n")
			fmt.Fprintf(w, "# TYPE otad_request_duration_seconds summary\n")
			fmt.Fprintf(w, "otad_request_duration_seconds{quantile=\"0.5\"} %f\n", percentile(latencies, 0.5))
			fmt.Fprintf(w, "otad_request_duration_seconds{quantile=\"0.95\"} %f\n", percentile(latencies, 0.95))
			fmt.Fprintf(w, "otad_request_duration_seconds{quantile=\"0.99\"} %f\n", percentile(latencies, 0.99))
			fmt.Fprintf(w, "otad_request_duration_seconds_count %d\n\n", len(latencies))
		}
	}
}

// percentile returns the p-th percentile value from sorted durations.
func percentile(sorted []time.Duration, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx].Seconds()
}
