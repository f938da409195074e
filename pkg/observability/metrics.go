// Package observability provides lightweight internal counters for the OTA
// service and the telemetry relay.
package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

// Trigger outcomes recorded by IncTrigger.
const (
	TriggerOK            = "ok"
	TriggerConnectFailed = "connect_failed"
	TriggerAuthRejected  = "auth_rejected"
	TriggerPublishFailed = "publish_failed"
	TriggerTimeout       = "timeout"
	TriggerRejected      = "rejected"
	TriggerCanceled      = "canceled"
)

var triggerOutcomes = []string{
	TriggerOK, TriggerConnectFailed, TriggerAuthRejected,
	TriggerPublishFailed, TriggerTimeout, TriggerRejected, TriggerCanceled,
}

const latencyWindow = 1024

// Metrics holds atomic counters for the service.
type Metrics struct {
	requestCount atomic.Int64
	errorCount   atomic.Int64

	uploads        atomic.Int64
	uploadRejected atomic.Int64
	uploadBytes    atomic.Int64

	triggers map[string]*atomic.Int64

	telemetryReceived atomic.Int64
	decodeErrors      atomic.Int64
	malformed         atomic.Int64
	duplicates        atomic.Int64
	otaLogLines       atomic.Int64
	commandsSent      atomic.Int64
	commandsRefused   atomic.Int64
	relayConnected    atomic.Int64
	streamClients     atomic.Int64

	latMu     sync.Mutex
	latencies []time.Duration
	latNext   int
}

// NewMetrics returns a zero-initialised Metrics.
func NewMetrics() *Metrics {
	m := &Metrics{triggers: make(map[string]*atomic.Int64, len(triggerOutcomes))}
	for _, o := range triggerOutcomes {
		m.triggers[o] = new(atomic.Int64)
	}
	return m
}

func (m *Metrics) IncRequest()        { m.requestCount.Add(1) }
func (m *Metrics) IncError()          { m.errorCount.Add(1) }
func (m *Metrics) IncUploadRejected() { m.uploadRejected.Add(1) }
func (m *Metrics) IncTelemetry()      { m.telemetryReceived.Add(1) }
func (m *Metrics) IncDecodeError()    { m.decodeErrors.Add(1) }
func (m *Metrics) IncMalformed()      { m.malformed.Add(1) }
func (m *Metrics) IncDuplicate()      { m.duplicates.Add(1) }
func (m *Metrics) IncOtaLog()         { m.otaLogLines.Add(1) }
func (m *Metrics) IncCommandSent()    { m.commandsSent.Add(1) }
func (m *Metrics) IncCommandRefused() { m.commandsRefused.Add(1) }
func (m *Metrics) AddStreamClient(n int64) {
	m.streamClients.Add(n)
}

// IncUpload records one stored artifact of size bytes.
func (m *Metrics) IncUpload(size int64) {
	m.uploads.Add(1)
	m.uploadBytes.Add(size)
}

// IncTrigger records a trigger outcome. Unknown outcomes are ignored.
func (m *Metrics) IncTrigger(outcome string) {
	if c, ok := m.triggers[outcome]; ok {
		c.Add(1)
	}
}

// SetRelayConnected records whether the relay's bus session is connected.
func (m *Metrics) SetRelayConnected(up bool) {
	if up {
		m.relayConnected.Store(1)
	} else {
		m.relayConnected.Store(0)
	}
}

// ObserveLatency records one request duration in a rolling window.
func (m *Metrics) ObserveLatency(d time.Duration) {
	m.latMu.Lock()
	defer m.latMu.Unlock()
	if len(m.latencies) < latencyWindow {
		m.latencies = append(m.latencies, d)
		return
	}
	m.latencies[m.latNext] = d
	m.latNext = (m.latNext + 1) % latencyWindow
}

// LatencySnapshot returns a copy of the rolling latency window.
func (m *Metrics) LatencySnapshot() []time.Duration {
	m.latMu.Lock()
	defer m.latMu.Unlock()
	out := make([]time.Duration, len(m.latencies))
	copy(out, m.latencies)
	return out
}

// GetMetrics returns a snapshot of the counters.
func (m *Metrics) GetMetrics() map[string]int64 {
	snap := map[string]int64{
		"request_count":      m.requestCount.Load(),
		"error_count":        m.errorCount.Load(),
		"upload_count":       m.uploads.Load(),
		"upload_rejected":    m.uploadRejected.Load(),
		"upload_bytes":       m.uploadBytes.Load(),
		"telemetry_received": m.telemetryReceived.Load(),
		"decode_errors":      m.decodeErrors.Load(),
		"malformed":          m.malformed.Load(),
		"duplicates":         m.duplicates.Load(),
		"ota_log_lines":      m.otaLogLines.Load(),
		"commands_sent":      m.commandsSent.Load(),
		"commands_refused":   m.commandsRefused.Load(),
		"relay_connected":    m.relayConnected.Load(),
		"stream_clients":     m.streamClients.Load(),
	}
	for o, c := range m.triggers {
		snap["trigger_"+o] = c.Load()
	}
	return snap
}
