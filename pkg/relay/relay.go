// Package relay keeps the long-lived telemetry channel to a device. It
// merges telemetry frames into a snapshot, buffers recent history and OTA
// progress lines, forwards operator commands and fans events out to live
// subscribers and optional sinks.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Peterbackson-desing/dashboard/pkg/bus"
	"github.com/Peterbackson-desing/dashboard/pkg/model"
	"github.com/Peterbackson-desing/dashboard/pkg/observability"
)

var (
	// ErrNotConnected is returned by SendCommand while the channel is down.
	// Commands are never queued.
	ErrNotConnected   = bus.ErrNotConnected
	ErrInvalidCommand = errors.New("relay: invalid command")
)

const (
	DefaultCommandTimeout = 10 * time.Second
	defaultSinkQueue      = 256
	subscriberBuffer      = 32
)

// ConnectionSignal maps a bus state to the value shown to operators.
func ConnectionSignal(s bus.State) string {
	switch s {
	case bus.Connected:
		return model.ConnConnected
	case bus.Connecting, bus.Reconnecting:
		return model.ConnConnecting
	case bus.Faulted:
		return model.ConnError
	default:
		return model.ConnDisconnected
	}
}

// ValidateCommand checks an operator command. led and relay take a value of
// 0 or 1; auto and test_sequence take none.
func ValidateCommand(action string, value *int) error {
	switch action {
	case "led", "relay":
		if value == nil || (*value != 0 && *value != 1) {
			return fmt.Errorf("%w: %s requires value 0 or 1", ErrInvalidCommand, action)
		}
	case "auto", "test_sequence":
		if value != nil {
			return fmt.Errorf("%w: %s takes no value", ErrInvalidCommand, action)
		}
	case "":
		return fmt.Errorf("%w: action is required", ErrInvalidCommand)
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidCommand, action)
	}
	return nil
}

// Config configures a Relay.
type Config struct {
	// Bus is the session template. Reconnect is forced on.
	Bus      bus.Config
	DeviceID string

	HistorySize    int
	OtaLogSize     int
	CommandTimeout time.Duration
	// SinkQueue bounds records waiting for the sinks; overflow is dropped.
	SinkQueue int
	Sinks     []Sink
}

// Event is pushed to live subscribers.
type Event struct {
	Type       string            `json:"type"`
	Time       time.Time         `json:"time"`
	Telemetry  *model.Telemetry  `json:"telemetry,omitempty"`
	OtaLog     *model.OtaLogLine `json:"otaLog,omitempty"`
	Connection string            `json:"connection,omitempty"`
}

const (
	EventTelemetry  = "telemetry"
	EventOtaLog     = "ota_log"
	EventConnection = "connection"
)

// Stats counts what the relay has seen since it started.
type Stats struct {
	Received        int64 `json:"received"`
	DecodeErrors    int64 `json:"decodeErrors"`
	Malformed       int64 `json:"malformed"`
	Duplicates      int64 `json:"duplicates"`
	OtaLogLines     int64 `json:"otaLogLines"`
	CommandsSent    int64 `json:"commandsSent"`
	CommandsRefused int64 `json:"commandsRefused"`
	SinkDropped     int64 `json:"sinkDropped"`
}

// Snapshot is a consistent copy of the relay state.
type Snapshot struct {
	Device     string               `json:"device"`
	Connection string               `json:"connection"`
	Telemetry  model.Telemetry      `json:"telemetry"`
	History    []model.HistoryEntry `json:"history"`
	OtaLogs    []model.OtaLogLine   `json:"otaLogs"`
	Stats      Stats                `json:"stats"`
}

// Relay owns the device channel.
type Relay struct {
	cfg     Config
	metrics *observability.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu          sync.Mutex
	session     *bus.Session
	connection  string
	telemetry   model.Telemetry
	lastPayload []byte
	history     *Ring[model.HistoryEntry]
	otaLogs     *Ring[model.OtaLogLine]

	received, decodeErrors, malformed, duplicates atomic.Int64
	otaLines, sent, refused, sinkDropped          atomic.Int64

	hub   hub
	sinkQ chan Record
}

// New returns a Relay for cfg.DeviceID. Run starts it. metrics may be nil.
func New(cfg Config, metrics *observability.Metrics, logger *slog.Logger) (*Relay, error) {
	if !model.ValidDeviceID(cfg.DeviceID) {
		return nil, fmt.Errorf("relay: invalid device id %q", cfg.DeviceID)
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = HistorySize
	}
	if cfg.OtaLogSize <= 0 {
		cfg.OtaLogSize = OtaLogSize
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.SinkQueue <= 0 {
		cfg.SinkQueue = defaultSinkQueue
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	cfg.Bus.Reconnect = true
	if cfg.Bus.ClientIDPrefix == "" {
		cfg.Bus.ClientIDPrefix = "relay"
	}
	cfg.Bus.Logger = logger

	r := &Relay{
		cfg:        cfg,
		metrics:    metrics,
		logger:     logger.With("component", "relay", "device", cfg.DeviceID),
		now:        time.Now,
		connection: model.ConnDisconnected,
		history:    NewRing[model.HistoryEntry](cfg.HistorySize),
		otaLogs:    NewRing[model.OtaLogLine](cfg.OtaLogSize),
		hub:        hub{subs: make(map[chan Event]struct{})},
	}
	r.telemetry = model.DefaultTelemetry(r.now())
	if len(cfg.Sinks) > 0 {
		r.sinkQ = make(chan Record, cfg.SinkQueue)
	}
	return r, nil
}

// DeviceID returns the device this relay is bound to.
func (r *Relay) DeviceID() string { return r.cfg.DeviceID }

// Run opens the device session and keeps it until ctx is done. Connection
// failures only change the connection signal; Run returns nil when ctx ends.
func (r *Relay) Run(ctx context.Context) error {
	sess := bus.Open(r.cfg.Bus)
	r.mu.Lock()
	r.session = sess
	r.mu.Unlock()
	defer func() {
		sess.Close()
		r.setConnection(model.ConnDisconnected)
	}()

	var wg sync.WaitGroup
	if r.sinkQ != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.drainSinks(ctx)
		}()
	}
	defer wg.Wait()

	topic := model.TelemetryTopic(r.cfg.DeviceID)
	subscribed := false
	states := sess.Watch()
	for {
		select {
		case <-ctx.Done():
			return nil
		case st, ok := <-states:
			if !ok {
				// The session stopped on its own, which only happens when the
				// broker refused the credentials.
				if err := sess.Err(); err != nil {
					r.logger.Error("relay stopped", "error", err)
				}
				<-ctx.Done()
				return nil
			}
			r.setConnection(ConnectionSignal(st))
			if st != bus.Connected || subscribed {
				continue
			}
			err := sess.Subscribe(ctx, topic, 1, r.handle)
			switch {
			case err == nil:
				subscribed = true
				r.logger.Info("subscribed", "topic", topic)
			case errors.Is(err, bus.ErrNotConnected):
				// Lost before subscribing; retried on the next connect.
			default:
				// Registered with the session, restored on reconnect.
				subscribed = true
				r.logger.Warn("subscribe failed", "topic", topic, "error", err)
			}
		}
	}
}

// Connection returns the current connection signal.
func (r *Relay) Connection() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connection
}

func (r *Relay) setConnection(c string) {
	r.mu.Lock()
	changed := r.connection != c
	r.connection = c
	r.mu.Unlock()
	if !changed {
		return
	}
	r.metrics.SetRelayConnected(c == model.ConnConnected)
	r.logger.Info("connection", "state", c)
	r.hub.broadcast(Event{Type: EventConnection, Time: r.now(), Connection: c})
}

// SendCommand publishes an operator command to the device at QoS 1. It fails
// with ErrNotConnected while the channel is down.
func (r *Relay) SendCommand(ctx context.Context, action string, value *int) (*model.Command, error) {
	if err := ValidateCommand(action, value); err != nil {
		return nil, err
	}
	cmd := &model.Command{Action: action, Value: value}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	sess := r.session
	r.mu.Unlock()
	if sess == nil || sess.State() != bus.Connected {
		r.refuse(action)
		return nil, ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.CommandTimeout)
	defer cancel()
	if err := sess.Publish(ctx, model.CommandTopic(r.cfg.DeviceID), payload, 1); err != nil {
		if errors.Is(err, bus.ErrNotConnected) || errors.Is(err, bus.ErrClosed) {
			r.refuse(action)
			return nil, ErrNotConnected
		}
		return nil, err
	}
	r.sent.Add(1)
	r.metrics.IncCommandSent()
	r.logger.Info("command sent", "action", action)
	return cmd, nil
}

func (r *Relay) refuse(action string) {
	r.refused.Add(1)
	r.metrics.IncCommandRefused()
	r.logger.Warn("command refused, not connected", "action", action)
}

// Snapshot returns a copy of the current state.
func (r *Relay) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		Device:     r.cfg.DeviceID,
		Connection: r.connection,
		Telemetry:  r.telemetry,
		History:    r.history.Items(),
		OtaLogs:    r.otaLogs.Items(),
		Stats: Stats{
			Received:        r.received.Load(),
			DecodeErrors:    r.decodeErrors.Load(),
			Malformed:       r.malformed.Load(),
			Duplicates:      r.duplicates.Load(),
			OtaLogLines:     r.otaLines.Load(),
			CommandsSent:    r.sent.Load(),
			CommandsRefused: r.refused.Load(),
			SinkDropped:     r.sinkDropped.Load(),
		},
	}
}

// Subscribe registers a live event listener. Events are dropped for a
// listener that falls behind. The returned func unregisters it.
func (r *Relay) Subscribe() (<-chan Event, func()) {
	return r.hub.add(subscriberBuffer)
}

// handle processes one message on the telemetry topic. Decoding and OTA log
// classification are independent: a message may be both or neither.
func (r *Relay) handle(msg bus.Message) {
	received := r.now()
	r.received.Add(1)
	r.metrics.IncTelemetry()

	var (
		telemetry *model.Telemetry
		logLine   *model.OtaLogLine
	)
	frame, decodeErr := Decode(msg.Payload)
	line := string(bytes.TrimSpace(msg.Payload))
	tag, isLog := Classify(line)

	r.mu.Lock()
	if msg.Duplicate && bytes.Equal(msg.Payload, r.lastPayload) {
		r.mu.Unlock()
		r.duplicates.Add(1)
		r.metrics.IncDuplicate()
		return
	}
	r.lastPayload = append(r.lastPayload[:0], msg.Payload...)
	if decodeErr == nil {
		r.telemetry = Merge(r.telemetry, frame, received)
		t := r.telemetry
		telemetry = &t
		r.history.Push(model.HistoryEntry{
			Time:       received,
			Temp:       t.Temperature,
			Hum:        t.Humidity,
			Vibrations: t.Vibrations,
			State:      t.State,
		})
	}
	if isLog {
		logLine = &model.OtaLogLine{Time: received, Line: line, Tag: tag}
		r.otaLogs.Push(*logLine)
	}
	r.mu.Unlock()

	if decodeErr != nil {
		r.decodeErrors.Add(1)
		r.metrics.IncDecodeError()
	}
	if telemetry != nil {
		r.hub.broadcast(Event{Type: EventTelemetry, Time: received, Telemetry: telemetry})
		r.enqueue(Record{DeviceID: r.cfg.DeviceID, Topic: msg.Topic, Payload: msg.Payload, Telemetry: *telemetry, ReceivedAt: received})
	}
	if logLine != nil {
		r.otaLines.Add(1)
		r.metrics.IncOtaLog()
		r.hub.broadcast(Event{Type: EventOtaLog, Time: received, OtaLog: logLine})
	}
	if decodeErr != nil && !isLog {
		r.malformed.Add(1)
		r.metrics.IncMalformed()
		r.logger.Debug("malformed message dropped", "topic", msg.Topic, "error", decodeErr)
		r.enqueue(Record{DeviceID: r.cfg.DeviceID, Topic: msg.Topic, Payload: msg.Payload, Err: decodeErr, ReceivedAt: received})
	}
}

func (r *Relay) enqueue(rec Record) {
	if r.sinkQ == nil {
		return
	}
	rec.Payload = append([]byte(nil), rec.Payload...)
	select {
	case r.sinkQ <- rec:
	default:
		r.sinkDropped.Add(1)
		r.logger.Warn("sink queue full, record dropped", "topic", rec.Topic)
	}
}

func (r *Relay) drainSinks(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-r.sinkQ:
			for _, s := range r.cfg.Sinks {
				var err error
				if rec.Err != nil {
					err = s.WriteMalformed(ctx, rec)
				} else {
					err = s.WriteTelemetry(ctx, rec)
				}
				if err != nil && ctx.Err() == nil {
					r.logger.Warn("sink write failed", "sink", s.Name(), "error", err)
				}
			}
		}
	}
}

type hub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func (h *hub) add(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *hub) broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
