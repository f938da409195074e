package relay

import (
	"context"
	"encoding/json"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/segmentio/kafka-go"

	"github.com/Peterbackson-desing/dashboard/pkg/model"
)

// Record is one inbound message handed to the sinks. Err is set for
// malformed payloads; Telemetry is the merged snapshot otherwise.
type Record struct {
	DeviceID   string
	Topic      string
	Payload    []byte
	Telemetry  model.Telemetry
	Err        error
	ReceivedAt time.Time
}

// Sink receives relay records off the message path.
type Sink interface {
	Name() string
	WriteTelemetry(ctx context.Context, rec Record) error
	WriteMalformed(ctx context.Context, rec Record) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink forwards raw telemetry keyed by device id, and malformed
// payloads to a dead-letter topic.
type KafkaSink struct {
	main messageWriter
	dlq  messageWriter
}

// NewKafkaSink creates writers for topic and dlqTopic. dlqTopic may be empty.
func NewKafkaSink(brokers []string, topic, dlqTopic string) *KafkaSink {
	balancer := &kafka.Hash{}
	s := &KafkaSink{
		main: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     balancer,
			BatchSize:    100,
			BatchTimeout: 50 * time.Millisecond,
			RequiredAcks: kafka.RequireAll,
		},
	}
	if dlqTopic != "" {
		s.dlq = &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        dlqTopic,
			Balancer:     balancer,
			BatchSize:    10,
			BatchTimeout: 50 * time.Millisecond,
			RequiredAcks: kafka.RequireAll,
		}
	}
	return s
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) WriteTelemetry(ctx context.Context, rec Record) error {
	return s.main.WriteMessages(ctx, kafka.Message{
		Key:   []byte(rec.DeviceID),
		Value: rec.Payload,
		Headers: []kafka.Header{
			{Key: "receivedAt", Value: []byte(rec.ReceivedAt.UTC().Format(time.RFC3339Nano))},
			{Key: "topic", Value: []byte(rec.Topic)},
		},
	})
}

// dlqEnvelope wraps a payload that could not be used. The original bytes are
// kept as a string since they are often not valid JSON.
type dlqEnvelope struct {
	Error      string `json:"error"`
	Original   string `json:"original"`
	Topic      string `json:"topic"`
	Device     string `json:"device"`
	ReceivedAt string `json:"receivedAt"`
}

func (s *KafkaSink) WriteMalformed(ctx context.Context, rec Record) error {
	if s.dlq == nil {
		return nil
	}
	env := dlqEnvelope{
		Original:   string(rec.Payload),
		Topic:      rec.Topic,
		Device:     rec.DeviceID,
		ReceivedAt: rec.ReceivedAt.UTC().Format(time.RFC3339Nano),
	}
	if rec.Err != nil {
		env.Error = rec.Err.Error()
	}
	buf, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.dlq.WriteMessages(ctx, kafka.Message{Key: []byte(rec.DeviceID), Value: buf})
}

func (s *KafkaSink) Close() error {
	err := s.main.Close()
	if s.dlq != nil {
		if derr := s.dlq.Close(); err == nil {
			err = derr
		}
	}
	return err
}

type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxSink writes one point per decoded frame to the telemetry measurement.
type InfluxSink struct {
	client influxdb2.Client
	w      pointWriter
}

func NewInfluxSink(url, token, org, bucket string) *InfluxSink {
	client := influxdb2.NewClient(url, token)
	return &InfluxSink{client: client, w: client.WriteAPIBlocking(org, bucket)}
}

func (s *InfluxSink) Name() string { return "influxdb" }

func (s *InfluxSink) WriteTelemetry(ctx context.Context, rec Record) error {
	return s.w.WritePoint(ctx, telemetryPoint(rec))
}

// WriteMalformed is a no-op; malformed payloads carry no fields to store.
func (s *InfluxSink) WriteMalformed(context.Context, Record) error { return nil }

func (s *InfluxSink) Close() error {
	if s.client != nil {
		s.client.Close()
	}
	return nil
}

func telemetryPoint(rec Record) *write.Point {
	t := rec.Telemetry
	tags := map[string]string{"device": rec.DeviceID}
	if t.Sensor != "" {
		tags["sensor"] = t.Sensor
	}
	fields := map[string]interface{}{
		"temperature": t.Temperature,
		"humidity":    t.Humidity,
		"vibrations":  t.Vibrations,
		"vibrating":   t.Vibrating,
		"state":       t.State,
		"manual":      t.Manual,
		"led":         int64(t.LED),
		"relay":       int64(t.Relay),
	}
	return write.NewPoint("telemetry", tags, fields, rec.ReceivedAt)
}
