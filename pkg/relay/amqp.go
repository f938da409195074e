package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultAMQPExchange is the topic exchange AMQPSink publishes to.
const DefaultAMQPExchange = "otad.telemetry"

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSink publishes telemetry to a topic exchange with routing keys
// "<device>.telemetry" and "<device>.malformed". The connection is dialled
// on first use and again after a publish fails.
type AMQPSink struct {
	url      string
	exchange string
	dial     func(url, exchange string) (amqpChannel, func() error, error)

	mu       sync.Mutex
	ch       amqpChannel
	closeCon func() error
	closed   bool
}

// NewAMQPSink returns a sink for the broker at url. exchange defaults to
// DefaultAMQPExchange.
func NewAMQPSink(url, exchange string) *AMQPSink {
	if exchange == "" {
		exchange = DefaultAMQPExchange
	}
	return &AMQPSink{url: url, exchange: exchange, dial: dialAMQP}
}

func dialAMQP(url, exchange string) (amqpChannel, func() error, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("amqp declare exchange %q: %w", exchange, err)
	}
	return ch, conn.Close, nil
}

func (s *AMQPSink) Name() string { return "amqp" }

func (s *AMQPSink) WriteTelemetry(ctx context.Context, rec Record) error {
	return s.publish(ctx, rec.DeviceID+".telemetry", amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   rec.ReceivedAt,
		Headers:     amqp.Table{"topic": rec.Topic},
		Body:        rec.Payload,
	})
}

func (s *AMQPSink) WriteMalformed(ctx context.Context, rec Record) error {
	env := dlqEnvelope{
		Original:   string(rec.Payload),
		Topic:      rec.Topic,
		Device:     rec.DeviceID,
		ReceivedAt: rec.ReceivedAt.UTC().Format(time.RFC3339Nano),
	}
	if rec.Err != nil {
		env.Error = rec.Err.Error()
	}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.publish(ctx, rec.DeviceID+".malformed", amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   rec.ReceivedAt,
		Body:        body,
	})
}

func (s *AMQPSink) publish(ctx context.Context, key string, msg amqp.Publishing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("amqp sink closed")
	}
	if s.ch == nil {
		ch, closeCon, err := s.dial(s.url, s.exchange)
		if err != nil {
			return err
		}
		s.ch, s.closeCon = ch, closeCon
	}
	if err := s.ch.PublishWithContext(ctx, s.exchange, key, false, false, msg); err != nil {
		s.reset()
		return fmt.Errorf("amqp publish %q: %w", key, err)
	}
	return nil
}

// reset drops the current connection; s.mu must be held.
func (s *AMQPSink) reset() error {
	var err error
	if s.ch != nil {
		err = s.ch.Close()
	}
	if s.closeCon != nil {
		if cerr := s.closeCon(); err == nil {
			err = cerr
		}
	}
	s.ch, s.closeCon = nil, nil
	return err
}

func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.reset()
}
