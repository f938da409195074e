// Package bus manages MQTT broker sessions. A Session is an explicit value
// with a watchable connection state; each one owns its own paho client and
// event loop.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/google/uuid"
)

var (
	ErrConnectFailure = errors.New("bus: connect failed")
	ErrAuthRejected   = errors.New("bus: broker rejected session")
	ErrPublishFailure = errors.New("bus: publish failed")
	ErrTimeout        = errors.New("bus: timed out")
	ErrNotConnected   = errors.New("bus: not connected")
	ErrClosed         = errors.New("bus: session closed")
)

// State is the connection state of a Session.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Faulted
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Faulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Client is the subset of mqtt.Client a Session drives.
type Client interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
}

// ClientFactory builds the client for a session from its options.
type ClientFactory func(*mqtt.ClientOptions) Client

// PahoFactory creates real paho clients.
func PahoFactory(opts *mqtt.ClientOptions) Client {
	return mqtt.NewClient(opts)
}

// Message is an inbound publication.
type Message struct {
	Topic     string
	Payload   []byte
	QoS       byte
	Duplicate bool
	Retained  bool
	ID        uint16
}

// Handler receives messages for a subscription. Handlers run on paho's
// delivery goroutine and must not call Close.
type Handler func(Message)

const (
	DefaultRetryInterval  = 5 * time.Second
	DefaultConnectTimeout = 30 * time.Second
	DefaultKeepAlive      = 30 * time.Second
)

// Config describes one broker session.
type Config struct {
	BrokerURL string
	ClientID  string
	// ClientIDPrefix is used to generate ClientID when it is empty.
	ClientIDPrefix string
	Username       string
	Password       string

	// Reconnect selects the long-lived behaviour: transport loss moves the
	// session to Reconnecting and it retries every RetryInterval. Without it
	// the first transport failure ends the session in Disconnected.
	Reconnect      bool
	RetryInterval  time.Duration
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
	// Quiesce is how long Disconnect waits for in-flight work.
	Quiesce time.Duration
	// PersistentSession asks the broker to keep subscriptions and queued
	// QoS 1 messages across connections.
	PersistentSession bool

	Factory ClientFactory
	Logger  *slog.Logger
}

func (c *Config) setDefaults() {
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = DefaultKeepAlive
	}
	if c.ClientID == "" {
		prefix := c.ClientIDPrefix
		if prefix == "" {
			prefix = "otad"
		}
		c.ClientID = prefix + "_" + uuid.NewString()[:8]
	}
	if c.Factory == nil {
		c.Factory = PahoFactory
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type subscription struct {
	qos     byte
	handler Handler
}

// Session is one broker connection and its lifecycle.
type Session struct {
	cfg    Config
	client Client
	logger *slog.Logger

	lost   chan error
	closed chan struct{}
	done   chan struct{}

	mu       sync.Mutex
	state    State
	err      error
	changed  chan struct{}
	watchers []chan State
	stopped  bool
	subs     map[string]subscription

	// cbMu is held for reading while a handler runs and for writing by
	// Close, so no handler is running or starts after Close returns.
	cbMu      sync.RWMutex
	isClosed  bool
	closeOnce sync.Once
}

// Open creates a session and starts connecting in the background.
func Open(cfg Config) *Session {
	cfg.setDefaults()
	s := &Session{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "bus", "client_id", cfg.ClientID),
		lost:    make(chan error, 1),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
		changed: make(chan struct{}),
		subs:    make(map[string]subscription),
		state:   Disconnected,
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetOrderMatters(true).
		SetCleanSession(!cfg.PersistentSession).
		SetKeepAlive(cfg.KeepAlive).
		SetPingTimeout(10 * time.Second).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAutoReconnect(false).
		SetConnectRetry(false)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		select {
		case s.lost <- err:
		default:
		}
	})

	s.client = cfg.Factory(opts)
	go s.run()
	return s
}

// ClientID returns the MQTT client identifier in use.
func (s *Session) ClientID() string { return s.cfg.ClientID }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error behind the latest non-connected state, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Watch returns a channel that receives the latest state after every
// transition. Intermediate states may be skipped by slow readers. The
// channel is closed once the session stops, after its final state.
func (s *Session) Watch() <-chan State {
	ch := make(chan State, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	ch <- s.state
	if s.stopped {
		close(ch)
		return ch
	}
	s.watchers = append(s.watchers, ch)
	return ch
}

// WaitConnected blocks until the session is Connected. It fails with the
// session error once the session can no longer connect, or with ErrTimeout
// when ctx expires.
func (s *Session) WaitConnected(ctx context.Context) error {
	for {
		s.mu.Lock()
		state, err, changed, finished := s.state, s.err, s.changed, s.stopped
		s.mu.Unlock()

		switch {
		case state == Connected:
			return nil
		case state == Faulted:
			return err
		case finished:
			if err == nil {
				err = ErrClosed
			}
			return err
		}

		select {
		case <-changed:
		case <-s.done:
		case <-ctx.Done():
			return ctxErr(ctx)
		}
	}
}

// Subscribe registers handler for topic. The subscription is restored after
// every reconnect.
func (s *Session) Subscribe(ctx context.Context, topic string, qos byte, handler Handler) error {
	if s.State() != Connected {
		return ErrNotConnected
	}
	s.mu.Lock()
	s.subs[topic] = subscription{qos: qos, handler: handler}
	s.mu.Unlock()

	tok := s.client.Subscribe(topic, qos, s.deliver(handler))
	return s.await(ctx, tok, ErrConnectFailure)
}

// Publish sends payload to topic and waits for the broker acknowledgement
// required by qos.
func (s *Session) Publish(ctx context.Context, topic string, payload []byte, qos byte) error {
	if s.State() != Connected {
		return ErrNotConnected
	}
	tok := s.client.Publish(topic, qos, false, payload)
	return s.await(ctx, tok, ErrPublishFailure)
}

// Close ends the session. It is safe to call more than once and from any
// goroutine except a message handler.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		<-s.done

		s.cbMu.Lock()
		s.isClosed = true
		s.cbMu.Unlock()
	})
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Done is closed when the event loop has exited, either because Close was
// called or because the session reached a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) run() {
	defer func() {
		s.mu.Lock()
		s.stopped = true
		for _, w := range s.watchers {
			close(w)
		}
		s.watchers = nil
		s.mu.Unlock()
		close(s.done)
	}()

	for {
		s.setState(Connecting, nil)
		err := s.connect()
		if s.Closed() {
			s.shutdown()
			return
		}

		if err == nil {
			s.logger.Info("connected", "broker", s.cfg.BrokerURL)
			if err = s.restoreSubscriptions(); err == nil {
				s.setState(Connected, nil)
				select {
				case err = <-s.lost:
					s.logger.Warn("connection lost", "error", err)
				case <-s.closed:
					s.shutdown()
					return
				}
			}
			if s.Closed() {
				s.shutdown()
				return
			}
			s.client.Disconnect(0)
			err = fmt.Errorf("%w: %v", ErrConnectFailure, err)
		} else if isRejection(err) {
			s.logger.Error("broker rejected connection", "error", err)
			s.setState(Faulted, fmt.Errorf("%w: %v", ErrAuthRejected, err))
			return
		} else {
			s.logger.Warn("connect failed", "broker", s.cfg.BrokerURL, "error", err)
			err = fmt.Errorf("%w: %v", ErrConnectFailure, err)
		}

		if !s.cfg.Reconnect {
			s.setState(Disconnected, err)
			return
		}

		s.setState(Reconnecting, err)
		t := time.NewTimer(s.cfg.RetryInterval)
		select {
		case <-t.C:
		case <-s.closed:
			t.Stop()
			s.shutdown()
			return
		}
	}
}

func (s *Session) connect() error {
	// Drop a loss signal left over from the previous connection.
	select {
	case <-s.lost:
	default:
	}

	tok := s.client.Connect()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-s.closed:
		return ErrClosed
	}
}

func (s *Session) restoreSubscriptions() error {
	s.mu.Lock()
	subs := make(map[string]subscription, len(s.subs))
	for k, v := range s.subs {
		subs[k] = v
	}
	s.mu.Unlock()

	for topic, sub := range subs {
		tok := s.client.Subscribe(topic, sub.qos, s.deliver(sub.handler))
		select {
		case <-tok.Done():
			if err := tok.Error(); err != nil {
				return fmt.Errorf("resubscribe %s: %w", topic, err)
			}
		case <-s.closed:
			return ErrClosed
		}
	}
	return nil
}

// shutdown disconnects unconditionally: a CONNECT still in flight reports
// the connection as not open, and only Disconnect aborts it before the
// CONNACK arrives.
func (s *Session) shutdown() {
	s.client.Disconnect(uint(s.cfg.Quiesce / time.Millisecond))
	s.setState(Disconnected, nil)
	s.logger.Debug("session closed")
}

func (s *Session) deliver(h Handler) mqtt.MessageHandler {
	return func(_ mqtt.Client, m mqtt.Message) {
		s.cbMu.RLock()
		defer s.cbMu.RUnlock()
		if s.isClosed || s.Closed() {
			return
		}
		h(Message{
			Topic:     m.Topic(),
			Payload:   m.Payload(),
			QoS:       m.Qos(),
			Duplicate: m.Duplicate(),
			Retained:  m.Retained(),
			ID:        m.MessageID(),
		})
	}
}

func (s *Session) await(ctx context.Context, tok mqtt.Token, failure error) error {
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return fmt.Errorf("%w: %v", failure, err)
		}
		return nil
	case <-ctx.Done():
		return ctxErr(ctx)
	case <-s.closed:
		return ErrClosed
	}
}

func (s *Session) setState(state State, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == state && err == nil && state != Connecting {
		return
	}
	prev := s.state
	s.state = state
	s.err = err
	close(s.changed)
	s.changed = make(chan struct{})

	for _, w := range s.watchers {
		select {
		case <-w:
		default:
		}
		w <- state
	}
	if prev != state {
		s.logger.Debug("state change", "from", prev.String(), "to", state.String())
	}
}

// isRejection reports whether err is a CONNACK refusal that retrying with the
// same credentials cannot fix.
func isRejection(err error) bool {
	for _, target := range []error{
		packets.ErrorRefusedBadUsernameOrPassword,
		packets.ErrorRefusedNotAuthorised,
		packets.ErrorRefusedBadProtocolVersion,
		packets.ErrorRefusedIDRejected,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func ctxErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ctx.Err()
}
