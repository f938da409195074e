// Package bustest provides an in-process fake MQTT broker for testing code
// built on bus.Session.
package bustest

import (
	"errors"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/Peterbackson-desing/dashboard/pkg/bus"
)

var (
	errNotConnected   = errors.New("bustest: not connected")
	errConnectAborted = errors.New("bustest: connect aborted by disconnect")
)

// Published records one accepted publication.
type Published struct {
	ClientID string
	Topic    string
	QoS      byte
	Payload  []byte
}

// Broker routes publications between the fake clients it creates.
type Broker struct {
	mu          sync.Mutex
	clients     []*Client
	connectErrs []error
	connectErr  error
	holdConnect bool
	pending     []*Client
	aborted     int
	holdPublish bool
	publishErr  error
	published   []Published
	connects    int
	connectedAt []time.Time
}

// NewBroker returns an empty broker that accepts every connection.
func NewBroker() *Broker {
	return &Broker{}
}

// Factory returns a bus.ClientFactory producing clients of this broker.
func (b *Broker) Factory() bus.ClientFactory {
	return func(opts *mqtt.ClientOptions) bus.Client {
		c := &Client{b: b, opts: opts, subs: make(map[string]mqtt.MessageHandler)}
		b.mu.Lock()
		b.clients = append(b.clients, c)
		b.mu.Unlock()
		return c
	}
}

// FailConnects queues results for the next connection attempts; nil entries
// succeed. Once the queue is drained SetConnectError applies.
func (b *Broker) FailConnects(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectErrs = append(b.connectErrs, errs...)
}

// SetConnectError makes every later connection attempt fail with err.
func (b *Broker) SetConnectError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectErr = err
}

// HoldConnects leaves later connection attempts in flight until
// ReleaseConnects, like a broker that is slow to send CONNACK.
func (b *Broker) HoldConnects(hold bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.holdConnect = hold
}

// ReleaseConnects sends the CONNACK for every held attempt that has not
// been aborted. It returns the number of clients that became connected.
func (b *Broker) ReleaseConnects() int {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()

	n := 0
	for _, c := range pending {
		b.mu.Lock()
		tok := c.connecting
		c.connecting = nil
		if tok != nil {
			c.connected = true
			n++
		}
		b.mu.Unlock()
		if tok != nil {
			tok.complete(nil)
		}
	}
	return n
}

// AbortedConnects returns how many in-flight attempts were cancelled by
// Disconnect.
func (b *Broker) AbortedConnects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.aborted
}

// HoldPublishes makes publish tokens never complete.
func (b *Broker) HoldPublishes(hold bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.holdPublish = hold
}

// FailPublishes makes publish tokens complete with err.
func (b *Broker) FailPublishes(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

// Published returns a copy of every accepted publication.
func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Published, len(b.published))
	copy(out, b.published)
	return out
}

// Connects returns the number of connection attempts seen.
func (b *Broker) Connects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

// ConnectTimes returns when each connection attempt was made.
func (b *Broker) ConnectTimes() []time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]time.Time, len(b.connectedAt))
	copy(out, b.connectedAt)
	return out
}

// OpenClients returns the number of clients currently connected.
func (b *Broker) OpenClients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.clients {
		if c.connected {
			n++
		}
	}
	return n
}

// Subscribed reports whether any connected client subscribes to topic.
func (b *Broker) Subscribed(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.clients {
		if _, ok := c.subs[topic]; ok && c.connected {
			return true
		}
	}
	return false
}

// Inject delivers payload on topic to every connected subscriber, as if a
// device had published it. Delivery is synchronous.
func (b *Broker) Inject(topic string, payload []byte, duplicate bool) {
	b.deliver(topic, payload, duplicate)
}

// DropAll severs every open connection and reports err to the clients'
// connection-lost handlers.
func (b *Broker) DropAll(err error) {
	b.mu.Lock()
	var dropped []*Client
	for _, c := range b.clients {
		if c.connected {
			c.connected = false
			c.subs = make(map[string]mqtt.MessageHandler)
			dropped = append(dropped, c)
		}
	}
	b.mu.Unlock()
	for _, c := range dropped {
		if c.opts.OnConnectionLost != nil {
			go c.opts.OnConnectionLost(nil, err)
		}
	}
}

func (b *Broker) deliver(topic string, payload []byte, duplicate bool) {
	b.mu.Lock()
	var handlers []mqtt.MessageHandler
	for _, c := range b.clients {
		if h, ok := c.subs[topic]; ok && c.connected {
			handlers = append(handlers, h)
		}
	}
	b.mu.Unlock()
	for _, h := range handlers {
		h(nil, &message{topic: topic, payload: payload, dup: duplicate, qos: 1})
	}
}

// Client is a fake bus.Client attached to a Broker.
type Client struct {
	b          *Broker
	opts       *mqtt.ClientOptions
	connected  bool
	connecting *Token
	subs       map[string]mqtt.MessageHandler
}

// Connect implements bus.Client.
func (c *Client) Connect() mqtt.Token {
	b := c.b
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connects++
	b.connectedAt = append(b.connectedAt, time.Now())

	err := b.connectErr
	if len(b.connectErrs) > 0 {
		err = b.connectErrs[0]
		b.connectErrs = b.connectErrs[1:]
	}
	if err == nil && b.holdConnect {
		c.connecting = &Token{done: make(chan struct{})}
		b.pending = append(b.pending, c)
		return c.connecting
	}
	if err == nil {
		c.connected = true
	}
	return completed(err)
}

// Disconnect implements bus.Client. An attempt still waiting for its
// CONNACK is aborted and its token fails.
func (c *Client) Disconnect(uint) {
	c.b.mu.Lock()
	tok := c.connecting
	c.connecting = nil
	if tok != nil {
		c.b.aborted++
	}
	c.connected = false
	c.subs = make(map[string]mqtt.MessageHandler)
	c.b.mu.Unlock()
	if tok != nil {
		tok.complete(errConnectAborted)
	}
}

// Publish implements bus.Client.
func (c *Client) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	b := c.b
	b.mu.Lock()
	if !c.connected {
		b.mu.Unlock()
		return completed(errNotConnected)
	}
	if b.holdPublish {
		b.mu.Unlock()
		return &Token{done: make(chan struct{})}
	}
	if b.publishErr != nil {
		err := b.publishErr
		b.mu.Unlock()
		return completed(err)
	}
	var data []byte
	switch p := payload.(type) {
	case []byte:
		data = append([]byte(nil), p...)
	case string:
		data = []byte(p)
	}
	b.published = append(b.published, Published{ClientID: c.opts.ClientID, Topic: topic, QoS: qos, Payload: data})
	b.mu.Unlock()

	b.deliver(topic, data, false)
	return completed(nil)
}

// Subscribe implements bus.Client.
func (c *Client) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if !c.connected {
		return completed(errNotConnected)
	}
	c.subs[topic] = callback
	return completed(nil)
}

// Token is a fake mqtt.Token.
type Token struct {
	done chan struct{}
	err  error
}

func completed(err error) *Token {
	t := &Token{done: make(chan struct{})}
	t.complete(err)
	return t
}

func (t *Token) complete(err error) {
	t.err = err
	close(t.done)
}

func (t *Token) Wait() bool {
	<-t.done
	return true
}

func (t *Token) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *Token) Done() <-chan struct{} { return t.done }

func (t *Token) Error() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

type message struct {
	topic   string
	payload []byte
	dup     bool
	qos     byte
}

func (m *message) Duplicate() bool   { return m.dup }
func (m *message) Qos() byte         { return m.qos }
func (m *message) Retained() bool    { return false }
func (m *message) Topic() string     { return m.topic }
func (m *message) MessageID() uint16 { return 1 }
func (m *message) Payload() []byte   { return m.payload }
func (m *message) Ack()              {}
