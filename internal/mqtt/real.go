package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	paho "github.com/eclipse/paho.mqtt.golang"
)

// ErrNotConnected is returned for unbuffered publishes while offline.
var ErrNotConnected = errors.New("mqtt: not connected")

// Options configures a RealClient.
type Options struct {
	Broker     string
	ClientID   string
	Username   string
	Password   string
	BufferSize int
	Topics     Topics

	// ConnectRetries bounds the initial connection attempts. Later
	// reconnects are handled by paho.
	ConnectRetries uint64
}

// RealClient publishes to and subscribes on an actual MQTT broker.
type RealClient struct {
	client paho.Client
	topics Topics

	mu     sync.Mutex
	buffer *ringBuffer
	birth  []Retained
	subs   map[string]Handler
}

// NewRealClient connects to the broker, retrying with exponential backoff.
// On every (re)connect it announces availability, republishes the birth
// messages, restores subscriptions and replays buffered state.
func NewRealClient(ctx context.Context, o Options) (*RealClient, error) {
	if o.BufferSize <= 0 {
		o.BufferSize = 256
	}
	if o.ConnectRetries == 0 {
		o.ConnectRetries = 5
	}

	c := &RealClient{
		topics: o.Topics,
		buffer: newRingBuffer(o.BufferSize),
		subs:   make(map[string]Handler),
	}

	opts := paho.NewClientOptions().
		AddBroker(o.Broker).
		SetClientID(o.ClientID).
		SetUsername(o.Username).
		SetPassword(o.Password).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(time.Minute).
		SetWill(o.Topics.Availability(), PayloadOffline, 1, true).
		SetOnConnectHandler(func(paho.Client) { c.onConnect() }).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Printf("mqtt: connection lost: %v", err)
		})
	c.client = paho.NewClient(opts)

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), o.ConnectRetries), ctx)
	err := backoff.Retry(func() error {
		token := c.client.Connect()
		if !token.WaitTimeout(10 * time.Second) {
			log.Printf("mqtt: connect to %s timed out", o.Broker)
			return fmt.Errorf("connection timeout")
		}
		if err := token.Error(); err != nil {
			log.Printf("mqtt: connect to %s: %v", o.Broker, err)
			return err
		}
		return nil
	}, bo)
	if err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	return c, nil
}

func (c *RealClient) onConnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	log.Printf("mqtt: connected")

	if err := c.publish(c.topics.Availability(), 1, true, []byte(PayloadOnline)); err != nil {
		log.Printf("mqtt: publish availability: %v", err)
	}
	for _, m := range c.birth {
		if err := c.publish(m.Topic, 1, true, m.Payload); err != nil {
			log.Printf("mqtt: publish %s: %v", m.Topic, err)
		}
	}
	for topic, h := range c.subs {
		if err := c.subscribe(topic, h); err != nil {
			log.Printf("mqtt: resubscribe %s: %v", topic, err)
		}
	}

	pending := c.buffer.drainAll()
	if len(pending) > 0 {
		log.Printf("mqtt: replaying %d buffered messages", len(pending))
	}
	for i, m := range pending {
		if err := c.publish(m.topic, m.qos, m.retained, m.payload); err != nil {
			// Keep the rest for the next connection.
			log.Printf("mqtt: replay failed: %v", err)
			for _, rest := range pending[i:] {
				c.buffer.push(rest)
			}
			return
		}
	}
}

// SetBirth sets the retained messages published on every connect and
// publishes them now if connected.
func (c *RealClient) SetBirth(msgs []Retained) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.birth = msgs
	if !c.client.IsConnectionOpen() {
		return
	}
	for _, m := range msgs {
		if err := c.publish(m.Topic, 1, true, m.Payload); err != nil {
			log.Printf("mqtt: publish %s: %v", m.Topic, err)
		}
	}
}

// PublishState publishes with QoS 0, buffering while offline.
func (c *RealClient) PublishState(topic string, payload []byte, retained bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.publishOrBuffer(bufferedMsg{topic: topic, payload: payload, retained: retained})
}

// PublishCommand publishes with QoS 0, not retained. It fails while offline.
func (c *RealClient) PublishCommand(topic string, payload []byte) error {
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	return c.publish(topic, 0, false, payload)
}

// PublishSystem sends a system lifecycle event with QoS 1, buffering while offline.
func (c *RealClient) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.publishOrBuffer(bufferedMsg{topic: c.topics.System(), payload: payload, qos: 1, retained: event.Retained})
}

// publishOrBuffer must be called with mu held.
func (c *RealClient) publishOrBuffer(m bufferedMsg) error {
	if !c.client.IsConnectionOpen() {
		c.buffer.push(m)
		return nil
	}
	if err := c.publish(m.topic, m.qos, m.retained, m.payload); err != nil {
		c.buffer.push(m)
		return err
	}
	return nil
}

func (c *RealClient) publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers h for topic. The subscription is restored after
// every reconnect.
func (c *RealClient) Subscribe(topic string, h Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.subs[topic] = h
	if !c.client.IsConnectionOpen() {
		return nil
	}
	return c.subscribe(topic, h)
}

func (c *RealClient) subscribe(topic string, h Handler) error {
	token := c.client.Subscribe(topic, 0, func(_ paho.Client, m paho.Message) {
		h(Message{Topic: m.Topic(), Payload: m.Payload()})
	})
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe %s: timeout", topic)
	}
	return token.Error()
}

// Unsubscribe removes the subscriptions for topics.
func (c *RealClient) Unsubscribe(topics ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, t := range topics {
		delete(c.subs, t)
	}
	if !c.client.IsConnectionOpen() || len(topics) == 0 {
		return nil
	}
	token := c.client.Unsubscribe(topics...)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("unsubscribe: timeout")
	}
	return token.Error()
}

// IsConnected reports whether the connection to the broker is up.
func (c *RealClient) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// Buffered returns the number of messages waiting for a connection.
func (c *RealClient) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffer.len()
}

// Close marks the daemon offline and disconnects from the broker.
func (c *RealClient) Close() error {
	if c.client.IsConnectionOpen() {
		if err := c.publish(c.topics.Availability(), 1, true, []byte(PayloadOffline)); err != nil {
			log.Printf("mqtt: publish offline: %v", err)
		}
	}
	c.client.Disconnect(1000) // 1 second timeout
	return nil
}
