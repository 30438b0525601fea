package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/mrs-core/internal/infrastructure/config"
)

// Client is the engine's connection to the device bus broker.
//
// Subscriptions are remembered and replayed on every reconnect because the
// session is clean. All methods are safe for concurrent use.
type Client struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig
	id     string
	topics Topics

	connected atomic.Bool

	mu           sync.RWMutex
	subs         map[string]subscription
	onConnect    func()
	onDisconnect func(err error)
	logger       Logger

	received      atomic.Uint64
	handlerErrors atomic.Uint64
	panics        atomic.Uint64
	connects      atomic.Uint64 // includes the initial connect
}

// Logger is the subset of logging.Logger the client uses.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

type subscription struct {
	qos     byte
	handler MessageHandler
}

// MessageHandler receives one message. Handlers run on paho goroutines and
// must not block. A returned error is logged and counted.
type MessageHandler func(topic string, payload []byte) error

// Stats are delivery counters since Connect.
type Stats struct {
	Received      uint64 `json:"received"`
	HandlerErrors uint64 `json:"handler_errors"`
	Panics        uint64 `json:"panics"`
	Reconnects    uint64 `json:"reconnects"`
	Subscriptions int    `json:"subscriptions"`
}

// Connect dials the broker. The LWT marks the core offline on the status
// topic if it disappears without Close.
func Connect(cfg config.MQTTConfig) (*Client, error) {
	c := &Client{
		cfg:    cfg,
		id:     clientID(cfg),
		topics: NewTopics(cfg.TopicPrefix),
		subs:   make(map[string]subscription),
	}

	opts := buildClientOptions(cfg, c.id)
	configureLWT(opts, c.topics, c.id)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.onConnected() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.onConnectionLost(err) })

	c.client = pahomqtt.NewClient(opts)
	if err := wait(c.client.Connect(), defaultConnectTimeout, ErrConnectionFailed); err != nil {
		return nil, err
	}

	// paho calls the connect handler on its own goroutine; callers may
	// subscribe before it runs.
	c.connected.Store(true)
	return c, nil
}

// Topics returns the topic builder for the configured prefix.
func (c *Client) Topics() Topics { return c.topics }

// ClientID returns the ID the client connected with.
func (c *Client) ClientID() string { return c.id }

// QoS returns the configured default QoS.
func (c *Client) QoS() byte {
	return byte(c.cfg.QoS) //nolint:gosec // validated to 0..2 by config
}

// Stats returns a snapshot of the delivery counters.
func (c *Client) Stats() Stats {
	return Stats{
		Received:      c.received.Load(),
		HandlerErrors: c.handlerErrors.Load(),
		Panics:        c.panics.Load(),
		Reconnects:    reconnects(c.connects.Load()),
		Subscriptions: c.SubscriptionCount(),
	}
}

func reconnects(connects uint64) uint64 {
	if connects == 0 {
		return 0
	}
	return connects - 1
}

func (c *Client) onConnected() {
	c.connected.Store(true)
	c.connects.Add(1)

	c.mu.RLock()
	subs := make(map[string]subscription, len(c.subs))
	for topic, s := range c.subs {
		subs[topic] = s
	}
	callback := c.onConnect
	c.mu.RUnlock()

	for topic, s := range subs {
		if err := wait(c.client.Subscribe(topic, s.qos, c.dispatch(s.handler)), defaultPublishTimeout, ErrSubscribeFailed); err != nil {
			c.logWarn("mqtt resubscribe failed", "topic", topic, "error", err)
		}
	}
	c.client.Publish(c.topics.Status(), c.QoS(), true, statusPayload("online", c.id, ""))

	if callback != nil {
		callback()
	}
}

func (c *Client) onConnectionLost(err error) {
	c.connected.Store(false)
	c.logWarn("mqtt connection lost", "error", err)

	c.mu.RLock()
	callback := c.onDisconnect
	c.mu.RUnlock()
	if callback != nil {
		callback(err)
	}
}

// Close publishes an offline status and disconnects.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	if c.IsConnected() {
		c.client.Publish(c.topics.Status(), c.QoS(), true,
			statusPayload("offline", c.id, "graceful_shutdown")).WaitTimeout(defaultPublishTimeout)
	}
	c.client.Disconnect(defaultDisconnectQuiesce)
	c.connected.Store(false)
	return nil
}

// HealthCheck reports ErrNotConnected when the broker link is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports whether both our state and paho's say connected.
func (c *Client) IsConnected() bool {
	return c.connected.Load() && c.client != nil && c.client.IsConnected()
}

// SetOnConnect sets a callback run after every (re)connect, once
// subscriptions are restored.
func (c *Client) SetOnConnect(callback func()) {
	c.mu.Lock()
	c.onConnect = callback
	c.mu.Unlock()
}

// SetOnDisconnect sets a callback for connection loss.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.mu.Lock()
	c.onDisconnect = callback
	c.mu.Unlock()
}

// SetLogger sets the logger for handler errors and panics.
func (c *Client) SetLogger(logger Logger) {
	c.mu.Lock()
	c.logger = logger
	c.mu.Unlock()
}

func (c *Client) logWarn(msg string, args ...any) {
	c.mu.RLock()
	l := c.logger
	c.mu.RUnlock()
	if l != nil {
		l.Warn(msg, args...)
	}
}

func (c *Client) logError(msg string, args ...any) {
	c.mu.RLock()
	l := c.logger
	c.mu.RUnlock()
	if l != nil {
		l.Error(msg, args...)
	}
}

// dispatch adapts a MessageHandler to paho, counting deliveries and
// containing handler panics so one bad message cannot kill the router.
func (c *Client) dispatch(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		c.deliver(handler, msg.Topic(), msg.Payload())
	}
}

func (c *Client) deliver(handler MessageHandler, topic string, payload []byte) {
	c.received.Add(1)
	defer func() {
		if r := recover(); r != nil {
			c.panics.Add(1)
			c.logError("mqtt handler panic recovered", "topic", topic, "panic", r)
		}
	}()
	if err := handler(topic, payload); err != nil {
		c.handlerErrors.Add(1)
		c.logWarn("mqtt handler returned error", "topic", topic, "error", err)
	}
}
