package mqtt

import (
	"context"
	"fmt"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-agent/internal/infrastructure/config"
)

// inboundBuffer bounds the messages received but not yet handled.
const inboundBuffer = 1024

// Client is the agent's connection to the local broker.
//
// The agent's health is published retained on the health topic on every
// (re)connection, and the broker replaces it with "down" if the agent
// disappears. Subscriptions survive reconnections. Received messages are
// handled one at a time, in arrival order, by a single dispatcher
// goroutine. All methods are safe for concurrent use.
type Client struct {
	client      pahomqtt.Client
	healthTopic string

	subMu         sync.RWMutex
	subscriptions map[string]subscription

	// mu guards the connection flag, callbacks and logger.
	mu           sync.RWMutex
	connected    bool
	onConnect    func()
	onDisconnect func(err error)
	logger       Logger

	inbound   chan delivery
	closeOnce sync.Once
	dispatchW sync.WaitGroup
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

type delivery struct {
	handler MessageHandler
	topic   string
	payload []byte
}

// MessageHandler handles one received message. The payload of a cleared
// retained message is empty. Handlers run on the client's dispatcher,
// never on the paho network goroutines, so a handler may publish and wait
// for the acknowledgment. A returned error is logged.
type MessageHandler func(topic string, payload []byte) error

// Connect connects to the broker, waiting up to defaultConnectTimeout for
// the first connection. A non-empty healthTopic gets the "up" status on
// every connection and the "down" status as will.
func Connect(cfg config.MQTTConfig, healthTopic string) (*Client, error) {
	opts, err := buildClientOptions(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	if healthTopic != "" {
		configureLWT(opts, healthTopic)
	}

	c := newClient(healthTopic)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.handleConnect() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.handleDisconnect(err) })

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		c.stopDispatcher()
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		c.stopDispatcher()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The OnConnect handler runs asynchronously and may still be pending.
	c.setConnected(true)
	return c, nil
}

// newClient returns an unconnected client with its dispatcher running.
func newClient(healthTopic string) *Client {
	c := &Client{
		healthTopic:   healthTopic,
		subscriptions: make(map[string]subscription),
		inbound:       make(chan delivery, inboundBuffer),
	}
	c.dispatchW.Add(1)
	go c.dispatch()
	return c
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *Client) handleConnect() {
	c.setConnected(true)

	// Failures surface as the next connection loss.
	c.subMu.RLock()
	for filter, sub := range c.subscriptions {
		c.client.Subscribe(filter, sub.qos, c.wrapHandler(sub.handler))
	}
	c.subMu.RUnlock()

	c.publishHealth(healthUp)

	c.mu.RLock()
	cb := c.onConnect
	c.mu.RUnlock()
	if cb != nil {
		cb()
	}
}

func (c *Client) handleDisconnect(err error) {
	c.mu.Lock()
	c.connected = false
	cb, logger := c.onDisconnect, c.logger
	c.mu.Unlock()

	if logger != nil {
		logger.Warn("MQTT connection lost", "error", err)
	}
	if cb != nil {
		cb(err)
	}
}

// publishHealth publishes the health status without waiting for the ack.
func (c *Client) publishHealth(status string) pahomqtt.Token {
	if c.healthTopic == "" {
		return nil
	}
	return c.client.Publish(c.healthTopic, 1, true, buildHealthPayload(status))
}

// Close publishes the "down" health status, disconnects, and returns once
// the messages already received are handled.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}

	if c.IsConnected() {
		if token := c.publishHealth(healthDown); token != nil {
			token.WaitTimeout(defaultPublishTimeout)
		}
	}
	c.client.Disconnect(defaultDisconnectQuiesce)
	c.setConnected(false)

	c.stopDispatcher()
	return nil
}

func (c *Client) stopDispatcher() {
	c.closeOnce.Do(func() { close(c.inbound) })
	c.dispatchW.Wait()
}

// HealthCheck reports ErrNotConnected while the broker is unreachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports whether the client is connected.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.client != nil && c.client.IsConnected()
}

// SetOnConnect sets a callback run after every connection, once the
// subscriptions are restored.
func (c *Client) SetOnConnect(callback func()) {
	c.mu.Lock()
	c.onConnect = callback
	c.mu.Unlock()
}

// SetOnDisconnect sets a callback run when the connection is lost.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.mu.Lock()
	c.onDisconnect = callback
	c.mu.Unlock()
}

// SetLogger sets the logger of connection losses and handler failures.
// Without one they are not reported.
func (c *Client) SetLogger(logger Logger) {
	c.mu.Lock()
	c.logger = logger
	c.mu.Unlock()
}

func (c *Client) getLogger() Logger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logger
}

// wrapHandler queues received messages for the dispatcher. Messages
// arriving after Close are dropped.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			recover() //nolint:errcheck // Send on the inbound channel closed by Close
		}()
		c.inbound <- delivery{handler: handler, topic: msg.Topic(), payload: msg.Payload()}
	}
}

func (c *Client) dispatch() {
	defer c.dispatchW.Done()
	for d := range c.inbound {
		c.deliver(d)
	}
}

// deliver runs one handler. A panic is logged and the dispatcher goes on.
func (c *Client) deliver(d delivery) {
	defer func() {
		if r := recover(); r != nil {
			if logger := c.getLogger(); logger != nil {
				logger.Error("MQTT handler panic recovered", "topic", d.topic, "panic", r)
			}
		}
	}()

	if err := d.handler(d.topic, d.payload); err != nil {
		if logger := c.getLogger(); logger != nil {
			logger.Warn("MQTT handler returned error", "topic", d.topic, "error", err)
		}
	}
}
