package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/iot-gateway/internal/infrastructure/config"
)

// Logger is the subset of logging.Logger the session uses.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// MessageHandler receives one broker message. paho runs handlers on its
// own goroutines, so they must hand work off rather than block. A returned
// error is logged and has no effect on acknowledgement.
type MessageHandler func(topic string, payload []byte) error

type subscription struct {
	qos     byte
	handler MessageHandler
}

// Client is the gateway's MQTT session. It is safe for concurrent use;
// subscriptions made through it survive reconnects.
type Client struct {
	paho     pahomqtt.Client
	options  *pahomqtt.ClientOptions
	qos      byte
	clientID string

	connected  atomic.Bool
	reconnects atomic.Int64

	mu           sync.Mutex
	subs         map[string]subscription
	onConnect    func()
	onDisconnect func(error)
	logger       Logger
}

// Connect dials the broker described by cfg and waits for the first
// session. Once connected, paho keeps reconnecting on its own; every new
// session re-subscribes and republishes the retained online presence.
func Connect(cfg config.MQTTConfig) (*Client, error) {
	c := newClient(cfg)
	c.paho = pahomqtt.NewClient(c.options)

	token := c.paho.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// OnConnect fires asynchronously.
	c.connected.Store(true)
	return c, nil
}

func newClient(cfg config.MQTTConfig) *Client {
	clientID := resolveClientID(cfg)
	c := &Client{
		options:  buildClientOptions(cfg, clientID),
		qos:      byte(cfg.QoS), //nolint:gosec // validated to 0-2
		clientID: clientID,
		subs:     make(map[string]subscription),
		logger:   noopLogger{},
	}
	configureLWT(c.options, clientID)

	c.options.SetOnConnectHandler(func(pahomqtt.Client) { c.sessionUp() })
	c.options.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.sessionDown(err) })
	c.options.SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
		n := c.reconnects.Add(1)
		c.log().Warn("reconnecting to MQTT broker", "client_id", c.clientID, "attempt", n)
	})
	return c
}

func (c *Client) sessionUp() {
	c.connected.Store(true)

	c.mu.Lock()
	subs := make(map[string]subscription, len(c.subs))
	for topic, s := range c.subs {
		subs[topic] = s
	}
	onConnect := c.onConnect
	c.mu.Unlock()

	// Clean sessions lose broker-side subscriptions on every reconnect.
	for topic, s := range subs {
		go c.resubscribe(topic, s)
	}
	c.publishPresence(presenceOnline, "")

	if onConnect != nil {
		onConnect()
	}
}

func (c *Client) resubscribe(topic string, s subscription) {
	token := c.paho.Subscribe(topic, s.qos, c.wrapHandler(s.handler))
	if !token.WaitTimeout(defaultOperationTimeout) || token.Error() != nil {
		c.log().Error("failed to restore MQTT subscription", "topic", topic, "error", token.Error())
		return
	}
	c.log().Info("restored MQTT subscription", "topic", topic)
}

func (c *Client) sessionDown(err error) {
	c.connected.Store(false)
	c.log().Warn("MQTT connection lost", "error", err)

	c.mu.Lock()
	onDisconnect := c.onDisconnect
	c.mu.Unlock()
	if onDisconnect != nil {
		onDisconnect(err)
	}
}

// Close announces a graceful offline presence and disconnects.
func (c *Client) Close() error {
	if c.paho == nil {
		return nil
	}
	if c.IsConnected() {
		c.publishPresence(presenceOffline, "graceful_shutdown").WaitTimeout(defaultOperationTimeout)
	}
	c.paho.Disconnect(defaultDisconnectQuiesce)
	c.connected.Store(false)
	return nil
}

// HealthCheck reports ErrNotConnected while the session is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports whether a broker session is currently up.
func (c *Client) IsConnected() bool {
	return c.paho != nil && c.connected.Load() && c.paho.IsConnected()
}

// ClientID returns the identifier presented to the broker.
func (c *Client) ClientID() string {
	return c.clientID
}

// ReconnectAttempts returns how many reconnects paho has started.
func (c *Client) ReconnectAttempts() int64 {
	return c.reconnects.Load()
}

// SetOnConnect registers fn to run after every (re)connect.
func (c *Client) SetOnConnect(fn func()) {
	c.mu.Lock()
	c.onConnect = fn
	c.mu.Unlock()
}

// SetOnDisconnect registers fn to run when the session drops.
func (c *Client) SetOnDisconnect(fn func(err error)) {
	c.mu.Lock()
	c.onDisconnect = fn
	c.mu.Unlock()
}

// SetLogger sets the logger for session events and handler failures.
func (c *Client) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	c.mu.Lock()
	c.logger = logger
	c.mu.Unlock()
}

func (c *Client) log() Logger {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logger
}

// wrapHandler adapts h to paho, recovering panics so one bad message
// cannot kill paho's delivery goroutine.
func (c *Client) wrapHandler(h MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.log().Error("MQTT handler panic recovered", "topic", msg.Topic(), "panic", r)
			}
		}()
		if err := h(msg.Topic(), msg.Payload()); err != nil {
			c.log().Warn("MQTT handler returned error", "topic", msg.Topic(), "error", err)
		}
	}
}
