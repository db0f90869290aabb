// Package mqtt carries alert topics over an MQTT broker
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"panic-relay/internal/core/domain"
	"panic-relay/internal/core/ports"
)

// Ensure Dialer implements PushDialer
var _ ports.PushDialer = (*Dialer)(nil)

const (
	defaultQoS            = 1
	defaultConnectTimeout = 10 * time.Second
	disconnectQuiesceMs   = 250
)

// Config configures the broker connection
type Config struct {
	Broker         string // e.g. tcp://localhost:1883
	Username       string // defaults to the client id when a token is used
	Password       string // static password; the session token wins when set
	TopicPrefix    string // prepended to alert topics, e.g. "panic-relay"
	QoS            byte
	ConnectTimeout time.Duration
	MaxReconnect   time.Duration // upper bound of paho's reconnect interval
}

// Dialer connects to the broker
type Dialer struct {
	cfg Config
}

// NewDialer creates a dialer for cfg
func NewDialer(cfg Config) *Dialer {
	if cfg.QoS > 2 {
		cfg.QoS = defaultQoS
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.MaxReconnect <= 0 {
		cfg.MaxReconnect = 30 * time.Second
	}
	return &Dialer{cfg: cfg}
}

// Dial makes one connection attempt; afterwards paho reconnects by itself
func (d *Dialer) Dial(ctx context.Context, opts ports.DialOptions) (ports.PushConn, error) {
	c := &Conn{
		cfg:     d.cfg,
		onState: opts.OnState,
		subs:    make(map[string]ports.MessageHandler),
	}

	options := pahomqtt.NewClientOptions()
	options.AddBroker(d.cfg.Broker)
	options.SetClientID(opts.ClientID)
	options.SetCleanSession(true)
	options.SetAutoReconnect(true)
	options.SetConnectRetry(false)
	options.SetConnectTimeout(d.cfg.ConnectTimeout)
	options.SetMaxReconnectInterval(d.cfg.MaxReconnect)

	switch {
	case opts.Token != "":
		username := d.cfg.Username
		if username == "" {
			username = opts.ClientID
		}
		options.SetUsername(username)
		options.SetPassword(opts.Token)
	case d.cfg.Username != "":
		options.SetUsername(d.cfg.Username)
		options.SetPassword(d.cfg.Password)
	}

	options.SetOnConnectHandler(c.onConnect)
	options.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		slog.Warn("MQTT connection lost", "error", err, "broker", d.cfg.Broker)
	})
	options.SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
		c.mu.Lock()
		c.attempt++
		attempt := c.attempt
		c.mu.Unlock()
		c.report(domain.ConnectionReconnecting, attempt, nil)
	})

	c.client = pahomqtt.NewClient(options)

	token := c.client.Connect()
	if err := waitToken(ctx, token, d.cfg.ConnectTimeout); err != nil {
		c.client.Disconnect(0)
		return nil, fmt.Errorf("connect to MQTT broker %s: %w", d.cfg.Broker, classifyConnectError(err))
	}

	slog.Info("MQTT connected", "broker", d.cfg.Broker, "client_id", opts.ClientID)
	return c, nil
}

// Conn is a paho client subscribed to alert topics
type Conn struct {
	cfg     Config
	client  pahomqtt.Client
	onState ports.StateHandler

	mu        sync.Mutex
	subs      map[string]ports.MessageHandler // by alert topic
	attempt   int
	connected bool
	closed    bool
}

// Subscribe registers handler for topic. With a clean session the
// subscription is replayed by onConnect after every reconnect.
func (c *Conn) Subscribe(ctx context.Context, topic string, handler ports.MessageHandler) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrChannelClosed
	}
	c.subs[topic] = handler
	c.mu.Unlock()

	token := c.client.Subscribe(c.brokerTopic(topic), c.cfg.QoS, c.messageHandler(topic))
	if err := waitToken(ctx, token, c.cfg.ConnectTimeout); err != nil {
		c.mu.Lock()
		delete(c.subs, topic)
		c.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	slog.Debug("MQTT subscribed", "topic", c.brokerTopic(topic), "qos", c.cfg.QoS)
	return nil
}

// Unsubscribe removes the subscription of topic
func (c *Conn) Unsubscribe(ctx context.Context, topic string) error {
	c.mu.Lock()
	_, ok := c.subs[topic]
	delete(c.subs, topic)
	closed := c.closed
	c.mu.Unlock()

	if !ok || closed {
		return nil
	}

	token := c.client.Unsubscribe(c.brokerTopic(topic))
	if err := waitToken(ctx, token, c.cfg.ConnectTimeout); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", topic, err)
	}
	return nil
}

// Close disconnects from the broker
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.subs = make(map[string]ports.MessageHandler)
	c.mu.Unlock()

	c.client.Disconnect(disconnectQuiesceMs)
	c.report(domain.ConnectionClosed, 0, nil)
	return nil
}

func (c *Conn) onConnect(client pahomqtt.Client) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	reconnected := c.connected
	c.connected = true
	c.attempt = 0
	subs := make(map[string]ports.MessageHandler, len(c.subs))
	for topic, handler := range c.subs {
		subs[topic] = handler
	}
	c.mu.Unlock()

	if !reconnected {
		return
	}

	// Clean session: the broker forgot our subscriptions
	for topic := range subs {
		token := client.Subscribe(c.brokerTopic(topic), c.cfg.QoS, c.messageHandler(topic))
		if token.WaitTimeout(c.cfg.ConnectTimeout) && token.Error() != nil {
			slog.Error("MQTT resubscribe failed", "error", token.Error(), "topic", topic)
		}
	}
	slog.Info("✅ MQTT reconnected", "broker", c.cfg.Broker, "topics", len(subs))
	c.report(domain.ConnectionConnected, 0, nil)
}

func (c *Conn) messageHandler(topic string) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		c.mu.Lock()
		handler, ok := c.subs[topic]
		closed := c.closed
		c.mu.Unlock()

		if closed || !ok {
			return
		}
		handler(topic, msg.Payload())
	}
}

func (c *Conn) brokerTopic(topic string) string {
	return BrokerTopic(c.cfg.TopicPrefix, topic)
}

func (c *Conn) report(state domain.ConnectionState, attempt int, err error) {
	if c.onState != nil {
		c.onState(state, attempt, err)
	}
}

// BrokerTopic maps an alert topic path onto the broker namespace:
// "/topic/panic/alice" with prefix "relay" becomes "relay/topic/panic/alice".
func BrokerTopic(prefix, topic string) string {
	topic = strings.TrimPrefix(topic, "/")
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return topic
	}
	return prefix + "/" + topic
}

func waitToken(ctx context.Context, token pahomqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// classifyConnectError maps broker auth refusals onto ErrNotAuthenticated
func classifyConnectError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "not authori") || strings.Contains(msg, "bad user name or password") {
		return fmt.Errorf("%w: %v", domain.ErrNotAuthenticated, err)
	}
	return err
}
