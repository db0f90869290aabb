// Package redispubsub carries alert topics over Redis pub/sub
package redispubsub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"panic-relay/internal/core/domain"
	"panic-relay/internal/core/ports"
)

// Ensure Dialer implements PushDialer
var _ ports.PushDialer = (*Dialer)(nil)

const defaultHealthInterval = 5 * time.Second

// Config configures the pub/sub transport
type Config struct {
	ChannelPrefix  string        // prepended to alert topics
	HealthInterval time.Duration // ping period used to notice outages
}

// Dialer opens pub/sub connections on a shared Redis client
type Dialer struct {
	client redis.UniversalClient
	cfg    Config
}

// NewDialer creates a dialer on client
func NewDialer(client redis.UniversalClient, cfg Config) *Dialer {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = defaultHealthInterval
	}
	return &Dialer{client: client, cfg: cfg}
}

// Dial checks the server is reachable and prepares a pub/sub connection.
// go-redis reconnects and resubscribes a PubSub by itself; the health loop
// only makes outages visible.
func (d *Dialer) Dial(ctx context.Context, opts ports.DialOptions) (ports.PushConn, error) {
	if err := d.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	pubsub := d.client.Subscribe(ctx)
	connCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		client:  d.client,
		cfg:     d.cfg,
		pubsub:  pubsub,
		onState: opts.OnState,
		ctx:     connCtx,
		cancel:  cancel,
		subs:    make(map[string]ports.MessageHandler),
		done:    make(chan struct{}),
	}

	go c.receive()
	go c.health()

	slog.Info("Redis pub/sub connected", "client_id", opts.ClientID)
	return c, nil
}

// Conn is one Redis pub/sub connection
type Conn struct {
	client  redis.UniversalClient
	cfg     Config
	pubsub  *redis.PubSub
	onState ports.StateHandler
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	mu      sync.Mutex
	subs    map[string]ports.MessageHandler // by alert topic
	attempt int
	closed  bool
}

// Subscribe registers handler for topic
func (c *Conn) Subscribe(ctx context.Context, topic string, handler ports.MessageHandler) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrChannelClosed
	}
	c.subs[topic] = handler
	c.mu.Unlock()

	if err := c.pubsub.Subscribe(ctx, c.channel(topic)); err != nil {
		c.mu.Lock()
		delete(c.subs, topic)
		c.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	slog.Debug("Redis channel subscribed", "channel", c.channel(topic))
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
	if err := c.pubsub.Unsubscribe(ctx, c.channel(topic)); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", topic, err)
	}
	return nil
}

// Close releases the pub/sub connection; the shared client stays open
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	err := c.pubsub.Close()
	<-c.done

	c.report(domain.ConnectionClosed, 0, nil)
	if err != nil {
		return fmt.Errorf("close pubsub: %w", err)
	}
	return nil
}

func (c *Conn) receive() {
	defer close(c.done)

	for msg := range c.pubsub.ChannelWithSubscriptions() {
		switch m := msg.(type) {
		case *redis.Message:
			c.deliver(m)
		case *redis.Subscription:
			slog.Debug("Redis subscription change", "kind", m.Kind, "channel", m.Channel, "count", m.Count)
		}
	}
}

func (c *Conn) deliver(m *redis.Message) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	var (
		handler ports.MessageHandler
		topic   string
	)
	for t, h := range c.subs {
		if c.channel(t) == m.Channel {
			handler, topic = h, t
			break
		}
	}
	c.mu.Unlock()

	if handler == nil {
		return
	}
	handler(topic, []byte(m.Payload))
}

// health pings the server and reports outages and recoveries
func (c *Conn) health() {
	ticker := time.NewTicker(c.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(c.ctx, c.cfg.HealthInterval)
			err := c.client.Ping(ctx).Err()
			cancel()
			if c.ctx.Err() != nil {
				return
			}
			c.observe(err)
		}
	}
}

func (c *Conn) observe(err error) {
	c.mu.Lock()
	if err != nil {
		c.attempt++
	}
	attempt := c.attempt
	recovered := err == nil && attempt > 0
	if recovered {
		c.attempt = 0
	}
	c.mu.Unlock()

	switch {
	case err != nil:
		slog.Warn("Redis unreachable", "error", err, "attempt", attempt)
		c.report(domain.ConnectionReconnecting, attempt, err)
	case recovered:
		slog.Info("✅ Redis reachable again")
		c.report(domain.ConnectionConnected, 0, nil)
	}
}

func (c *Conn) channel(topic string) string {
	return c.cfg.ChannelPrefix + topic
}

func (c *Conn) report(state domain.ConnectionState, attempt int, err error) {
	if c.onState != nil {
		c.onState(state, attempt, err)
	}
}

// Publish sends payload on the channel of topic. Used by the agent's
// loopback mode and by tests.
func Publish(ctx context.Context, client redis.UniversalClient, prefix, topic string, payload []byte) error {
	if err := client.Publish(ctx, prefix+topic, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}
