package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"panic-relay/internal/core/domain"
	"panic-relay/internal/core/ports"
	"panic-relay/internal/metrics"
)

const (
	DefaultChannelMaxRetries = 5
	DefaultChannelBuffer     = 32
	defaultInitialBackoff    = 500 * time.Millisecond
	defaultMaxBackoff        = 10 * time.Second
	unsubscribeTimeout       = 2 * time.Second
)

// ChannelConfig tunes subscription establishment
type ChannelConfig struct {
	ClientIDPrefix string
	MaxRetries     int // connect attempts after the first; also the reconnect warning threshold
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BufferSize     int
}

// AlertChannel keeps one live push subscription for the session principal
// and exposes its messages as a single-consumer event stream.
type AlertChannel struct {
	dialer ports.PushDialer
	tokens ports.TokenSource
	clock  clockwork.Clock
	cfg    ChannelConfig
	events chan domain.ChannelEvent

	// backlog between the transport and events; alerts and acks are never dropped
	queueMu sync.Mutex
	queue   []domain.ChannelEvent
	wake    chan struct{}
	stop    chan struct{}

	openMu sync.Mutex // serializes Open

	mu      sync.Mutex
	current *Subscription
	closed  bool
}

// Subscription is the disposable handle returned by Open
type Subscription struct {
	channel *AlertChannel
	kind    domain.TopicKind

	mu     sync.Mutex
	conn   ports.PushConn
	info   domain.ChannelSubscription
	warned bool
	closed bool
}

// NewAlertChannel creates a channel over dialer. tokens may be nil when the
// transport needs no credentials.
func NewAlertChannel(dialer ports.PushDialer, tokens ports.TokenSource, clock clockwork.Clock, cfg ChannelConfig) *AlertChannel {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultChannelMaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultChannelBuffer
	}
	if cfg.ClientIDPrefix == "" {
		cfg.ClientIDPrefix = "panic-relay"
	}

	c := &AlertChannel{
		dialer: dialer,
		tokens: tokens,
		clock:  clock,
		cfg:    cfg,
		events: make(chan domain.ChannelEvent, cfg.BufferSize),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	go c.drain()
	return c
}

// Events returns the event stream. It is never closed; consumers stop on
// their own context.
func (c *AlertChannel) Events() <-chan domain.ChannelEvent {
	return c.events
}

// Open subscribes to the topic of principal. An empty identity is a no-op
// returning a nil handle. Any previous subscription is fully closed first.
func (c *AlertChannel) Open(ctx context.Context, principal domain.Principal) (*Subscription, error) {
	if principal.IsZero() {
		return nil, nil
	}

	c.openMu.Lock()
	defer c.openMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, domain.ErrChannelClosed
	}
	previous := c.current
	c.current = nil
	c.mu.Unlock()

	if previous != nil {
		if err := previous.release(); err != nil {
			slog.Warn("Closing previous subscription failed", "error", err)
		}
	}

	kind := domain.TopicKindFor(principal.Role)
	topic, err := domain.TopicFor(kind, principal.Identity)
	if err != nil {
		return nil, err
	}

	token := ""
	if c.tokens != nil {
		token, err = c.tokens.AccessToken()
		if err != nil {
			return nil, fmt.Errorf("%w: subscribe: %v", domain.ErrNotAuthenticated, err)
		}
	}

	sub := &Subscription{
		channel: c,
		kind:    kind,
		info: domain.ChannelSubscription{
			Principal: principal.Identity,
			TopicPath: topic,
			State:     domain.ConnectionConnecting,
			Since:     c.clock.Now(),
		},
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, domain.ErrChannelClosed
	}
	c.current = sub
	c.mu.Unlock()

	dispatcher := NewDispatcher(kind, topic, func(ev domain.ChannelEvent) bool {
		return c.deliver(sub, ev)
	})
	opts := ports.DialOptions{
		ClientID: fmt.Sprintf("%s-%s", c.cfg.ClientIDPrefix, uuid.NewString()[:8]),
		Token:    token,
		OnState:  sub.onState,
	}

	attempt := 0
	var conn ports.PushConn
	operation := func() error {
		attempt++
		dialed, err := c.dialer.Dial(ctx, opts)
		if err != nil {
			if errors.Is(err, domain.ErrNotAuthenticated) {
				return backoff.Permanent(err)
			}
			return err
		}
		if err := dialed.Subscribe(ctx, topic, dispatcher.ProcessMessage); err != nil {
			_ = dialed.Close()
			return err
		}
		conn = dialed
		return nil
	}
	notify := func(err error, wait time.Duration) {
		sub.setRetry(attempt)
		slog.Warn("Push subscribe failed, retrying",
			"error", err,
			"topic", topic,
			"attempt", attempt,
			"retry_in", wait,
		)
	}

	if err := backoff.RetryNotify(operation, c.retryPolicy(ctx), notify); err != nil {
		sub.setState(domain.ConnectionFailed, attempt-1)
		if !errors.Is(err, domain.ErrNotAuthenticated) {
			err = fmt.Errorf("%w: %s after %d attempts: %v", domain.ErrConnectionFailure, topic, attempt, err)
		}
		c.deliver(sub, domain.ConnectivityEvent{
			State:      domain.ConnectionFailed,
			RetryCount: attempt - 1,
			Err:        err,
		})

		c.mu.Lock()
		if c.current == sub {
			c.current = nil
		}
		c.mu.Unlock()
		sub.markClosed()

		slog.Error("❌ Push subscription failed",
			"error", err,
			"topic", topic,
		)
		return nil, err
	}

	c.mu.Lock()
	if c.closed || c.current != sub {
		c.mu.Unlock()
		_ = conn.Close()
		return nil, domain.ErrChannelClosed
	}
	sub.mu.Lock()
	sub.conn = conn
	sub.info.State = domain.ConnectionConnected
	sub.info.RetryCount = 0
	sub.info.Since = c.clock.Now()
	sub.mu.Unlock()
	c.mu.Unlock()

	slog.Info("✅ Push subscription established",
		"topic", topic,
		"principal", principal.Identity,
		"role", principal.Role,
		"attempts", attempt,
	)
	return sub, nil
}

// Status returns the live subscription, if any
func (c *AlertChannel) Status() (domain.ChannelSubscription, bool) {
	c.mu.Lock()
	sub := c.current
	c.mu.Unlock()

	if sub == nil {
		return domain.ChannelSubscription{State: domain.ConnectionIdle}, false
	}
	return sub.Info(), true
}

// Close releases the current subscription and refuses further Opens
func (c *AlertChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sub := c.current
	c.current = nil
	close(c.stop)
	c.mu.Unlock()

	if sub == nil {
		return nil
	}
	return sub.release()
}

// deliver queues ev for the consumer unless sub is no longer the live
// subscription. It never blocks. Alerts and acks are always queued; a
// connectivity event is dropped once BufferSize events are backlogged.
func (c *AlertChannel) deliver(sub *Subscription, ev domain.ChannelEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.current != sub {
		return false
	}

	c.queueMu.Lock()
	if _, ok := ev.(domain.ConnectivityEvent); ok && len(c.queue) >= c.cfg.BufferSize {
		c.queueMu.Unlock()
		return false
	}
	c.queue = append(c.queue, ev)
	backlog := len(c.queue)
	c.queueMu.Unlock()

	metrics.ChannelBacklog.Set(float64(backlog))
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

// drain moves queued events to the consumer in order until Close
func (c *AlertChannel) drain() {
	for {
		select {
		case <-c.stop:
			return
		case <-c.wake:
		}

		for {
			c.queueMu.Lock()
			if len(c.queue) == 0 {
				c.queueMu.Unlock()
				break
			}
			ev := c.queue[0]
			c.queue[0] = nil
			c.queue = c.queue[1:]
			metrics.ChannelBacklog.Set(float64(len(c.queue)))
			c.queueMu.Unlock()

			select {
			case c.events <- ev:
			case <-c.stop:
				return
			}
		}
	}
}

func (c *AlertChannel) retryPolicy(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.cfg.InitialBackoff
	exp.MaxInterval = c.cfg.MaxBackoff
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(c.cfg.MaxRetries)), ctx)
}

// Info returns a snapshot of the subscription
func (s *Subscription) Info() domain.ChannelSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Close unsubscribes and releases the connection. Idempotent; no event of
// this subscription is delivered afterwards.
func (s *Subscription) Close() error {
	if s == nil {
		return nil
	}

	c := s.channel
	c.mu.Lock()
	if c.current == s {
		c.current = nil
	}
	c.mu.Unlock()

	return s.release()
}

func (s *Subscription) release() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	topic := s.info.TopicPath
	s.info.State = domain.ConnectionClosed
	s.info.Since = s.channel.clock.Now()
	s.mu.Unlock()

	if conn == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
	defer cancel()
	if err := conn.Unsubscribe(ctx, topic); err != nil {
		slog.Warn("Unsubscribe failed", "error", err, "topic", topic)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("close push connection: %w", err)
	}

	slog.Info("Push subscription closed", "topic", topic)
	return nil
}

func (s *Subscription) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *Subscription) setRetry(attempt int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info.RetryCount = attempt
}

func (s *Subscription) setState(state domain.ConnectionState, retries int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info.State = state
	s.info.RetryCount = retries
	s.info.Since = s.channel.clock.Now()
}

// onState tracks transport reconnects. Transient reconnects stay silent; a
// single connectivity warning is raised once MaxRetries is reached and a
// recovery event follows when the link comes back.
func (s *Subscription) onState(state domain.ConnectionState, attempt int, err error) {
	maxRetries := s.channel.cfg.MaxRetries

	s.mu.Lock()
	if s.closed || s.conn == nil && state != domain.ConnectionConnected {
		s.mu.Unlock()
		return
	}
	if s.info.State != state {
		s.info.Since = s.channel.clock.Now()
	}
	s.info.State = state

	var ev domain.ChannelEvent
	switch state {
	case domain.ConnectionReconnecting:
		s.info.RetryCount = attempt
		metrics.ChannelReconnectsTotal.Inc()
		if attempt >= maxRetries && !s.warned {
			s.warned = true
			ev = domain.ConnectivityEvent{
				State:      state,
				RetryCount: attempt,
				Err:        fmt.Errorf("%w: %d reconnect attempts: %v", domain.ErrConnectionFailure, attempt, err),
			}
		}
	case domain.ConnectionConnected:
		s.info.RetryCount = 0
		if s.warned {
			s.warned = false
			ev = domain.ConnectivityEvent{State: state}
		}
	case domain.ConnectionFailed:
		s.info.RetryCount = attempt
		s.warned = true
		ev = domain.ConnectivityEvent{
			State:      state,
			RetryCount: attempt,
			Err:        fmt.Errorf("%w: %v", domain.ErrConnectionFailure, err),
		}
	}
	topic := s.info.TopicPath
	s.mu.Unlock()

	slog.Debug("Push connection state", "topic", topic, "state", state, "attempt", attempt)
	if ev != nil {
		s.channel.deliver(s, ev)
	}
}
