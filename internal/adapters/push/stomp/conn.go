package stomp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	gostomp "github.com/go-stomp/stomp/v3"
	"github.com/gorilla/websocket"

	"panic-relay/internal/core/domain"
	"panic-relay/internal/core/ports"
)

// Ensure Dialer implements PushDialer
var _ ports.PushDialer = (*Dialer)(nil)

const (
	defaultHeartBeat      = 10 * time.Second
	defaultConnectTimeout = 10 * time.Second
	defaultMaxReconnects  = 10
	disconnectWait        = 2 * time.Second
	writeWait             = 5 * time.Second
	maxMessageSize        = 1 << 20

	headerAuthorization = "Authorization"
)

var errSubscriptionEnded = errors.New("stomp subscription ended")

// Config configures the STOMP endpoint
type Config struct {
	URL            string        // ws:// or wss:// endpoint, e.g. ws://host/ws
	Host           string        // virtual host; defaults to the URL host
	HeartBeat      time.Duration // outgoing heart-beat and expected incoming rate
	ConnectTimeout time.Duration
	MaxReconnects  int // consecutive reconnect attempts before giving up; < 0 retries forever
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Dialer opens STOMP sessions carried over a websocket
type Dialer struct {
	cfg Config
	ws  *websocket.Dialer
}

// NewDialer creates a dialer for cfg
func NewDialer(cfg Config) *Dialer {
	if cfg.HeartBeat < 0 {
		cfg.HeartBeat = 0
	} else if cfg.HeartBeat == 0 {
		cfg.HeartBeat = defaultHeartBeat
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = defaultMaxReconnects
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}

	return &Dialer{
		cfg: cfg,
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.ConnectTimeout,
			Subprotocols:     []string{"v12.stomp", "v11.stomp"},
		},
	}
}

// Dial makes one connection attempt
func (d *Dialer) Dial(ctx context.Context, opts ports.DialOptions) (ports.PushConn, error) {
	s, err := d.connect(ctx, opts)
	if err != nil {
		return nil, err
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		dialer:  d,
		opts:    opts,
		ctx:     connCtx,
		cancel:  cancel,
		session: s,
		subs:    make(map[string]ports.MessageHandler),
		done:    make(chan struct{}),
	}

	go c.run()
	c.reportState(domain.ConnectionConnected, 0, nil)
	return c, nil
}

// session is one live websocket carrying a STOMP session
type session struct {
	stream *wsStream
	stomp  *gostomp.Conn
	subs   map[string]*gostomp.Subscription // by destination, guarded by Conn.mu

	lost      chan struct{}
	lostOnce  sync.Once
	lostErr   error
	closeOnce sync.Once
}

func (s *session) fail(err error) {
	s.lostOnce.Do(func() {
		s.lostErr = err
		close(s.lost)
	})
}

func (s *session) isLost() bool {
	select {
	case <-s.lost:
		return true
	default:
		return false
	}
}

// close ends the session. A graceful close sends DISCONNECT and waits a
// bounded time for the receipt.
func (s *session) close(graceful bool) {
	s.closeOnce.Do(func() {
		if graceful && !s.isLost() {
			done := make(chan struct{})
			go func() {
				defer close(done)
				if err := s.stomp.Disconnect(); err != nil {
					slog.Debug("STOMP disconnect failed", "error", err)
				}
			}()
			select {
			case <-done:
			case <-time.After(disconnectWait):
			}
		}
		s.fail(nil)
		_ = s.stream.Close()
	})
}

// connect dials the websocket and completes the CONNECT handshake
func (d *Dialer) connect(ctx context.Context, opts ports.DialOptions) (*session, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	defer cancel()

	header := http.Header{}
	if opts.Token != "" {
		header.Set(headerAuthorization, "Bearer "+opts.Token)
	}

	ws, resp, err := d.ws.DialContext(ctx, d.cfg.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: websocket handshake: %v", domain.ErrNotAuthenticated, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", d.cfg.URL, err)
	}
	ws.SetReadLimit(maxMessageSize)

	host := d.cfg.Host
	if host == "" {
		host = ws.RemoteAddr().String()
		if resp != nil && resp.Request != nil && resp.Request.URL != nil {
			host = resp.Request.URL.Hostname()
		}
	}

	connOpts := []func(*gostomp.Conn) error{
		gostomp.ConnOpt.Host(host),
		gostomp.ConnOpt.AcceptVersion(gostomp.V12, gostomp.V11),
		gostomp.ConnOpt.HeartBeat(d.cfg.HeartBeat, d.cfg.HeartBeat),
	}
	if opts.Token != "" {
		connOpts = append(connOpts, gostomp.ConnOpt.Header(headerAuthorization, "Bearer "+opts.Token))
	}

	stream := newWSStream(ws)
	deadline, _ := ctx.Deadline()
	_ = ws.SetReadDeadline(deadline)

	conn, err := gostomp.Connect(stream, connOpts...)
	if err != nil {
		_ = stream.Close()
		if isAuthError(err.Error()) {
			return nil, fmt.Errorf("%w: stomp: %v", domain.ErrNotAuthenticated, err)
		}
		return nil, fmt.Errorf("stomp connect rejected: %w", err)
	}
	_ = ws.SetReadDeadline(time.Time{})

	return &session{
		stream: stream,
		stomp:  conn,
		subs:   make(map[string]*gostomp.Subscription),
		lost:   make(chan struct{}),
	}, nil
}

// Conn is a self-reconnecting STOMP connection. Subscriptions are replayed
// after every reconnect.
type Conn struct {
	dialer *Dialer
	opts   ports.DialOptions
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	session *session
	subs    map[string]ports.MessageHandler // by destination
	closed  bool
}

// Subscribe registers handler for destination
func (c *Conn) Subscribe(ctx context.Context, topic string, handler ports.MessageHandler) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrChannelClosed
	}
	_, exists := c.subs[topic]
	c.subs[topic] = handler
	s := c.session
	c.mu.Unlock()

	if exists || s == nil {
		// Sent on the next (re)connect
		return nil
	}
	if err := c.subscribeOn(s, topic); err != nil {
		return err
	}

	slog.Debug("STOMP subscribed", "destination", topic)
	return nil
}

// Unsubscribe removes the subscription of destination
func (c *Conn) Unsubscribe(ctx context.Context, topic string) error {
	c.mu.Lock()
	delete(c.subs, topic)
	var sub *gostomp.Subscription
	if c.session != nil {
		sub = c.session.subs[topic]
		delete(c.session.subs, topic)
	}
	c.mu.Unlock()

	if sub == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- sub.Unsubscribe() }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("unsubscribe %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("unsubscribe %s: %w", topic, ctx.Err())
	}
}

// Close sends DISCONNECT and releases the socket. No handler runs afterwards.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	s := c.session
	c.session = nil
	c.mu.Unlock()

	c.cancel()
	if s != nil {
		s.close(true)
	}
	<-c.done

	c.reportState(domain.ConnectionClosed, 0, nil)
	return nil
}

// run watches the current session and reconnects when it drops
func (c *Conn) run() {
	defer close(c.done)

	for {
		c.mu.Lock()
		s := c.session
		c.mu.Unlock()
		if s == nil {
			return
		}

		select {
		case <-c.ctx.Done():
			return
		case <-s.lost:
		}
		s.close(false)

		if c.ctx.Err() != nil {
			return
		}
		slog.Warn("STOMP connection lost", "error", s.lostErr, "url", c.dialer.cfg.URL)

		next, err := c.reconnect()
		if err != nil {
			if c.ctx.Err() == nil {
				slog.Error("STOMP reconnect gave up", "error", err)
			}
			return
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			next.close(true)
			return
		}
		c.session = next
		c.mu.Unlock()
	}
}

// subscribeOn opens topic on s and starts pumping its messages
func (c *Conn) subscribeOn(s *session, topic string) error {
	sub, err := s.stomp.Subscribe(topic, gostomp.AckAuto)
	if err != nil {
		return fmt.Errorf("send SUBSCRIBE %s: %w", topic, err)
	}

	c.mu.Lock()
	s.subs[topic] = sub
	c.mu.Unlock()

	go c.pump(s, topic, sub)
	return nil
}

// pump delivers the messages of one subscription. An error, or the stream
// ending while the subscription is still wanted, marks the session lost.
func (c *Conn) pump(s *session, topic string, sub *gostomp.Subscription) {
	for msg := range sub.C {
		if msg.Err != nil {
			c.lose(s, topic, sub, msg.Err)
			return
		}
		c.deliver(topic, msg.Body)
	}
	c.lose(s, topic, sub, errSubscriptionEnded)
}

func (c *Conn) lose(s *session, topic string, sub *gostomp.Subscription, err error) {
	c.mu.Lock()
	wanted := s.subs[topic] == sub
	c.mu.Unlock()

	if wanted {
		s.fail(err)
	}
}

func (c *Conn) deliver(topic string, body []byte) {
	c.mu.Lock()
	var handler ports.MessageHandler
	if !c.closed {
		handler = c.subs[topic]
	}
	c.mu.Unlock()

	if handler == nil {
		slog.Debug("STOMP message for unknown subscription", "destination", topic)
		return
	}
	handler(topic, body)
}

// reconnect retries with exponential backoff and replays subscriptions
func (c *Conn) reconnect() (*session, error) {
	cfg := c.dialer.cfg

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.InitialBackoff
	exp.MaxInterval = cfg.MaxBackoff
	exp.MaxElapsedTime = 0

	var policy backoff.BackOff = exp
	if cfg.MaxReconnects > 0 {
		policy = backoff.WithMaxRetries(exp, uint64(cfg.MaxReconnects-1))
	}
	policy = backoff.WithContext(policy, c.ctx)

	attempt := 0
	var next *session
	operation := func() error {
		attempt++
		c.reportState(domain.ConnectionReconnecting, attempt, nil)

		s, err := c.dialer.connect(c.ctx, c.opts)
		if err != nil {
			if errors.Is(err, domain.ErrNotAuthenticated) {
				return backoff.Permanent(err)
			}
			return err
		}
		if err := c.resubscribe(s); err != nil {
			s.close(false)
			return err
		}
		next = s
		return nil
	}
	notify := func(err error, wait time.Duration) {
		slog.Warn("STOMP reconnect failed",
			"error", err,
			"attempt", attempt,
			"retry_in", wait,
		)
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		if c.ctx.Err() == nil {
			c.reportState(domain.ConnectionFailed, attempt, err)
		}
		return nil, err
	}

	slog.Info("✅ STOMP reconnected", "attempts", attempt)
	c.reportState(domain.ConnectionConnected, 0, nil)
	return next, nil
}

func (c *Conn) resubscribe(s *session) error {
	c.mu.Lock()
	topics := make([]string, 0, len(c.subs))
	for topic := range c.subs {
		topics = append(topics, topic)
	}
	c.mu.Unlock()

	for _, topic := range topics {
		if err := c.subscribeOn(s, topic); err != nil {
			return fmt.Errorf("resubscribe: %w", err)
		}
	}
	return nil
}

func (c *Conn) reportState(state domain.ConnectionState, attempt int, err error) {
	if c.opts.OnState != nil {
		c.opts.OnState(state, attempt, err)
	}
}

func isAuthError(msg string) bool {
	msg = strings.ToLower(msg)
	for _, needle := range []string{"unauthorized", "forbidden", "authentication", "access denied"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
