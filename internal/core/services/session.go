package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"panic-relay/internal/core/domain"
	"panic-relay/internal/core/ports"
)

// SessionDeps are the collaborators a session is built from
type SessionDeps struct {
	Dialer   ports.PushDialer
	Tokens   ports.TokenSource
	Dispatch ports.DispatchClient
	Acks     ports.AckClient
	Video    ports.VideoSession
	Alarm    ports.AlarmDevice
	Dedup    ports.DedupRepository
	Notifier ports.Notifier
	Clock    clockwork.Clock

	// Gesture receives hold progress of a sender session
	Gesture GestureObserver
	// Observe is called with every new session before its subscription opens
	Observe func(*Session)
}

// SessionConfig tunes every component of a session
type SessionConfig struct {
	Channel          ChannelConfig
	Gesture          GestureConfig
	VibrationPattern []time.Duration
	VibrationCycle   time.Duration
	DisplayName      string
	AutoJoinVideo    bool
	HandledTTL       time.Duration
	WatchdogInterval time.Duration
	WatchdogGrace    time.Duration
}

// Session owns everything bound to one authenticated principal: the channel
// subscription, the controllers and the event loop. Close releases all of it.
type Session struct {
	id        string
	principal domain.Principal
	startedAt time.Time
	deps      SessionDeps

	channel  *AlertChannel
	alarm    *SideEffectManager
	overlay  *OverlayController // supervisor sessions
	sender   *SenderController  // sender sessions
	gesture  *GestureTrigger    // sender sessions
	watchdog *ConnectivityWatchdog

	ctx    context.Context
	cancel context.CancelFunc
	loops  sync.WaitGroup

	mu        sync.Mutex // serializes reopen
	closeOnce sync.Once
}

// SessionStatus summarizes a session for status endpoints
type SessionStatus struct {
	ID           string                     `json:"id"`
	Principal    domain.Principal           `json:"principal"`
	StartedAt    time.Time                  `json:"started_at"`
	Subscription domain.ChannelSubscription `json:"subscription"`
	Overlay      *OverlaySnapshot           `json:"overlay,omitempty"`
	Sender       *SenderSnapshot            `json:"sender,omitempty"`
	Gesture      string                     `json:"gesture,omitempty"`
}

// NewSession builds the session of principal and opens its subscription.
// A subscription that cannot be established is a soft failure: the session
// is returned and the watchdog keeps reopening. Any hard failure releases
// everything built so far.
func NewSession(ctx context.Context, principal domain.Principal, deps SessionDeps, cfg SessionConfig) (*Session, error) {
	if principal.IsZero() {
		return nil, domain.ErrNotAuthenticated
	}
	if err := domain.ValidateIdentity(principal.Identity); err != nil {
		return nil, err
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		id:        uuid.NewString(),
		principal: principal,
		startedAt: deps.Clock.Now(),
		deps:      deps,
		ctx:       loopCtx,
		cancel:    cancel,
	}
	s.alarm = NewSideEffectManager(deps.Alarm, deps.Clock, cfg.VibrationPattern, cfg.VibrationCycle)
	s.channel = NewAlertChannel(deps.Dialer, deps.Tokens, deps.Clock, cfg.Channel)

	switch principal.Role {
	case domain.RoleSupervisor:
		s.overlay = NewOverlayController(s.alarm, deps.Acks, deps.Video, deps.Dedup, deps.Notifier, OverlayConfig{
			DisplayName: cfg.DisplayName,
			HandledTTL:  cfg.HandledTTL,
		})
	case domain.RoleSender:
		s.sender = NewSenderController(s.alarm, deps.Video, deps.Dedup, deps.Notifier, SenderConfig{
			AutoJoinVideo: cfg.AutoJoinVideo,
			DisplayName:   cfg.DisplayName,
			HandledTTL:    cfg.HandledTTL,
		})
		s.gesture = NewGestureTrigger(loopCtx, deps.Dispatch, deps.Notifier, deps.Clock, cfg.Gesture, deps.Gesture)
		s.gesture.OnDispatched(s.sender.Dispatched)
	default:
		s.Close()
		return nil, fmt.Errorf("%w: unsupported role %q", domain.ErrNotAuthenticated, principal.Role)
	}

	s.watchdog = NewConnectivityWatchdog(deps.Clock, cfg.WatchdogInterval, cfg.WatchdogGrace,
		s.channel.Status, s.reopen, deps.Notifier)

	if deps.Observe != nil {
		deps.Observe(s)
	}

	s.loops.Add(1)
	go s.eventLoop()

	if err := s.reopen(ctx); err != nil {
		if !errors.Is(err, domain.ErrConnectionFailure) {
			s.Close()
			return nil, err
		}
		slog.Warn("Session started without push subscription",
			"error", err,
			"principal", principal.Identity,
		)
	}

	s.loops.Add(1)
	go func() {
		defer s.loops.Done()
		s.watchdog.Run(loopCtx)
	}()

	slog.Info("✅ Session started",
		"session_id", s.id,
		"principal", principal.Identity,
		"role", principal.Role,
	)
	return s, nil
}

// ID returns the session id
func (s *Session) ID() string { return s.id }

// Principal returns who the session belongs to
func (s *Session) Principal() domain.Principal { return s.principal }

// Overlay returns the supervisor controller, nil for sender sessions
func (s *Session) Overlay() *OverlayController { return s.overlay }

// Sender returns the sender controller, nil for supervisor sessions
func (s *Session) Sender() *SenderController { return s.sender }

// Gesture returns the panic trigger, nil for supervisor sessions
func (s *Session) Gesture() *GestureTrigger { return s.gesture }

// Alarm returns the session's side-effect manager
func (s *Session) Alarm() *SideEffectManager { return s.alarm }

// Status summarizes the session
func (s *Session) Status() SessionStatus {
	sub, _ := s.channel.Status()
	status := SessionStatus{
		ID:           s.id,
		Principal:    s.principal,
		StartedAt:    s.startedAt,
		Subscription: sub,
	}
	if s.overlay != nil {
		snap := s.overlay.Snapshot()
		status.Overlay = &snap
	}
	if s.sender != nil {
		snap := s.sender.Snapshot()
		status.Sender = &snap
	}
	if s.gesture != nil {
		status.Gesture = s.gesture.State()
	}
	return status
}

// Close releases the session: loops stopped, subscription closed,
// controllers disposed and the alarm stopped. Safe to call repeatedly.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()

		if s.gesture != nil {
			s.gesture.Close()
		}
		if s.channel != nil {
			if err := s.channel.Close(); err != nil {
				slog.Warn("Closing alert channel failed", "error", err)
			}
		}
		s.loops.Wait()

		if s.overlay != nil {
			s.overlay.Dispose()
		}
		if s.sender != nil {
			s.sender.Dispose()
		}
		if s.alarm != nil {
			s.alarm.Stop("session closed")
		}

		slog.Info("Session closed",
			"session_id", s.id,
			"principal", s.principal.Identity,
		)
	})
}

// reopen (re)establishes the subscription unless one is live
func (s *Session) reopen(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return domain.ErrChannelClosed
	}
	if _, live := s.channel.Status(); live {
		return nil
	}

	_, err := s.channel.Open(ctx, s.principal)
	return err
}

func (s *Session) eventLoop() {
	defer s.loops.Done()

	events := s.channel.Events()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-events:
			s.route(ev)
		}
	}
}

func (s *Session) route(ev domain.ChannelEvent) {
	switch e := ev.(type) {
	case domain.ConnectivityEvent:
		s.connectivity(e)
	case domain.AlertEvent:
		if s.overlay != nil {
			s.overlay.HandleEvent(s.ctx, e)
		}
	case domain.AckEvent:
		if s.sender != nil {
			s.sender.HandleEvent(s.ctx, e)
		}
	}
}

func (s *Session) connectivity(e domain.ConnectivityEvent) {
	if s.deps.Notifier == nil {
		return
	}

	n := domain.Notification{
		Level: domain.LevelInfo,
		Kind:  domain.NotifyConnectivity,
		At:    s.deps.Clock.Now(),
	}
	switch {
	case e.Err != nil:
		n.Level = domain.LevelWarning
		n.Message = "Connection to the alert service lost, retrying"
		if e.State == domain.ConnectionFailed {
			n.Message = "Could not connect to the alert service"
		}
	case e.State == domain.ConnectionConnected:
		n.Message = "Reconnected to the alert service"
	default:
		return
	}
	s.deps.Notifier.Notify(s.ctx, n)
}

// SessionManager owns the current session. An identity change closes the
// previous session completely before the next one opens.
type SessionManager struct {
	resolver ports.PrincipalResolver
	deps     SessionDeps
	cfg      SessionConfig

	loginMu sync.Mutex // serializes Login and Logout

	mu      sync.Mutex
	token   string
	current *Session
}

// NewSessionManager creates a manager. deps.Tokens is replaced by the
// manager itself so every collaborator sees the current session's token.
func NewSessionManager(resolver ports.PrincipalResolver, deps SessionDeps, cfg SessionConfig) *SessionManager {
	m := &SessionManager{
		resolver: resolver,
		cfg:      cfg,
	}
	deps.Tokens = m
	m.deps = deps
	return m
}

// AccessToken implements ports.TokenSource
func (m *SessionManager) AccessToken() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == "" {
		return "", domain.ErrNotAuthenticated
	}
	return m.token, nil
}

// Current returns the live session, if any
func (m *SessionManager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Login starts a session for the principal of token. Logging in again as
// the same principal only refreshes the token.
func (m *SessionManager) Login(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, domain.ErrNotAuthenticated
	}
	principal, err := m.resolver.Resolve(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrNotAuthenticated, err)
	}

	m.loginMu.Lock()
	defer m.loginMu.Unlock()

	m.mu.Lock()
	previous := m.current
	if previous != nil && previous.Principal() == principal {
		m.token = token
		m.mu.Unlock()
		return previous, nil
	}
	m.current = nil
	m.token = ""
	m.mu.Unlock()

	if previous != nil {
		slog.Info("Identity changed, closing previous session",
			"previous", previous.Principal().Identity,
			"next", principal.Identity,
		)
		previous.Close()
	}

	m.setToken(token)
	session, err := NewSession(ctx, principal, m.deps, m.cfg)
	if err != nil {
		m.setToken("")
		return nil, err
	}

	m.mu.Lock()
	m.current = session
	m.mu.Unlock()
	return session, nil
}

// Logout closes the current session and forgets the token
func (m *SessionManager) Logout() {
	m.loginMu.Lock()
	defer m.loginMu.Unlock()

	m.mu.Lock()
	previous := m.current
	m.current = nil
	m.token = ""
	m.mu.Unlock()

	if previous != nil {
		previous.Close()
	}
}

func (m *SessionManager) setToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
}
