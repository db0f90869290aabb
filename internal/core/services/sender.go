package services

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"panic-relay/internal/core/domain"
	"panic-relay/internal/core/ports"
)

// SenderConfig tunes the sender side
type SenderConfig struct {
	AutoJoinVideo bool // join the call as soon as the ack offers one
	DisplayName   string
	HandledTTL    time.Duration
}

// SenderSnapshot is a point-in-time view of the sender side
type SenderSnapshot struct {
	Pending []int64                 `json:"pending"`
	Offer   *domain.AckNotification `json:"offer,omitempty"`
	InCall  bool                    `json:"in_call"`
	CallFor int64                   `json:"call_for,omitempty"`
	LastAck *domain.AckNotification `json:"last_ack,omitempty"`
}

// SenderController reacts to acknowledgments of the alerts this principal
// raised. Each AckNotification is terminal for its alert id.
type SenderController struct {
	mu       sync.Mutex
	alarm    *SideEffectManager
	video    ports.VideoSession
	notifier ports.Notifier
	handled  handledSet
	cfg      SenderConfig
	clock    func() time.Time

	pending  map[int64]time.Time // dispatched, not yet acknowledged
	acked    map[int64]struct{}  // acked in this session, seen before the dispatch reply
	offer    *domain.AckNotification
	lastAck  *domain.AckNotification
	callFor  int64
	callGen  uint64
	disposed bool

	observers []func(SenderSnapshot)
}

// NewSenderController wires the sender side. alarm is the sender's local
// side-effect manager, stopped whenever an acknowledgment arrives.
func NewSenderController(
	alarm *SideEffectManager,
	video ports.VideoSession,
	dedup ports.DedupRepository,
	notifier ports.Notifier,
	cfg SenderConfig,
) *SenderController {
	return &SenderController{
		alarm:    alarm,
		video:    video,
		notifier: notifier,
		handled:  newHandledSet(dedup, "ack", cfg.HandledTTL),
		cfg:      cfg,
		clock:    time.Now,
		pending:  make(map[int64]time.Time),
		acked:    make(map[int64]struct{}),
	}
}

// OnChange registers an observer called after every state change
func (s *SenderController) OnChange(fn func(SenderSnapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Dispatched records an alert created by this principal. An ack that already
// arrived for the id wins: the late reply does not reopen the pending state.
func (s *SenderController) Dispatched(alertID int64) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	if _, done := s.acked[alertID]; done {
		s.mu.Unlock()
		slog.Debug("Dispatch reply after its acknowledgment", "alert_id", alertID)
		return
	}
	s.pending[alertID] = s.clock()
	s.mu.Unlock()

	slog.Info("Waiting for acknowledgment", "alert_id", alertID)
	s.publish()
}

// Snapshot returns the current sender view
func (s *SenderController) Snapshot() SenderSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// HandleEvent applies one channel event; acks are deduplicated by alert id
func (s *SenderController) HandleEvent(ctx context.Context, ev domain.ChannelEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("PANIC recovered in sender event handling", "panic", r)
		}
	}()

	ackEv, ok := ev.(domain.AckEvent)
	if !ok {
		return
	}
	ack := ackEv.Ack

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	if _, done := s.acked[ack.AlertID]; done {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if s.handled.seen(ctx, ack.AlertID) {
		slog.Debug("Ignoring redelivered acknowledgment", "alert_id", ack.AlertID)
		return
	}
	s.handled.mark(ctx, ack.AlertID)

	s.mu.Lock()
	s.acked[ack.AlertID] = struct{}{}
	delete(s.pending, ack.AlertID)
	s.lastAck = &ack
	canJoin := ack.WithVideo && ack.CanJoinVideo() && s.video != nil
	if canJoin {
		s.offer = &ack
	}
	autoJoin := canJoin && s.cfg.AutoJoinVideo
	s.mu.Unlock()

	s.alarm.Stop("acknowledged")
	slog.Info("✅ Alert acknowledged by supervisor",
		"alert_id", ack.AlertID,
		"supervisor", ack.SupervisorIdentity,
		"with_video", ack.WithVideo,
	)

	switch {
	case autoJoin:
		s.notify(ctx, domain.LevelInfo, domain.NotifyAcknowledged,
			"Your supervisor acknowledged the alert, joining video call", ack.AlertID)
		if err := s.JoinVideo(ctx); err != nil {
			slog.Error("Automatic video join failed", "error", err, "alert_id", ack.AlertID)
		}
	case canJoin:
		s.notify(ctx, domain.LevelInfo, domain.NotifyVideoOffer,
			"Your supervisor acknowledged the alert and started a video call", ack.AlertID)
	default:
		s.notify(ctx, domain.LevelInfo, domain.NotifyAcknowledged,
			"Your supervisor acknowledged the alert", ack.AlertID)
	}
	s.publish()
}

// JoinVideo accepts the offered call
func (s *SenderController) JoinVideo(ctx context.Context) error {
	s.mu.Lock()
	if s.offer == nil || s.video == nil {
		s.mu.Unlock()
		return domain.ErrNoVideoOffer
	}
	offer := *s.offer
	s.offer = nil
	s.callGen++
	gen := s.callGen
	s.callFor = offer.AlertID
	s.mu.Unlock()
	s.publish()

	room := domain.VideoRoom{
		RoomID:      offer.VideoRoomID,
		DisplayName: s.cfg.DisplayName,
		Token:       offer.VideoToken,
	}
	err := s.video.Start(ctx, room, func(reason string) {
		s.callEnded(gen, reason)
	})
	if err != nil {
		s.notify(ctx, domain.LevelError, domain.NotifyVideoFailed, "Video call could not be started", offer.AlertID)
		s.callEnded(gen, "start failed")
		return err
	}
	slog.Info("Joined video call", "alert_id", offer.AlertID, "room", offer.VideoRoomID)
	return nil
}

// VideoEnded reports that the call ended, by any means
func (s *SenderController) VideoEnded(reason string) {
	s.mu.Lock()
	gen := s.callGen
	s.mu.Unlock()

	s.callEnded(gen, reason)
}

// Dispose stops local side effects and a running call
func (s *SenderController) Dispose() {
	s.mu.Lock()
	s.disposed = true
	inCall := s.callFor != 0
	s.callGen++
	s.callFor = 0
	s.offer = nil
	s.pending = make(map[int64]time.Time)
	s.mu.Unlock()

	s.alarm.Stop("dispose")
	if inCall && s.video != nil {
		s.video.Stop()
	}
	s.publish()
}

func (s *SenderController) callEnded(gen uint64, reason string) {
	s.mu.Lock()
	if gen != s.callGen || s.callFor == 0 {
		s.mu.Unlock()
		return
	}
	alertID := s.callFor
	s.callFor = 0
	s.mu.Unlock()

	slog.Info("Video call ended", "alert_id", alertID, "reason", reason)
	s.publish()
}

func (s *SenderController) snapshotLocked() SenderSnapshot {
	pending := make([]int64, 0, len(s.pending))
	for id := range s.pending {
		pending = append(pending, id)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i] < pending[j] })

	snap := SenderSnapshot{
		Pending: pending,
		InCall:  s.callFor != 0,
		CallFor: s.callFor,
	}
	if s.offer != nil {
		offer := *s.offer
		snap.Offer = &offer
	}
	if s.lastAck != nil {
		last := *s.lastAck
		snap.LastAck = &last
	}
	return snap
}

func (s *SenderController) publish() {
	s.mu.Lock()
	snap := s.snapshotLocked()
	observers := append([]func(SenderSnapshot){}, s.observers...)
	s.mu.Unlock()

	for _, fn := range observers {
		fn(snap)
	}
}

func (s *SenderController) notify(ctx context.Context, level domain.NotificationLevel, kind, msg string, alertID int64) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, domain.Notification{
		Level:   level,
		Kind:    kind,
		Message: msg,
		AlertID: alertID,
		At:      s.clock(),
	})
}
