package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"panic-relay/internal/core/domain"
	"panic-relay/internal/core/ports"
)

// Overlay states
const (
	OverlayIdle        = "idle"
	OverlayAlertActive = "alert_active"
	OverlayInCall      = "in_call"
)

// Overlay events
const (
	overlayEventShow       = "show"
	overlayEventAckVideo   = "ack_video"
	overlayEventDismiss    = "dismiss"
	overlayEventCallEnded  = "call_ended"
	overlayEventResetAlert = "reset_alert"
	overlayEventResetCall  = "reset_call"
)

// OverlayConfig tunes the supervisor overlay
type OverlayConfig struct {
	DisplayName string        // shown to the other call participant
	HandledTTL  time.Duration // how long acknowledged/closed ids stay deduplicated
}

// OverlaySnapshot is a point-in-time view of the supervisor overlay
type OverlaySnapshot struct {
	State    string              `json:"state"`
	Alert    *domain.AlertRecord `json:"alert,omitempty"`
	CallWith *domain.AlertRecord `json:"call_with,omitempty"`
	Deferred *domain.AlertRecord `json:"deferred,omitempty"`
	Alarm    SideEffectStatus    `json:"alarm"`
}

// OverlayController is the supervisor side state machine:
// idle -> alert_active -> (in_call) -> idle.
// Leaving alert_active by any transition stops the alarm.
type OverlayController struct {
	mu       sync.Mutex
	machine  *fsm.FSM
	alarm    *SideEffectManager
	acks     ports.AckClient
	video    ports.VideoSession
	notifier ports.Notifier
	handled  handledSet
	cfg      OverlayConfig

	current  *domain.AlertRecord // displayed alert (alert_active)
	call     *domain.AlertRecord // alert the call was opened for (in_call)
	deferred *domain.AlertRecord // newest alert received during a call
	finished map[int64]struct{}  // ids acknowledged or closed here, or acknowledged remotely
	callGen  uint64
	disposed bool

	observers []func(OverlaySnapshot)
}

// NewOverlayController wires the supervisor overlay
func NewOverlayController(
	alarm *SideEffectManager,
	acks ports.AckClient,
	video ports.VideoSession,
	dedup ports.DedupRepository,
	notifier ports.Notifier,
	cfg OverlayConfig,
) *OverlayController {
	o := &OverlayController{
		alarm:    alarm,
		acks:     acks,
		video:    video,
		notifier: notifier,
		handled:  newHandledSet(dedup, "alert", cfg.HandledTTL),
		cfg:      cfg,
		finished: make(map[int64]struct{}),
	}

	o.machine = fsm.NewFSM(
		OverlayIdle,
		fsm.Events{
			{Name: overlayEventShow, Src: []string{OverlayIdle}, Dst: OverlayAlertActive},
			{Name: overlayEventAckVideo, Src: []string{OverlayAlertActive}, Dst: OverlayInCall},
			{Name: overlayEventDismiss, Src: []string{OverlayAlertActive}, Dst: OverlayIdle},
			{Name: overlayEventCallEnded, Src: []string{OverlayInCall}, Dst: OverlayIdle},
			{Name: overlayEventResetAlert, Src: []string{OverlayAlertActive}, Dst: OverlayIdle},
			{Name: overlayEventResetCall, Src: []string{OverlayInCall}, Dst: OverlayIdle},
		},
		fsm.Callbacks{
			"enter_" + OverlayAlertActive: func(_ context.Context, e *fsm.Event) {
				o.alarm.Start("panic alert")
			},
			"leave_" + OverlayAlertActive: func(_ context.Context, e *fsm.Event) {
				o.alarm.Stop(e.Event)
			},
		},
	)
	return o
}

// OnChange registers an observer called after every state change
func (o *OverlayController) OnChange(fn func(OverlaySnapshot)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.observers = append(o.observers, fn)
}

// State returns the current overlay state
func (o *OverlayController) State() string {
	return o.machine.Current()
}

// Snapshot returns the current overlay view
func (o *OverlayController) Snapshot() OverlaySnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

// HandleEvent applies one channel event. Alerts are idempotent per alertId.
func (o *OverlayController) HandleEvent(ctx context.Context, ev domain.ChannelEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("PANIC recovered in overlay event handling", "panic", r)
		}
	}()

	alert, ok := ev.(domain.AlertEvent)
	if !ok {
		return
	}

	record := alert.Record
	if record.Status == domain.AlertStatusAcknowledged {
		o.handleRemoteAck(ctx, record)
		return
	}

	if o.handled.seen(ctx, record.AlertID) {
		slog.Debug("Ignoring already handled alert", "alert_id", record.AlertID)
		return
	}

	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return
	}
	// The shared dedup check above may have raced a local acknowledge
	if _, done := o.finished[record.AlertID]; done {
		o.mu.Unlock()
		slog.Debug("Ignoring redelivered alert", "alert_id", record.AlertID)
		return
	}

	switch o.machine.Current() {
	case OverlayIdle:
		o.current = &record
		if err := o.fire(overlayEventShow); err != nil {
			o.current = nil
			o.mu.Unlock()
			slog.Error("Overlay show rejected", "error", err)
			return
		}
		slog.Warn("🚨 Panic alert received",
			"alert_id", record.AlertID,
			"sender", record.SenderIdentity,
			"trigger", record.TriggerLabel(),
			"has_video", record.HasVideo(),
		)

	case OverlayAlertActive:
		if o.current != nil && o.current.AlertID == record.AlertID {
			o.mu.Unlock()
			return
		}
		previous := o.current
		o.current = &record
		slog.Info("Displayed alert replaced by newer alert",
			"previous_alert_id", alertIDOf(previous),
			"alert_id", record.AlertID,
		)

	case OverlayInCall:
		if o.call != nil && o.call.AlertID == record.AlertID {
			o.mu.Unlock()
			return
		}
		o.deferred = &record
		o.mu.Unlock()
		slog.Warn("Panic alert received during call, deferred", "alert_id", record.AlertID)
		o.notify(ctx, domain.LevelWarning, domain.NotifyAlertReplaced,
			fmt.Sprintf("New panic alert from %s, shown when the call ends", record.SenderIdentity),
			record.AlertID)
		o.publish()
		return
	}

	o.mu.Unlock()
	o.publish()
}

// Acknowledge answers the displayed alert. The alarm stops and the local
// transition (in_call when video is requested and a room is known, idle
// otherwise) completes before the ack request is sent. A failed request is
// reported but never reverts the transition and is not retried.
func (o *OverlayController) Acknowledge(ctx context.Context, withVideo bool) error {
	o.mu.Lock()
	if o.machine.Current() != OverlayAlertActive || o.current == nil {
		o.mu.Unlock()
		return domain.ErrNoActiveAlert
	}

	record := *o.current
	joinCall := withVideo && record.HasVideo() && o.video != nil

	event := overlayEventDismiss
	if joinCall {
		event = overlayEventAckVideo
	}
	if err := o.fire(event); err != nil {
		// The alarm must never outlive a failed transition
		o.alarm.Stop("acknowledge rejected")
		o.mu.Unlock()
		return fmt.Errorf("acknowledge: %w", err)
	}

	o.current = nil
	o.finished[record.AlertID] = struct{}{}
	gen := o.callGen
	if joinCall {
		o.callGen++
		gen = o.callGen
		o.call = &record
	}
	o.mu.Unlock()

	o.handled.mark(ctx, record.AlertID)
	o.publish()

	slog.Info("Alert acknowledged locally",
		"alert_id", record.AlertID,
		"with_video", withVideo,
		"in_call", joinCall,
	)

	err := o.acks.Acknowledge(ctx, domain.AckRequest{AlertID: record.AlertID, WithVideo: withVideo})
	if err != nil {
		slog.Error("Acknowledge request failed",
			"error", err,
			"alert_id", record.AlertID,
		)
		o.notify(ctx, domain.LevelWarning, domain.NotifyAckFailed,
			"Alert closed locally, but the server could not be notified", record.AlertID)
	} else {
		o.notify(ctx, domain.LevelInfo, domain.NotifyAcknowledged, "Alert acknowledged", record.AlertID)
	}

	if joinCall {
		o.startCall(ctx, record, gen)
	} else {
		o.showDeferred(ctx)
	}
	return nil
}

// Close dismisses the displayed alert without acknowledging it
func (o *OverlayController) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.machine.Current() != OverlayAlertActive || o.current == nil {
		o.mu.Unlock()
		return domain.ErrNoActiveAlert
	}

	alertID := o.current.AlertID
	if err := o.fire(overlayEventDismiss); err != nil {
		o.alarm.Stop("close rejected")
		o.mu.Unlock()
		return fmt.Errorf("close: %w", err)
	}
	o.current = nil
	o.finished[alertID] = struct{}{}
	o.mu.Unlock()

	o.handled.mark(ctx, alertID)
	slog.Info("Alert closed without acknowledgment", "alert_id", alertID)
	o.publish()
	return nil
}

// VideoEnded reports that the call ended, by any means
func (o *OverlayController) VideoEnded(ctx context.Context, reason string) {
	o.mu.Lock()
	gen := o.callGen
	o.mu.Unlock()

	o.callEnded(ctx, gen, reason)
}

// StartSound is the manual "start sound" affordance
func (o *OverlayController) StartSound(ctx context.Context) error {
	if err := o.alarm.RetrySound(); err != nil {
		if o.alarm.IsActive() {
			o.notify(ctx, domain.LevelWarning, domain.NotifySoundBlocked,
				"Alarm sound is blocked on this device", alertIDOf(o.Snapshot().Alert))
		}
		return err
	}
	o.publish()
	return nil
}

// Dispose releases everything the overlay holds: the alarm is stopped and a
// running call is ended. The controller ignores events afterwards.
func (o *OverlayController) Dispose() {
	o.mu.Lock()
	o.disposed = true
	o.deferred = nil

	inCall := false
	switch o.machine.Current() {
	case OverlayAlertActive:
		_ = o.fire(overlayEventResetAlert)
	case OverlayInCall:
		inCall = true
		o.callGen++
		_ = o.fire(overlayEventResetCall)
	}
	o.current = nil
	o.call = nil
	o.mu.Unlock()

	// Unconditional, also covers a failed transition above
	o.alarm.Stop("dispose")
	if inCall && o.video != nil {
		o.video.Stop()
	}
	o.publish()
}

// handleRemoteAck closes the overlay when the displayed alert was
// acknowledged elsewhere
func (o *OverlayController) handleRemoteAck(ctx context.Context, record domain.AlertRecord) {
	o.handled.mark(ctx, record.AlertID)

	o.mu.Lock()
	o.finished[record.AlertID] = struct{}{}
	if o.deferred != nil && o.deferred.AlertID == record.AlertID {
		o.deferred = nil
	}
	if o.machine.Current() != OverlayAlertActive || o.current == nil || o.current.AlertID != record.AlertID {
		o.mu.Unlock()
		return
	}
	if err := o.fire(overlayEventDismiss); err != nil {
		o.alarm.Stop("remote acknowledge rejected")
		o.mu.Unlock()
		return
	}
	o.current = nil
	o.mu.Unlock()

	slog.Info("Alert acknowledged on another device", "alert_id", record.AlertID)
	o.notify(ctx, domain.LevelInfo, domain.NotifyAlertClosedRemote,
		"Alert was acknowledged on another device", record.AlertID)
	o.publish()
}

func (o *OverlayController) startCall(ctx context.Context, record domain.AlertRecord, gen uint64) {
	room := domain.VideoRoom{
		RoomID:      record.VideoRoomID,
		DisplayName: o.cfg.DisplayName,
		Token:       record.VideoToken,
	}

	err := o.video.Start(ctx, room, func(reason string) {
		o.callEnded(context.WithoutCancel(ctx), gen, reason)
	})
	if err != nil {
		slog.Error("Video call could not start",
			"error", err,
			"alert_id", record.AlertID,
		)
		o.notify(ctx, domain.LevelError, domain.NotifyVideoFailed, "Video call could not be started", record.AlertID)
		o.callEnded(ctx, gen, "start failed")
	}
}

// callEnded leaves in_call for the call of generation gen
func (o *OverlayController) callEnded(ctx context.Context, gen uint64, reason string) {
	o.mu.Lock()
	if gen != o.callGen || o.machine.Current() != OverlayInCall {
		o.mu.Unlock()
		return
	}
	alertID := alertIDOf(o.call)
	if err := o.fire(overlayEventCallEnded); err != nil {
		o.mu.Unlock()
		slog.Error("Overlay call end rejected", "error", err)
		return
	}
	o.call = nil
	o.mu.Unlock()

	slog.Info("Video call ended", "alert_id", alertID, "reason", reason)
	o.publish()
	o.showDeferred(ctx)
}

// showDeferred displays the alert that arrived during a call
func (o *OverlayController) showDeferred(ctx context.Context) {
	o.mu.Lock()
	next := o.deferred
	o.deferred = nil
	o.mu.Unlock()

	if next != nil {
		o.HandleEvent(ctx, domain.AlertEvent{Record: *next})
	}
}

// fire runs an fsm event; callers hold o.mu
func (o *OverlayController) fire(event string) error {
	return o.machine.Event(context.Background(), event)
}

func (o *OverlayController) snapshotLocked() OverlaySnapshot {
	return OverlaySnapshot{
		State:    o.machine.Current(),
		Alert:    copyRecord(o.current),
		CallWith: copyRecord(o.call),
		Deferred: copyRecord(o.deferred),
		Alarm:    o.alarm.Status(),
	}
}

func (o *OverlayController) publish() {
	o.mu.Lock()
	snap := o.snapshotLocked()
	observers := append([]func(OverlaySnapshot){}, o.observers...)
	o.mu.Unlock()

	for _, fn := range observers {
		fn(snap)
	}
}

func (o *OverlayController) notify(ctx context.Context, level domain.NotificationLevel, kind, msg string, alertID int64) {
	if o.notifier == nil {
		return
	}
	o.notifier.Notify(ctx, domain.Notification{
		Level:   level,
		Kind:    kind,
		Message: msg,
		AlertID: alertID,
		At:      time.Now(),
	})
}

func copyRecord(r *domain.AlertRecord) *domain.AlertRecord {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

func alertIDOf(r *domain.AlertRecord) int64 {
	if r == nil {
		return 0
	}
	return r.AlertID
}
