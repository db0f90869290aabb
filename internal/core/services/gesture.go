package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/looplab/fsm"

	"panic-relay/internal/core/domain"
	"panic-relay/internal/core/ports"
)

// Gesture trigger states
const (
	GestureIdle           = "idle"
	GestureHolding        = "holding"
	GestureSent           = "sent"
	GestureConfirmPending = "confirm_pending"
)

// Gesture trigger events
const (
	gestureEventPress        = "press"
	gestureEventHoldComplete = "hold_complete"
	gestureEventRelease      = "release"
	gestureEventAbort        = "abort"
	gestureEventConfirm      = "confirm"
	gestureEventCancel       = "cancel"
	gestureEventDispatchDone = "dispatch_done"
)

const (
	DefaultHoldThreshold = 5 * time.Second
	DefaultTickInterval  = 50 * time.Millisecond
)

// GestureConfig tunes the hold gesture
type GestureConfig struct {
	HoldThreshold time.Duration
	TickInterval  time.Duration
}

// GestureObserver receives UI feedback. Callbacks run outside the trigger's
// lock but must not block.
type GestureObserver struct {
	OnProgress      func(fraction float64)
	OnConfirmPrompt func()
	OnStateChange   func(state string)
}

// GestureTrigger turns a press-and-hold (or tap + confirm) into at most one
// in-flight alert dispatch.
type GestureTrigger struct {
	mu         sync.Mutex
	machine    *fsm.FSM
	clock      clockwork.Clock
	cfg        GestureConfig
	dispatcher ports.DispatchClient
	notifier   ports.Notifier
	observer   GestureObserver
	ctx        context.Context

	// onDispatched hands a created alert id to the sender controller
	onDispatched func(alertID int64)

	enabled   bool
	closed    bool
	gen       uint64 // invalidates timers armed for a previous hold
	holdStart time.Time
	deadline  clockwork.Timer
	stopTick  chan struct{}
	progress  float64

	inflight sync.WaitGroup
}

// NewGestureTrigger creates an enabled trigger. ctx scopes notifications and
// the dispatch calls; cancelling it does not abort a dispatch already sent.
func NewGestureTrigger(
	ctx context.Context,
	dispatcher ports.DispatchClient,
	notifier ports.Notifier,
	clock clockwork.Clock,
	cfg GestureConfig,
	observer GestureObserver,
) *GestureTrigger {
	if ctx == nil {
		ctx = context.Background()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.HoldThreshold <= 0 {
		cfg.HoldThreshold = DefaultHoldThreshold
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}

	return &GestureTrigger{
		machine: fsm.NewFSM(
			GestureIdle,
			fsm.Events{
				{Name: gestureEventPress, Src: []string{GestureIdle, GestureConfirmPending}, Dst: GestureHolding},
				{Name: gestureEventHoldComplete, Src: []string{GestureHolding}, Dst: GestureSent},
				{Name: gestureEventRelease, Src: []string{GestureHolding}, Dst: GestureConfirmPending},
				{Name: gestureEventAbort, Src: []string{GestureHolding, GestureConfirmPending}, Dst: GestureIdle},
				{Name: gestureEventConfirm, Src: []string{GestureConfirmPending}, Dst: GestureSent},
				{Name: gestureEventCancel, Src: []string{GestureConfirmPending}, Dst: GestureIdle},
				{Name: gestureEventDispatchDone, Src: []string{GestureSent}, Dst: GestureIdle},
			},
			fsm.Callbacks{},
		),
		clock:      clock,
		cfg:        cfg,
		dispatcher: dispatcher,
		notifier:   notifier,
		observer:   observer,
		ctx:        ctx,
		enabled:    true,
	}
}

// OnDispatched registers the hook receiving created alert ids
func (t *GestureTrigger) OnDispatched(fn func(alertID int64)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDispatched = fn
}

// State returns the current gesture state
func (t *GestureTrigger) State() string {
	return t.machine.Current()
}

// Busy reports whether a dispatch is in flight (the control is disabled)
func (t *GestureTrigger) Busy() bool {
	return t.machine.Current() == GestureSent
}

// Fraction returns the hold progress in [0, 1]
func (t *GestureTrigger) Fraction() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.machine.Current() == GestureHolding {
		return holdFraction(t.clock.Since(t.holdStart), t.cfg.HoldThreshold)
	}
	return t.progress
}

// PressStart begins a hold. It is ignored while disabled or while a dispatch
// is in flight; the returned error says why.
func (t *GestureTrigger) PressStart() error {
	t.mu.Lock()

	if t.closed || !t.enabled {
		t.mu.Unlock()
		return domain.ErrTriggerDisabled
	}

	switch t.machine.Current() {
	case GestureSent:
		t.mu.Unlock()
		return domain.ErrDispatchInFlight
	case GestureHolding:
		t.mu.Unlock()
		return nil
	}

	if err := t.fire(gestureEventPress); err != nil {
		t.mu.Unlock()
		return err
	}

	t.gen++
	gen := t.gen
	t.holdStart = t.clock.Now()
	t.progress = 0
	t.stopTick = make(chan struct{})
	go t.tickLoop(gen, t.holdStart, t.stopTick)
	t.deadline = t.clock.AfterFunc(t.cfg.HoldThreshold, func() {
		t.onDeadline(gen)
	})
	t.mu.Unlock()

	t.emitState(GestureHolding)
	t.emitProgress(0)
	return nil
}

// PressEnd ends a hold. Released before the threshold it raises the
// confirmation prompt; at or past the threshold the hold counts as sent.
func (t *GestureTrigger) PressEnd() {
	t.mu.Lock()

	if t.machine.Current() != GestureHolding {
		t.mu.Unlock()
		return
	}

	elapsed := t.clock.Since(t.holdStart)
	t.clearTimersLocked()

	if elapsed >= t.cfg.HoldThreshold {
		// Lost the race against the deadline callback, which is now
		// invalidated: this path performs the one long-press dispatch.
		t.sendLocked(true, t.holdStart.Add(t.cfg.HoldThreshold))
		return
	}

	if err := t.fire(gestureEventRelease); err != nil {
		t.mu.Unlock()
		slog.Error("Gesture release rejected", "error", err)
		return
	}
	t.progress = 0
	t.mu.Unlock()

	t.emitState(GestureConfirmPending)
	t.emitProgress(0)
	if t.observer.OnConfirmPrompt != nil {
		t.observer.OnConfirmPrompt()
	}
	t.notify(domain.LevelInfo, domain.NotifyConfirmPrompt,
		"Send panic alert? This will notify your supervisor immediately.", 0)
}

// Abort cancels a hold or an open prompt without dispatching (pointer left
// the control).
func (t *GestureTrigger) Abort() {
	t.mu.Lock()
	state := t.machine.Current()
	if state != GestureHolding && state != GestureConfirmPending {
		t.mu.Unlock()
		return
	}
	t.clearTimersLocked()
	t.progress = 0
	_ = t.fire(gestureEventAbort)
	t.mu.Unlock()

	t.emitState(GestureIdle)
	t.emitProgress(0)
}

// Confirm answers the prompt positively: one dispatch with LongPress=false
func (t *GestureTrigger) Confirm() error {
	t.mu.Lock()

	if t.machine.Current() != GestureConfirmPending {
		t.mu.Unlock()
		return fmt.Errorf("%w (state %s)", domain.ErrNoConfirmPrompt, t.machine.Current())
	}
	if t.closed || !t.enabled {
		_ = t.fire(gestureEventCancel)
		t.mu.Unlock()
		t.emitState(GestureIdle)
		return domain.ErrTriggerDisabled
	}

	t.sendLocked(false, t.clock.Now())
	return nil
}

// Cancel answers the prompt negatively: back to idle, nothing dispatched
func (t *GestureTrigger) Cancel() {
	t.mu.Lock()
	if t.machine.Current() != GestureConfirmPending {
		t.mu.Unlock()
		return
	}
	_ = t.fire(gestureEventCancel)
	t.mu.Unlock()

	t.emitState(GestureIdle)
}

// SetEnabled toggles the control. Disabling clears every pending timer and
// drops an unfinished hold or prompt; an in-flight dispatch completes.
func (t *GestureTrigger) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	if enabled {
		t.mu.Unlock()
		return
	}
	dropped := t.resetLocked()
	t.mu.Unlock()

	if dropped {
		t.emitState(GestureIdle)
		t.emitProgress(0)
	}
}

// Close tears the trigger down. No dispatch can start afterwards.
func (t *GestureTrigger) Close() {
	t.mu.Lock()
	t.closed = true
	dropped := t.resetLocked()
	t.mu.Unlock()

	if dropped {
		t.emitState(GestureIdle)
	}
}

// Wait blocks until in-flight dispatches have completed
func (t *GestureTrigger) Wait() {
	t.inflight.Wait()
}

// resetLocked clears timers and abandons a hold or prompt
func (t *GestureTrigger) resetLocked() bool {
	t.clearTimersLocked()
	state := t.machine.Current()
	if state == GestureHolding || state == GestureConfirmPending {
		t.progress = 0
		_ = t.fire(gestureEventAbort)
		return true
	}
	return false
}

// clearTimersLocked cancels the deadline and the progress ticker and bumps
// the generation so callbacks already queued become no-ops.
func (t *GestureTrigger) clearTimersLocked() {
	t.gen++
	if t.deadline != nil {
		t.deadline.Stop()
		t.deadline = nil
	}
	if t.stopTick != nil {
		close(t.stopTick)
		t.stopTick = nil
	}
}

// onDeadline runs when a hold reaches the threshold. It must not call into
// the clock: fake clocks may invoke it while holding their own lock.
func (t *GestureTrigger) onDeadline(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || t.closed || t.machine.Current() != GestureHolding {
		t.mu.Unlock()
		return
	}

	t.gen++
	t.deadline = nil
	if t.stopTick != nil {
		close(t.stopTick)
		t.stopTick = nil
	}
	t.sendLocked(true, t.holdStart.Add(t.cfg.HoldThreshold))
}

// sendLocked moves to sent and starts the dispatch. It releases t.mu.
func (t *GestureTrigger) sendLocked(longPress bool, at time.Time) {
	event := gestureEventConfirm
	if longPress {
		event = gestureEventHoldComplete
		t.progress = 1
	} else {
		t.progress = 0
	}
	if err := t.fire(event); err != nil {
		t.mu.Unlock()
		slog.Error("Gesture dispatch transition rejected", "error", err, "long_press", longPress)
		return
	}

	intent := domain.TriggerIntent{LongPress: longPress, At: at}
	t.inflight.Add(1)
	t.mu.Unlock()

	if longPress {
		t.emitProgress(1)
	}
	t.emitState(GestureSent)

	go t.dispatch(intent)
}

// dispatch performs the network round-trip. Once sent it is never cancelled:
// a late failure is still reported.
func (t *GestureTrigger) dispatch(intent domain.TriggerIntent) {
	defer t.inflight.Done()

	ctx := context.WithoutCancel(t.ctx)
	alertID, err := t.safeDispatch(ctx, intent)

	t.mu.Lock()
	if t.machine.Current() == GestureSent {
		_ = t.fire(gestureEventDispatchDone)
	}
	t.progress = 0
	hook := t.onDispatched
	t.mu.Unlock()

	t.emitState(GestureIdle)
	t.emitProgress(0)

	if err != nil {
		slog.Error("Panic alert dispatch failed",
			"error", err,
			"long_press", intent.LongPress,
		)
		msg := "Failed to send panic alert"
		if errors.Is(err, domain.ErrNotAuthenticated) {
			msg = "Failed to send panic alert: not signed in"
		}
		t.notify(domain.LevelError, domain.NotifyAlertFailed, msg, 0)
		return
	}

	slog.Info("Panic alert dispatched",
		"alert_id", alertID,
		"long_press", intent.LongPress,
		"triggered_at", intent.At,
	)
	msg := "🚨 Panic alert sent"
	if intent.LongPress {
		msg = "🚨 Panic alert sent (long press)"
	}
	t.notify(domain.LevelInfo, domain.NotifyAlertSent, msg, alertID)

	if hook != nil {
		hook(alertID)
	}
}

func (t *GestureTrigger) safeDispatch(ctx context.Context, intent domain.TriggerIntent) (id int64, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("PANIC recovered in alert dispatch", "panic", r)
			err = fmt.Errorf("%w: dispatch panic: %v", domain.ErrNetworkFailure, r)
		}
	}()
	return t.dispatcher.Dispatch(ctx, intent.LongPress)
}

// tickLoop publishes hold progress until the hold ends
func (t *GestureTrigger) tickLoop(gen uint64, start time.Time, stop <-chan struct{}) {
	ticker := t.clock.NewTicker(t.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			fraction := holdFraction(t.clock.Since(start), t.cfg.HoldThreshold)

			t.mu.Lock()
			if gen != t.gen || t.machine.Current() != GestureHolding {
				t.mu.Unlock()
				return
			}
			t.progress = fraction
			t.mu.Unlock()

			t.emitProgress(fraction)
		}
	}
}

// fire runs an fsm event; callers hold t.mu
func (t *GestureTrigger) fire(event string) error {
	return t.machine.Event(context.Background(), event)
}

func (t *GestureTrigger) emitState(state string) {
	if t.observer.OnStateChange != nil {
		t.observer.OnStateChange(state)
	}
}

func (t *GestureTrigger) emitProgress(fraction float64) {
	if t.observer.OnProgress != nil {
		t.observer.OnProgress(fraction)
	}
}

func (t *GestureTrigger) notify(level domain.NotificationLevel, kind, msg string, alertID int64) {
	if t.notifier == nil {
		return
	}
	t.notifier.Notify(t.ctx, domain.Notification{
		Level:   level,
		Kind:    kind,
		Message: msg,
		AlertID: alertID,
		At:      time.Now(),
	})
}

// holdFraction computes clamp(elapsed/threshold, 0, 1)
func holdFraction(elapsed, threshold time.Duration) float64 {
	if threshold <= 0 {
		return 1
	}
	f := float64(elapsed) / float64(threshold)
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
