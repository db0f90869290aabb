package services

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"panic-relay/internal/core/domain"
	"panic-relay/internal/core/ports"
	"panic-relay/internal/metrics"
)

// DefaultVibrationPattern is 700ms on / 300ms off, three pulses
var DefaultVibrationPattern = []time.Duration{
	700 * time.Millisecond,
	300 * time.Millisecond,
	700 * time.Millisecond,
	300 * time.Millisecond,
	700 * time.Millisecond,
}

// DefaultVibrationCycle re-issues the pattern every 3 seconds
const DefaultVibrationCycle = 3 * time.Second

// SideEffectManager owns the audible/haptic alarm of one controller.
// Start/Stop form a scoped acquisition: every path leaving the alarming
// condition calls Stop, which is unconditional and idempotent.
type SideEffectManager struct {
	mu           sync.Mutex
	device       ports.AlarmDevice
	clock        clockwork.Clock
	pattern      []time.Duration
	cycle        time.Duration
	active       bool
	soundBlocked bool
	activatedAt  time.Time
	reason       string

	stopVibration chan struct{}
	vibrationDone chan struct{}
}

// SideEffectStatus is a point-in-time view of the alarm
type SideEffectStatus struct {
	Active       bool      `json:"active"`
	SoundBlocked bool      `json:"sound_blocked"`
	Reason       string    `json:"reason,omitempty"`
	ActivatedAt  time.Time `json:"activated_at,omitempty"`
}

// NewSideEffectManager creates a manager for device.
// A zero cycle or empty pattern falls back to the defaults.
func NewSideEffectManager(device ports.AlarmDevice, clock clockwork.Clock, pattern []time.Duration, cycle time.Duration) *SideEffectManager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if len(pattern) == 0 {
		pattern = DefaultVibrationPattern
	}
	if cycle <= 0 {
		cycle = DefaultVibrationCycle
	}
	return &SideEffectManager{
		device:  device,
		clock:   clock,
		pattern: pattern,
		cycle:   cycle,
	}
}

// IsActive returns whether the alarm is currently running
func (m *SideEffectManager) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Start begins the looping sound and the repeating vibration.
// Calling Start while already alarming does nothing.
func (m *SideEffectManager) Start(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active {
		return
	}

	m.active = true
	m.reason = reason
	m.activatedAt = m.clock.Now()
	m.soundBlocked = false

	// Autoplay may be blocked; the alarm is still considered running and the
	// manual RetrySound affordance takes over.
	if err := safeDeviceCall(m.device.PlaySound); err != nil {
		m.soundBlocked = true
		slog.Warn("Alarm sound could not start",
			"error", err,
			"reason", reason,
		)
	}

	m.stopVibration = make(chan struct{})
	m.vibrationDone = make(chan struct{})
	go m.vibrationLoop(m.stopVibration, m.vibrationDone)

	metrics.AlarmActive.Set(1)
	slog.Warn("🚨 Alarm started",
		"reason", reason,
		"sound_blocked", m.soundBlocked,
	)
}

// Stop halts sound and vibration and releases the device handles.
// It is safe to call at any time, any number of times.
func (m *SideEffectManager) Stop(reason string) {
	m.mu.Lock()
	wasActive := m.active
	stop, done := m.stopVibration, m.vibrationDone
	m.stopVibration, m.vibrationDone = nil, nil
	duration := time.Duration(0)
	if wasActive {
		duration = m.clock.Since(m.activatedAt)
	}
	m.active = false
	m.soundBlocked = false
	m.reason = ""
	m.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}

	// Always release, even when not marked active
	if err := safeDeviceCall(func() error { m.device.StopVibration(); return nil }); err != nil {
		slog.Error("Failed to stop vibration", "error", err)
	}
	if err := safeDeviceCall(func() error { m.device.StopSound(); return nil }); err != nil {
		slog.Error("Failed to stop alarm sound", "error", err)
	}

	metrics.AlarmActive.Set(0)
	if wasActive {
		slog.Info("✅ Alarm stopped",
			"reason", reason,
			"duration", duration,
		)
	}
}

// RetrySound is the manual "start sound" fallback for blocked autoplay.
// It only acts while alarming and tolerates repeated failure.
func (m *SideEffectManager) RetrySound() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.active {
		return domain.ErrNoActiveAlert
	}

	if err := safeDeviceCall(m.device.PlaySound); err != nil {
		m.soundBlocked = true
		slog.Warn("Manual alarm sound start failed", "error", err)
		return fmt.Errorf("%w: %v", domain.ErrSoundBlocked, err)
	}

	m.soundBlocked = false
	return nil
}

// Status returns the current alarm status
func (m *SideEffectManager) Status() SideEffectStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	return SideEffectStatus{
		Active:       m.active,
		SoundBlocked: m.soundBlocked,
		Reason:       m.reason,
		ActivatedAt:  m.activatedAt,
	}
}

// vibrationLoop re-issues the vibration pattern every cycle until stopped
func (m *SideEffectManager) vibrationLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := m.clock.NewTicker(m.cycle)
	defer ticker.Stop()

	m.vibrateOnce()
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			m.vibrateOnce()
		}
	}
}

func (m *SideEffectManager) vibrateOnce() {
	err := safeDeviceCall(func() error { return m.device.Vibrate(m.pattern) })
	if err != nil {
		// Vibration is unsupported on many hosts
		slog.Debug("Vibration not available", "error", err)
	}
}

// safeDeviceCall shields the caller from a panicking device adapter
func safeDeviceCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("alarm device panic: %v", r)
		}
	}()
	return fn()
}
