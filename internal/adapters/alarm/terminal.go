// Package alarm drives the alarm cue on a terminal: the bell rings in a loop
// and vibration pulses are rendered as a visual marker.
package alarm

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"panic-relay/internal/core/domain"
	"panic-relay/internal/core/ports"
)

var _ ports.AlarmDevice = (*Terminal)(nil)

const defaultBellInterval = time.Second

// Terminal implements ports.AlarmDevice on an io.Writer
type Terminal struct {
	mu       sync.Mutex
	out      io.Writer
	interval time.Duration
	blocked  bool // no audio output available, as on a non-tty

	stopBell chan struct{}
	bellDone chan struct{}
	pulses   int
}

// NewTerminal creates a device writing to out. With blocked set, PlaySound
// fails with domain.ErrSoundBlocked until Unblock is called.
func NewTerminal(out io.Writer, interval time.Duration, blocked bool) *Terminal {
	if interval <= 0 {
		interval = defaultBellInterval
	}
	return &Terminal{out: out, interval: interval, blocked: blocked}
}

// Unblock allows sound, as a user gesture does in a browser
func (t *Terminal) Unblock() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blocked = false
}

// PlaySound starts ringing the bell until StopSound
func (t *Terminal) PlaySound() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.blocked {
		return domain.ErrSoundBlocked
	}
	if t.stopBell != nil {
		return nil
	}

	t.stopBell = make(chan struct{})
	t.bellDone = make(chan struct{})
	go t.ring(t.stopBell, t.bellDone)
	return nil
}

// StopSound silences the bell
func (t *Terminal) StopSound() {
	t.mu.Lock()
	stop, done := t.stopBell, t.bellDone
	t.stopBell, t.bellDone = nil, nil
	t.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Vibrate renders one pattern
func (t *Terminal) Vibrate(pattern []time.Duration) error {
	t.mu.Lock()
	t.pulses++
	t.mu.Unlock()

	var on time.Duration
	for i, d := range pattern {
		if i%2 == 0 {
			on += d
		}
	}
	slog.Debug("Vibration pattern", "pulses", (len(pattern)+1)/2, "on", on)
	t.write("\r[!! PANIC !!]\r")
	return nil
}

// StopVibration is a no-op: a pattern is rendered at once
func (t *Terminal) StopVibration() {}

// Ringing reports whether the bell loop runs
func (t *Terminal) Ringing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopBell != nil
}

// Pulses returns how many vibration patterns were rendered
func (t *Terminal) Pulses() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pulses
}

func (t *Terminal) ring(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.write("\a")
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.write("\a")
		}
	}
}

func (t *Terminal) write(s string) {
	if t.out == nil {
		return
	}
	if _, err := io.WriteString(t.out, s); err != nil {
		slog.Debug("Alarm output failed", "error", err)
	}
}
