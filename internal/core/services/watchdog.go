package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"panic-relay/internal/core/domain"
	"panic-relay/internal/core/ports"
)

const (
	DefaultWatchdogInterval = 30 * time.Second
	DefaultWatchdogGrace    = 2 * time.Minute
)

// ConnectivityWatchdog periodically checks the session's push subscription.
// A missing subscription is reopened; a subscription stuck outside the
// connected state for longer than the grace period raises one warning.
type ConnectivityWatchdog struct {
	clock    clockwork.Clock
	interval time.Duration
	grace    time.Duration
	probe    func() (domain.ChannelSubscription, bool)
	reopen   func(ctx context.Context) error
	notifier ports.Notifier

	mu     sync.Mutex
	warned bool
}

// NewConnectivityWatchdog creates a watchdog. reopen may be nil.
func NewConnectivityWatchdog(
	clock clockwork.Clock,
	interval, grace time.Duration,
	probe func() (domain.ChannelSubscription, bool),
	reopen func(ctx context.Context) error,
	notifier ports.Notifier,
) *ConnectivityWatchdog {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = DefaultWatchdogInterval
	}
	if grace <= 0 {
		grace = DefaultWatchdogGrace
	}
	return &ConnectivityWatchdog{
		clock:    clock,
		interval: interval,
		grace:    grace,
		probe:    probe,
		reopen:   reopen,
		notifier: notifier,
	}
}

// Run checks every interval until ctx is done
func (w *ConnectivityWatchdog) Run(ctx context.Context) {
	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	slog.Info("[WATCHDOG] Service started", "interval", w.interval, "grace", w.grace)
	for {
		select {
		case <-ctx.Done():
			slog.Info("[WATCHDOG] Service stopped")
			return
		case <-ticker.Chan():
			w.Check(ctx)
		}
	}
}

// Check runs one round
func (w *ConnectivityWatchdog) Check(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("PANIC recovered in watchdog", "panic", r)
		}
	}()

	status, live := w.probe()
	if !live {
		if w.reopen == nil {
			return
		}
		slog.Info("[WATCHDOG] No live subscription, reopening")
		if err := w.reopen(ctx); err != nil {
			slog.Warn("[WATCHDOG] Reopen failed", "error", err)
			w.warnOnce(ctx, "Not connected to the alert service, retrying in the background")
		}
		return
	}

	if status.State == domain.ConnectionConnected {
		w.mu.Lock()
		recovered := w.warned
		w.warned = false
		w.mu.Unlock()

		if recovered {
			slog.Info("[WATCHDOG] Connectivity restored", "topic", status.TopicPath)
			w.notify(ctx, domain.LevelInfo, "Connection to the alert service restored")
		}
		return
	}

	down := w.clock.Since(status.Since)
	if down < w.grace {
		slog.Debug("[WATCHDOG] Subscription not connected yet",
			"state", status.State,
			"for", down,
		)
		return
	}

	slog.Warn("[WATCHDOG] Subscription down past grace period",
		"topic", status.TopicPath,
		"state", status.State,
		"for", down,
		"retry_count", status.RetryCount,
	)
	w.warnOnce(ctx, fmt.Sprintf("Alert service unreachable for %s, alerts may be delayed", down.Round(time.Second)))
}

func (w *ConnectivityWatchdog) warnOnce(ctx context.Context, msg string) {
	w.mu.Lock()
	if w.warned {
		w.mu.Unlock()
		return
	}
	w.warned = true
	w.mu.Unlock()

	w.notify(ctx, domain.LevelWarning, msg)
}

func (w *ConnectivityWatchdog) notify(ctx context.Context, level domain.NotificationLevel, msg string) {
	if w.notifier == nil {
		return
	}
	w.notifier.Notify(ctx, domain.Notification{
		Level:   level,
		Kind:    domain.NotifyConnectivity,
		Message: msg,
		At:      w.clock.Now(),
	})
}
