// Package ports defines interfaces for dependency inversion
// Following Hexagonal Architecture: Core defines contracts, Adapters implement them
package ports

import (
	"context"
	"time"

	"panic-relay/internal/core/domain"
)

// DedupRepository remembers alert ids that were already handled locally
// (acknowledged, closed or delivered as terminal acks) so redelivered pushes
// after a reconnect do not raise the alarm again.
type DedupRepository interface {
	// IsDuplicate checks if an alert id has already been handled
	IsDuplicate(ctx context.Context, eventID string) (bool, error)

	// MarkProcessed marks an alert id as handled
	// Sets a TTL to automatically expire old entries
	MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) error
}

// DispatchClient creates an alert record on the server
type DispatchClient interface {
	// Dispatch posts the trigger and returns the created alert id.
	// Fails with domain.ErrNetworkFailure or domain.ErrNotAuthenticated.
	Dispatch(ctx context.Context, longPress bool) (int64, error)
}

// AckClient acknowledges an alert record on the server
type AckClient interface {
	Acknowledge(ctx context.Context, req domain.AckRequest) error
}

// TokenSource yields the bearer token of the current session
type TokenSource interface {
	// AccessToken returns domain.ErrNotAuthenticated when there is no session
	AccessToken() (string, error)
}

// MessageHandler receives one raw push message
type MessageHandler func(topic string, payload []byte)

// StateHandler receives connection state changes of a push connection.
// attempt counts reconnect attempts since the last successful connect.
type StateHandler func(state domain.ConnectionState, attempt int, err error)

// DialOptions configures one push connection
type DialOptions struct {
	ClientID string
	Token    string
	OnState  StateHandler
}

// PushDialer establishes push connections. Dial makes a single connection
// attempt; retrying the initial connect is the caller's job, while a
// connection that was established reconnects by itself.
type PushDialer interface {
	Dial(ctx context.Context, opts DialOptions) (PushConn, error)
}

// PushConn is an established, self-reconnecting push connection
type PushConn interface {
	// Subscribe registers handler for topic; the subscription survives reconnects
	Subscribe(ctx context.Context, topic string, handler MessageHandler) error
	Unsubscribe(ctx context.Context, topic string) error
	// Close releases the connection; no handler is invoked afterwards
	Close() error
}

// AlarmDevice is the audible/haptic hardware. Only the side-effect manager may
// hold a reference to it.
type AlarmDevice interface {
	// PlaySound starts the looping alarm cue. It may fail when the platform
	// blocks autoplay.
	PlaySound() error
	StopSound()
	// Vibrate plays one on/off pattern (on, off, on, ...)
	Vibrate(pattern []time.Duration) error
	StopVibration()
}

// VideoSession is the opaque video collaborator. It renders its own UI and
// calls onEnded exactly once when the call terminates for any reason.
type VideoSession interface {
	Start(ctx context.Context, room domain.VideoRoom, onEnded func(reason string)) error
	Stop()
}

// Notifier surfaces transient user-visible notifications
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification)
}

// PrincipalResolver extracts the principal a bearer token was issued to
type PrincipalResolver interface {
	Resolve(token string) (domain.Principal, error)
}
