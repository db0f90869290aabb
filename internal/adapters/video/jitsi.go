// Package video adapts Jitsi meetings to the video session port. The meeting
// itself is rendered by whatever UI opens the call URL; this package tracks
// the single active call and reports its end exactly once.
package video

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"panic-relay/internal/core/domain"
	"panic-relay/internal/core/ports"
)

var _ ports.VideoSession = (*Jitsi)(nil)

// SubjectFunc returns the sub claim of a token; the Jitsi tenant
type SubjectFunc func(token string) (string, error)

// Call describes a running meeting
type Call struct {
	URL         string    `json:"url"`
	Tenant      string    `json:"tenant"`
	Room        string    `json:"room"`
	DisplayName string    `json:"display_name"`
	StartedAt   time.Time `json:"started_at"`
}

// Opener presents a call to the user, e.g. by pushing it to a UI
type Opener func(ctx context.Context, call Call) error

// Jitsi implements ports.VideoSession for a Jitsi deployment with JWT tenants
type Jitsi struct {
	domain  string
	subject SubjectFunc
	open    Opener

	mu     sync.Mutex
	active *activeCall
}

type activeCall struct {
	call    Call
	once    sync.Once
	onEnded func(reason string)
}

func (a *activeCall) end(reason string) {
	a.once.Do(func() {
		if a.onEnded != nil {
			a.onEnded(reason)
		}
	})
}

// NewJitsi creates the adapter. open may be nil.
func NewJitsi(domain string, subject SubjectFunc, open Opener) *Jitsi {
	return &Jitsi{
		domain:  strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(domain, "https://"), "http://"), "/"),
		subject: subject,
		open:    open,
	}
}

// Start opens room. A call that is still active ends with reason "replaced".
func (j *Jitsi) Start(ctx context.Context, room domain.VideoRoom, onEnded func(reason string)) error {
	call, err := j.build(room)
	if err != nil {
		return err
	}

	next := &activeCall{call: call, onEnded: onEnded}
	j.mu.Lock()
	prev := j.active
	j.active = next
	j.mu.Unlock()

	if prev != nil {
		prev.end("replaced")
	}

	if j.open != nil {
		if err := j.open(ctx, call); err != nil {
			j.mu.Lock()
			if j.active == next {
				j.active = nil
			}
			j.mu.Unlock()
			return fmt.Errorf("open video call: %w", err)
		}
	}

	slog.Info("📹 Video call started", "tenant", call.Tenant, "room", call.Room)
	return nil
}

// Stop ends the active call, if any
func (j *Jitsi) Stop() {
	j.Hangup("stopped")
}

// Hangup ends the active call with reason, as the meeting UI does on leave
func (j *Jitsi) Hangup(reason string) bool {
	j.mu.Lock()
	active := j.active
	j.active = nil
	j.mu.Unlock()

	if active == nil {
		return false
	}
	slog.Info("Video call ended", "room", active.call.Room, "reason", reason)
	active.end(reason)
	return true
}

// Active returns the running call
func (j *Jitsi) Active() (Call, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.active == nil {
		return Call{}, false
	}
	return j.active.call, true
}

func (j *Jitsi) build(room domain.VideoRoom) (Call, error) {
	if room.RoomID == "" {
		return Call{}, fmt.Errorf("video room id is empty")
	}
	if j.domain == "" {
		return Call{}, fmt.Errorf("video domain is not configured")
	}

	var tenant string
	if room.Token != "" && j.subject != nil {
		sub, err := j.subject(room.Token)
		if err != nil {
			return Call{}, fmt.Errorf("video token: %w", err)
		}
		tenant = sub
	}

	path := "/" + url.PathEscape(room.RoomID)
	if tenant != "" {
		path = "/" + url.PathEscape(tenant) + path
	}

	u := url.URL{Scheme: "https", Host: j.domain, Path: path}
	if room.Token != "" {
		u.RawQuery = url.Values{"jwt": {room.Token}}.Encode()
	}
	if room.DisplayName != "" {
		u.Fragment = "userInfo.displayName=" + url.QueryEscape(fmt.Sprintf("%q", room.DisplayName))
	}

	return Call{
		URL:         u.String(),
		Tenant:      tenant,
		Room:        room.RoomID,
		DisplayName: room.DisplayName,
		StartedAt:   time.Now(),
	}, nil
}
