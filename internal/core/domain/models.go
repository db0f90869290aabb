// Package domain contains the panic-alert entities shared by every layer
// Following Hexagonal Architecture: These models are infrastructure-agnostic
package domain

import (
	"fmt"
	"strings"
	"time"
)

// Role identifies which side of a panic alert a principal sits on
type Role string

const (
	RoleSender     Role = "SENDER"     // the monitored person who raises alerts
	RoleSupervisor Role = "SUPERVISOR" // the responsible person who acknowledges them
)

// ParseRole maps a token role claim to a Role.
// The original backend names (CLIENT, PSYCHOLOGIST) are accepted as aliases.
func ParseRole(s string) (Role, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SENDER", "CLIENT":
		return RoleSender, nil
	case "SUPERVISOR", "PSYCHOLOGIST":
		return RoleSupervisor, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Principal is the authenticated party a topic and alert are addressed to
type Principal struct {
	Identity string `json:"identity"`
	Role     Role   `json:"role"`
}

// IsZero reports whether no identity is known yet
func (p Principal) IsZero() bool {
	return p.Identity == ""
}

// TriggerIntent is produced once by the gesture trigger and consumed by dispatch
type TriggerIntent struct {
	LongPress bool
	At        time.Time
}

// AlertStatus is the server-side lifecycle of an alert record
type AlertStatus string

const (
	AlertStatusPending      AlertStatus = "PENDING"
	AlertStatusAcknowledged AlertStatus = "ACKNOWLEDGED"
)

// ParseAlertStatus normalizes a pushed status value. An empty value means the
// record was just created, which is how the supervisor topic delivers it.
func ParseAlertStatus(s string) (AlertStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "PENDING", "OPEN":
		return AlertStatusPending, nil
	case "ACKNOWLEDGED", "RESOLVED":
		return AlertStatusAcknowledged, nil
	}
	return "", fmt.Errorf("unknown alert status %q", s)
}

// AlertRecord is a read-only snapshot of the durable alert owned by the server
type AlertRecord struct {
	AlertID              int64       `json:"alertId"`
	SenderIdentity       string      `json:"senderIdentity"`
	SupervisorIdentity   string      `json:"supervisorIdentity,omitempty"`
	TriggeredByLongPress bool        `json:"triggeredByLongPress"`
	CreatedAt            time.Time   `json:"createdAt"`
	Status               AlertStatus `json:"status"`
	VideoRoomID          string      `json:"videoRoomId,omitempty"`
	VideoToken           string      `json:"-"` // forwarded to the video session only
}

// HasVideo reports whether the alert carries a room a call can be opened in
func (a AlertRecord) HasVideo() bool {
	return a.VideoRoomID != ""
}

// TriggerLabel is the human readable description of how the alert was raised
func (a AlertRecord) TriggerLabel() string {
	if a.TriggeredByLongPress {
		return "Long press (auto)"
	}
	return "Tap + confirm"
}

// AckRequest is created by the overlay on acknowledge and consumed once
type AckRequest struct {
	AlertID   int64 `json:"-"`
	WithVideo bool  `json:"withVideo"`
}

// AckNotification is delivered on the sender topic; terminal per AlertID
type AckNotification struct {
	AlertID            int64  `json:"alertId"`
	WithVideo          bool   `json:"withVideo"`
	SupervisorIdentity string `json:"supervisorIdentity"`
	VideoRoomID        string `json:"videoRoomId,omitempty"`
	VideoToken         string `json:"-"`
}

// CanJoinVideo reports whether the sender has everything needed to join a call
func (n AckNotification) CanJoinVideo() bool {
	return n.VideoRoomID != "" && n.VideoToken != ""
}

// ConnectionState describes the push subscription lifecycle
type ConnectionState string

const (
	ConnectionIdle         ConnectionState = "idle"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionReconnecting ConnectionState = "reconnecting"
	ConnectionFailed       ConnectionState = "failed"
	ConnectionClosed       ConnectionState = "closed"
)

// ChannelSubscription is the live subscription of one principal to its topic
type ChannelSubscription struct {
	Principal  string          `json:"principal"`
	TopicPath  string          `json:"topic_path"`
	State      ConnectionState `json:"state"`
	RetryCount int             `json:"retry_count"`
	Since      time.Time       `json:"since"` // when State last changed
}

// VideoRoom is what the opaque video collaborator is started with
type VideoRoom struct {
	RoomID      string
	DisplayName string
	Token       string
}

// NotificationLevel constants
type NotificationLevel string

const (
	LevelInfo    NotificationLevel = "info"
	LevelWarning NotificationLevel = "warning"
	LevelError   NotificationLevel = "error"
)

// NotificationKind constants
const (
	NotifyAlertSent         = "alert_sent"
	NotifyAlertFailed       = "alert_failed"
	NotifyConfirmPrompt     = "confirm_prompt"
	NotifyAckFailed         = "ack_failed"
	NotifyAcknowledged      = "acknowledged"
	NotifyVideoOffer        = "video_offer"
	NotifyVideoFailed       = "video_failed"
	NotifyConnectivity      = "connectivity"
	NotifySoundBlocked      = "sound_blocked"
	NotifyAlertReplaced     = "alert_replaced"
	NotifyAlertClosedRemote = "alert_closed_remote"
)

// Notification is a transient, user-visible message (toast or banner)
type Notification struct {
	Level   NotificationLevel `json:"level"`
	Kind    string            `json:"kind"`
	Message string            `json:"message"`
	AlertID int64             `json:"alert_id,omitempty"`
	At      time.Time         `json:"at"`
}
