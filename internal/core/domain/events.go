package domain

import (
	"fmt"
	"strings"
)

// ChannelEvent is one item of the alert channel's event stream.
// The set of implementations is closed: AlertEvent, AckEvent, ConnectivityEvent.
type ChannelEvent interface {
	channelEvent()
}

// AlertEvent carries an alert record pushed to a supervisor
type AlertEvent struct {
	Record AlertRecord
}

// AckEvent carries an acknowledgment pushed to a sender
type AckEvent struct {
	Ack AckNotification
}

// ConnectivityEvent reports a subscription state change worth surfacing.
// Err is set (wrapping ErrConnectionFailure) once retries are exhausted.
type ConnectivityEvent struct {
	State      ConnectionState
	RetryCount int
	Err        error
}

func (AlertEvent) channelEvent()        {}
func (AckEvent) channelEvent()          {}
func (ConnectivityEvent) channelEvent() {}

// TopicKind selects one of the two topic namespaces
type TopicKind int

const (
	// TopicAlerts carries alerts addressed to a supervisor
	TopicAlerts TopicKind = iota
	// TopicAcks carries acknowledgments addressed to a sender
	TopicAcks
)

const (
	alertTopicPrefix = "/topic/panic/"
	ackTopicPrefix   = "/topic/panic-updates/"
)

func (k TopicKind) String() string {
	if k == TopicAcks {
		return "acks"
	}
	return "alerts"
}

// TopicKindFor returns the namespace a principal listens on
func TopicKindFor(role Role) TopicKind {
	if role == RoleSender {
		return TopicAcks
	}
	return TopicAlerts
}

// TopicFor deterministically derives the topic path of an identity
func TopicFor(kind TopicKind, identity string) (string, error) {
	if err := ValidateIdentity(identity); err != nil {
		return "", err
	}
	if kind == TopicAcks {
		return ackTopicPrefix + identity, nil
	}
	return alertTopicPrefix + identity, nil
}

// ValidateIdentity rejects identities that cannot be embedded in a topic.
// Wildcard and separator characters of MQTT, STOMP and Redis patterns are refused.
func ValidateIdentity(identity string) error {
	if identity == "" {
		return fmt.Errorf("%w: empty", ErrInvalidIdentity)
	}
	if strings.ContainsAny(identity, "/+#*? \t\r\n") {
		return fmt.Errorf("%w: %q", ErrInvalidIdentity, identity)
	}
	return nil
}
