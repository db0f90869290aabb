// Package metrics holds the Prometheus collectors of the alert core
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "panic_relay"

// Result label values
const (
	ResultOK      = "ok"
	ResultFailure = "failure"
)

var (
	// DispatchTotal counts panic trigger requests by trigger type and result
	DispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_total",
		Help:      "Panic alert dispatch requests by trigger type and result.",
	}, []string{"trigger", "result"})

	// AckTotal counts acknowledge requests by video flag and result
	AckTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ack_total",
		Help:      "Alert acknowledge requests by video escalation and result.",
	}, []string{"video", "result"})

	// ChannelMessagesTotal counts decoded push messages by topic namespace
	ChannelMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "channel_messages_total",
		Help:      "Push messages delivered to the alert channel consumer.",
	}, []string{"kind"})

	// ChannelMalformedTotal counts dropped undecodable payloads
	ChannelMalformedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "channel_malformed_total",
		Help:      "Push messages dropped because they could not be decoded.",
	})

	// ChannelDroppedTotal counts messages that arrived for a closed subscription
	ChannelDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "channel_dropped_total",
		Help:      "Push messages dropped because their subscription was no longer live.",
	})

	// ChannelBacklog is the number of events queued ahead of the consumer
	ChannelBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "channel_backlog",
		Help:      "Alert channel events waiting for the session event loop.",
	})

	// ChannelReconnectsTotal counts transport reconnect attempts
	ChannelReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "channel_reconnects_total",
		Help:      "Push transport reconnect attempts.",
	})

	// AlarmActive is 1 while the audible/haptic alarm runs
	AlarmActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "alarm_active",
		Help:      "Whether the local alarm side effects are running.",
	})
)

// TriggerLabel renders the trigger label of DispatchTotal
func TriggerLabel(longPress bool) string {
	if longPress {
		return "long_press"
	}
	return "confirm"
}

// BoolLabel renders a boolean label value
func BoolLabel(v bool) string {
	return strconv.FormatBool(v)
}
