// Package services contains core business logic
// Following Hexagonal Architecture: Services orchestrate domain logic using ports
package services

import (
	"log/slog"
	"strings"

	"panic-relay/internal/adapters/dto"
	"panic-relay/internal/core/domain"
	"panic-relay/internal/metrics"
)

// EventSink receives decoded channel events. It returns false when the event
// was dropped because its subscription is gone.
type EventSink func(ev domain.ChannelEvent) bool

// Dispatcher decodes raw push messages of one topic namespace and forwards
// them to the channel consumer.
// Fire & Forget: it never blocks the transport's delivery goroutine.
type Dispatcher struct {
	kind  domain.TopicKind
	topic string
	sink  EventSink
}

// NewDispatcher creates a dispatcher for messages arriving on topic
func NewDispatcher(kind domain.TopicKind, topic string, sink EventSink) *Dispatcher {
	return &Dispatcher{
		kind:  kind,
		topic: topic,
		sink:  sink,
	}
}

// ProcessMessage handles one delivered message. It has the shape of a
// ports.MessageHandler.
func (d *Dispatcher) ProcessMessage(topic string, payload []byte) {
	// ========================================================================
	// Panic Recovery: a bad payload or a misbehaving consumer must never take
	// the transport's goroutine down
	// ========================================================================
	defer func() {
		if r := recover(); r != nil {
			slog.Error("PANIC recovered in ProcessMessage",
				"panic", r,
				"topic", topic,
			)
		}
	}()

	if topic != "" && !strings.EqualFold(strings.TrimSuffix(topic, "/"), d.topic) {
		slog.Debug("Ignoring message for foreign topic",
			"topic", topic,
			"subscribed", d.topic,
		)
		return
	}

	ev, alertID, err := d.decode(payload)
	if err != nil {
		metrics.ChannelMalformedTotal.Inc()
		slog.Warn("Dropping malformed push message",
			"error", err,
			"topic", d.topic,
			"bytes", len(payload),
		)
		return
	}

	if !d.sink(ev) {
		metrics.ChannelDroppedTotal.Inc()
		slog.Warn("Push message dropped, subscription no longer live",
			"topic", d.topic,
			"alert_id", alertID,
		)
		return
	}

	metrics.ChannelMessagesTotal.WithLabelValues(d.kind.String()).Inc()
	slog.Debug("Push message delivered",
		"topic", d.topic,
		"alert_id", alertID,
	)
}

func (d *Dispatcher) decode(payload []byte) (domain.ChannelEvent, int64, error) {
	if d.kind == domain.TopicAcks {
		ack, err := dto.DecodeAck(payload)
		if err != nil {
			return nil, 0, err
		}
		return domain.AckEvent{Ack: ack}, ack.AlertID, nil
	}

	record, err := dto.DecodeAlert(payload)
	if err != nil {
		return nil, 0, err
	}
	return domain.AlertEvent{Record: record}, record.AlertID, nil
}
