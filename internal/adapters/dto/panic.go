// Package dto contains data transfer objects for the panic alert wire formats
// Separating DTOs from handlers prevents import cycles
package dto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"panic-relay/internal/core/domain"
)

// TriggerRequest is the body of POST /api/panic/trigger
type TriggerRequest struct {
	LongPress bool `json:"longPress"`
}

// TriggerResponse is the reply of POST /api/panic/trigger
type TriggerResponse struct {
	ID *int64 `json:"id"` // Created alert id; absent means a broken reply
}

// AckRequestBody is the body of POST /api/panic/{id}/ack
type AckRequestBody struct {
	WithVideo bool `json:"withVideo"`
}

// ErrorBody is the error envelope the REST server answers with
type ErrorBody struct {
	Error string `json:"error"`
}

// AlertPush is the payload on a supervisor topic.
// The original server's field names are accepted as fallbacks.
type AlertPush struct {
	AlertID              int64           `json:"alertId"`
	SenderIdentity       string          `json:"senderIdentity"`
	ClientUsername       string          `json:"clientUsername"` // legacy name of SenderIdentity
	SupervisorIdentity   string          `json:"supervisorIdentity"`
	TriggeredByLongPress bool            `json:"triggeredByLongPress"`
	CreatedAt            json.RawMessage `json:"createdAt"`
	Status               string          `json:"status"`
	VideoRoomID          string          `json:"videoRoomId"`
	VideoToken           string          `json:"videoToken"`
	JitsiToken           string          `json:"jitsiToken"` // legacy name of VideoToken
}

// AckPush is the payload on a sender topic
type AckPush struct {
	AlertID              int64  `json:"alertId"`
	WithVideo            bool   `json:"withVideo"`
	SupervisorIdentity   string `json:"supervisorIdentity"`
	PsychologistUsername string `json:"psychologistUsername"` // legacy name of SupervisorIdentity
	VideoRoomID          string `json:"videoRoomId"`
	VideoToken           string `json:"videoToken"`
	JitsiToken           string `json:"jitsiToken"` // legacy name of VideoToken
}

// DecodeAlert parses a supervisor topic payload into an AlertRecord
func DecodeAlert(payload []byte) (domain.AlertRecord, error) {
	var p AlertPush
	if err := strictUnmarshal(payload, &p); err != nil {
		return domain.AlertRecord{}, err
	}
	if p.AlertID <= 0 {
		return domain.AlertRecord{}, fmt.Errorf("%w: missing alertId", domain.ErrMalformedMessage)
	}

	status, err := domain.ParseAlertStatus(p.Status)
	if err != nil {
		return domain.AlertRecord{}, fmt.Errorf("%w: %v", domain.ErrMalformedMessage, err)
	}

	createdAt, err := parseTimestamp(p.CreatedAt)
	if err != nil {
		return domain.AlertRecord{}, fmt.Errorf("%w: createdAt: %v", domain.ErrMalformedMessage, err)
	}

	return domain.AlertRecord{
		AlertID:              p.AlertID,
		SenderIdentity:       firstNonEmpty(p.SenderIdentity, p.ClientUsername),
		SupervisorIdentity:   p.SupervisorIdentity,
		TriggeredByLongPress: p.TriggeredByLongPress,
		CreatedAt:            createdAt,
		Status:               status,
		VideoRoomID:          p.VideoRoomID,
		VideoToken:           firstNonEmpty(p.VideoToken, p.JitsiToken),
	}, nil
}

// DecodeAck parses a sender topic payload into an AckNotification
func DecodeAck(payload []byte) (domain.AckNotification, error) {
	var p AckPush
	if err := strictUnmarshal(payload, &p); err != nil {
		return domain.AckNotification{}, err
	}
	if p.AlertID <= 0 {
		return domain.AckNotification{}, fmt.Errorf("%w: missing alertId", domain.ErrMalformedMessage)
	}

	return domain.AckNotification{
		AlertID:            p.AlertID,
		WithVideo:          p.WithVideo,
		SupervisorIdentity: firstNonEmpty(p.SupervisorIdentity, p.PsychologistUsername),
		VideoRoomID:        p.VideoRoomID,
		VideoToken:         firstNonEmpty(p.VideoToken, p.JitsiToken),
	}, nil
}

// EncodeAlert renders an AlertRecord as a supervisor topic payload
func EncodeAlert(r domain.AlertRecord) ([]byte, error) {
	created, err := json.Marshal(r.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	return json.Marshal(AlertPush{
		AlertID:              r.AlertID,
		SenderIdentity:       r.SenderIdentity,
		SupervisorIdentity:   r.SupervisorIdentity,
		TriggeredByLongPress: r.TriggeredByLongPress,
		CreatedAt:            created,
		Status:               string(r.Status),
		VideoRoomID:          r.VideoRoomID,
		VideoToken:           r.VideoToken,
	})
}

// EncodeAck renders an AckNotification as a sender topic payload
func EncodeAck(n domain.AckNotification) ([]byte, error) {
	return json.Marshal(AckPush{
		AlertID:            n.AlertID,
		WithVideo:          n.WithVideo,
		SupervisorIdentity: n.SupervisorIdentity,
		VideoRoomID:        n.VideoRoomID,
		VideoToken:         n.VideoToken,
	})
}

func strictUnmarshal(payload []byte, v any) error {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || payload[0] != '{' {
		return fmt.Errorf("%w: not a JSON object", domain.ErrMalformedMessage)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedMessage, err)
	}
	return nil
}

// parseTimestamp accepts an RFC 3339 string or epoch seconds (with fraction)
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		if s == "" {
			return time.Time{}, nil
		}
		return time.Parse(time.RFC3339Nano, s)
	}

	secs, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return time.Time{}, err
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC(), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
