// Package normalize decodes the wire JSON event record clients submit
// to the admission endpoint into the durable model.AnomalyEvent shape,
// validating event type and severity along the way.
package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"proctorguard/internal/model"
)

// EventRecord is the wire shape of one entry in an events-batch
// request body.
type EventRecord struct {
	EventID    string          `json:"eventId"`
	EventType  string          `json:"type"`
	EventTime  string          `json:"timestamp"`
	Severity   string          `json:"severity,omitempty"`
	Confidence *float64        `json:"confidence,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
}

var validEventTypes = map[string]struct{}{
	string(model.EventMultiPerson):      {},
	string(model.EventFaceMissing):      {},
	string(model.EventCameraBlocked):    {},
	string(model.EventTabSwitch):        {},
	string(model.EventLookAway):         {},
	string(model.EventLowLight):         {},
	string(model.EventSuspiciousObject): {},
}

var validSeverities = map[string]struct{}{
	string(model.SeverityLow):      {},
	string(model.SeverityMedium):   {},
	string(model.SeverityHigh):     {},
	string(model.SeverityCritical): {},
}

// Normalize turns one wire record into an AnomalyEvent bound to
// sessionID. Unknown event types are accepted (stored for audit, no
// rule fires); unknown or blank severities default to LOW.
func Normalize(sessionID string, r EventRecord, receivedAt time.Time) (model.AnomalyEvent, error) {
	if strings.TrimSpace(r.EventID) == "" {
		return model.AnomalyEvent{}, errors.New("event_id is required")
	}
	if strings.TrimSpace(r.EventType) == "" {
		return model.AnomalyEvent{}, errors.New("event_type is required")
	}
	ts, err := ParseTimestamp(r.EventTime)
	if err != nil {
		return model.AnomalyEvent{}, fmt.Errorf("parse event_time: %w", err)
	}
	severity := strings.ToUpper(strings.TrimSpace(r.Severity))
	if _, ok := validSeverities[severity]; !ok {
		severity = string(model.SeverityLow)
	}
	details := string(r.Details)
	if strings.TrimSpace(details) == "" {
		details = "{}"
	}
	return model.AnomalyEvent{
		EventID:    r.EventID,
		SessionID:  sessionID,
		EventType:  model.EventType(strings.ToUpper(strings.TrimSpace(r.EventType))),
		EventTime:  ts,
		Severity:   model.Severity(severity),
		Confidence: r.Confidence,
		Details:    details,
		ReceivedAt: receivedAt,
	}, nil
}

// IsKnownEventType reports whether t is one of the recognized v1 event
// types.
func IsKnownEventType(t model.EventType) bool {
	_, ok := validEventTypes[string(t)]
	return ok
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
}

// ParseTimestamp accepts RFC3339(Nano), a bare timestamp without a zone
// offset (read as UTC), or a Unix epoch in seconds or milliseconds.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		return parseUnix(value)
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(0, ms*int64(time.Millisecond)).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
