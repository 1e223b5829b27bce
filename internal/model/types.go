// Package model defines the durable types shared across the proctoring
// anomaly pipeline: sessions, anomaly events, evidence, alerts and
// risk-score snapshots.
package model

import "time"

// SessionStatus is the lifecycle state of a Session. End and the stale
// sweep move it ACTIVE -> ENDED; a later Start for the same identity
// tuple reactivates the same Session to ACTIVE.
type SessionStatus string

const (
	SessionActive SessionStatus = "ACTIVE"
	SessionEnded  SessionStatus = "ENDED"
)

// Severity is the classification a rule or client attaches to an event
// or alert, ordered LOW < MEDIUM < HIGH < CRITICAL.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank orders severities so callers can pick the higher of two. An
// unrecognized severity ranks below LOW.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	case SeverityLow:
		return 0
	default:
		return -1
	}
}

// Higher returns the more severe of a and b.
func Higher(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// EventType enumerates the v1 anomaly event types. Unknown values are
// admitted and stored for audit but attract no rule.
type EventType string

const (
	EventMultiPerson      EventType = "MULTI_PERSON"
	EventFaceMissing      EventType = "FACE_MISSING"
	EventCameraBlocked    EventType = "CAMERA_BLOCKED"
	EventTabSwitch        EventType = "TAB_SWITCH"
	EventLookAway         EventType = "LOOK_AWAY"
	EventLowLight         EventType = "LOW_LIGHT"
	EventSuspiciousObject EventType = "SUSPICIOUS_OBJECT"
)

// Session is the one active proctoring context for a
// (tenant, exam schedule, user, attempt) tuple.
type Session struct {
	ID               string        `json:"id"`
	TenantID         string        `json:"tenantId"`
	ExamScheduleID   string        `json:"examScheduleId"`
	UserID           string        `json:"userId"`
	AttemptNo        int           `json:"attemptNo"`
	Status           SessionStatus `json:"status"`
	StartedAt        time.Time     `json:"startedAt"`
	EndedAt          *time.Time    `json:"endedAt,omitempty"`
	LastHeartbeatAt  time.Time     `json:"lastHeartbeatAt"`
	CurrentRiskScore float64       `json:"currentRiskScore"`
	ConfigSnapshot   string        `json:"-"` // opaque JSON, captured at start
}

// Identity is the (tenant, exam schedule, user, attempt) tuple that
// uniquely determines a session.
type Identity struct {
	TenantID       string
	ExamScheduleID string
	UserID         string
	AttemptNo      int
}

// Matches reports whether the session's identity tuple equals id.
func (s Session) Matches(id Identity) bool {
	return s.TenantID == id.TenantID &&
		s.ExamScheduleID == id.ExamScheduleID &&
		s.UserID == id.UserID &&
		s.AttemptNo == id.AttemptNo
}

// AnomalyEvent is a single client-observed proctoring signal.
type AnomalyEvent struct {
	EventID    string     `json:"eventId"`
	SessionID  string     `json:"sessionId"`
	EventType  EventType  `json:"type"`
	EventTime  time.Time  `json:"timestamp"`
	Severity   Severity   `json:"severity"`
	Confidence *float64   `json:"confidence,omitempty"`
	Details    string     `json:"details"` // opaque JSON
	EvidenceID *string    `json:"evidenceId,omitempty"`
	ReceivedAt time.Time  `json:"receivedAt"`
}

// Evidence is an immutable binary thumbnail linked to a single event.
type Evidence struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	ByteSize  int       `json:"byteSize"`
	SHA256    string    `json:"sha256"`
	MimeType  string    `json:"mimeType"`
	CreatedAt time.Time `json:"createdAt"`
	Locator   string    `json:"-"`
}

// Alert is a rule-derived, severity-classified notification for the
// operator dashboard.
type Alert struct {
	ID                string    `json:"id"`
	SessionID         string    `json:"sessionId"`
	Type              EventType `json:"type"`
	Severity          Severity  `json:"severity"`
	CreatedAt         time.Time `json:"createdAt"`
	TriggeringEventID *string   `json:"triggeringEventId,omitempty"`
	EvidenceID        *string   `json:"evidenceId,omitempty"`
	Details           string    `json:"details"` // opaque JSON, may carry {"confidence": ...}
}

// RiskScoreSnapshot is an append-only point-in-time record of a
// session's decaying risk score.
type RiskScoreSnapshot struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Score     float64   `json:"score"`
	CreatedAt time.Time `json:"createdAt"`
	Details   string    `json:"details,omitempty"`
}
