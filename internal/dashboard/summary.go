// Package dashboard builds the read-only operator summary for a
// proctoring session: identity, trust score, alert counts and evidence
// timeline, repairing any evidence back-links the admission pipeline
// left null along the way.
package dashboard

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"sort"
	"time"

	"proctorguard/internal/apperr"
	"proctorguard/internal/model"
	"proctorguard/internal/storage"
)

// AlertCount is the number of alerts of one type raised for a session.
type AlertCount struct {
	Type  model.EventType `json:"type"`
	Count int             `json:"count"`
}

// Summary is the full operator-facing view of one proctoring session.
type Summary struct {
	SessionID       string           `json:"sessionId"`
	TenantID        string           `json:"tenantId"`
	ExamScheduleID  string           `json:"examScheduleId"`
	UserID          string           `json:"userId"`
	AttemptNo       int              `json:"attemptNo"`
	Status          model.SessionStatus `json:"status"`
	StartedAt       string           `json:"startedAt"`
	EndedAt         *string          `json:"endedAt,omitempty"`
	CurrentRiskScore float64         `json:"currentRiskScore"`
	TrustScore      int              `json:"trustScore"`
	AlertCounts     []AlertCount     `json:"alertCounts"`
	Evidence        []model.Evidence `json:"evidence"`
}

type Builder struct {
	store  storage.Store
	logger *slog.Logger
}

func NewBuilder(store storage.Store, logger *slog.Logger) *Builder {
	return &Builder{store: store, logger: logger}
}

// Summary assembles the dashboard view for sessionID, failing
// KindSessionNotFound if the session does not exist or does not belong
// to tenantID — the two cases are indistinguishable to the caller by
// design.
func (b *Builder) Summary(ctx context.Context, sessionID, tenantID string) (Summary, error) {
	sess, err := b.store.GetSession(ctx, sessionID)
	if err != nil {
		return Summary{}, apperr.E(apperr.KindSessionNotFound, err)
	}
	if sess.TenantID != tenantID {
		return Summary{}, apperr.Msg(apperr.KindSessionNotFound, "session not found")
	}

	alerts, err := b.store.ListAlerts(ctx, sessionID)
	if err != nil {
		return Summary{}, apperr.E(apperr.KindInternal, err)
	}

	evidence, err := b.evidenceForSession(ctx, sessionID)
	if err != nil {
		return Summary{}, apperr.E(apperr.KindInternal, err)
	}

	b.repairEvidenceLinks(ctx, alerts, evidence)

	summary := Summary{
		SessionID:        sess.ID,
		TenantID:         sess.TenantID,
		ExamScheduleID:   sess.ExamScheduleID,
		UserID:           sess.UserID,
		AttemptNo:        sess.AttemptNo,
		Status:           sess.Status,
		StartedAt:        sess.StartedAt.Format("2006-01-02T15:04:05.999999999Z07:00"),
		CurrentRiskScore: sess.CurrentRiskScore,
		TrustScore:       trustScore(alerts),
		AlertCounts:      countAlertsByType(alerts),
		Evidence:         evidence,
	}
	if sess.EndedAt != nil {
		s := sess.EndedAt.Format("2006-01-02T15:04:05.999999999Z07:00")
		summary.EndedAt = &s
	}
	return summary, nil
}

// evidenceForSession lists every Evidence row linked from one of the
// session's events, ordered by creation time, oldest first; Evidence
// rows no event points at are not included. Both the summary's evidence
// timeline and the nearest-in-time repair below rely on this list.
func (b *Builder) evidenceForSession(ctx context.Context, sessionID string) ([]model.Evidence, error) {
	events, err := b.store.ListEvents(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var out []model.Evidence
	for _, ev := range events {
		if ev.EvidenceID == nil {
			continue
		}
		if _, ok := seen[*ev.EvidenceID]; ok {
			continue
		}
		seen[*ev.EvidenceID] = struct{}{}
		e, err := b.store.GetEvidence(ctx, *ev.EvidenceID)
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// repairEvidenceLinks binds any alert with a null EvidenceID to the
// nearest-in-time Evidence of the same session, tie-breaking toward the
// earlier Evidence, and persists the repair so it is idempotent on
// subsequent summary requests.
func (b *Builder) repairEvidenceLinks(ctx context.Context, alerts []model.Alert, evidence []model.Evidence) {
	if len(evidence) == 0 {
		return
	}
	for _, a := range alerts {
		if a.EvidenceID != nil {
			continue
		}
		best := nearestEvidence(a.CreatedAt, evidence)
		if best == nil {
			continue
		}
		if err := b.store.LinkAlertEvidence(ctx, a.ID, best.ID); err != nil && b.logger != nil {
			b.logger.Error("evidence link repair failed", "alert_id", a.ID, "err", err)
		}
	}
}

// nearestEvidence returns the Evidence closest in time to at, breaking
// ties toward the earlier Evidence.
func nearestEvidence(at time.Time, evidence []model.Evidence) *model.Evidence {
	var best *model.Evidence
	var bestDelta time.Duration
	for i := range evidence {
		e := &evidence[i]
		delta := e.CreatedAt.Sub(at)
		if delta < 0 {
			delta = -delta
		}
		if best == nil || delta < bestDelta || (delta == bestDelta && e.CreatedAt.Before(best.CreatedAt)) {
			best = e
			bestDelta = delta
		}
	}
	return best
}

func trustScore(alerts []model.Alert) int {
	var sum float64
	var count int
	for _, a := range alerts {
		var raw map[string]any
		if err := json.Unmarshal([]byte(a.Details), &raw); err != nil {
			continue
		}
		conf, ok := raw["confidence"].(float64)
		if !ok {
			continue
		}
		sum += conf
		count++
	}
	if count == 0 {
		return 100
	}
	return int(math.Round(100 * (sum / float64(count))))
}

func countAlertsByType(alerts []model.Alert) []AlertCount {
	counts := make(map[model.EventType]int)
	for _, a := range alerts {
		counts[a.Type]++
	}
	out := make([]AlertCount, 0, len(counts))
	for t, c := range counts {
		out = append(out, AlertCount{Type: t, Count: c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}
