// Package engine implements the sliding-window rules engine that turns
// admitted anomaly events into alerts and a decaying per-session risk
// score. It is reached from two paths — the synchronous admission
// hook and the asynchronous event-stream consumer — and is safe to
// call concurrently from both.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"proctorguard/internal/config"
	"proctorguard/internal/ephemeral"
	"proctorguard/internal/metrics"
	"proctorguard/internal/model"
	"proctorguard/internal/storage"
)

// RiskUpdater applies a decay-and-add delta to a session's current risk
// score under whatever concurrency control the caller uses to
// serialize concurrent updates to the same session.
type RiskUpdater interface {
	UpdateRiskScore(ctx context.Context, sessionID string, delta func(float64) float64) (float64, error)
}

type Engine struct {
	logger *slog.Logger
	store  storage.Store
	risk   RiskUpdater
	cfg    atomic.Value

	mu        sync.Mutex
	windows   map[string]map[model.EventType]*WindowState
	lastSnaps map[string]time.Time

	cooldown *Cooldown
	dedupe   *DedupeCache
}

func New(cfg *config.Config, logger *slog.Logger, store storage.Store, eph *ephemeral.Store, risk RiskUpdater) *Engine {
	e := &Engine{
		logger:    logger,
		store:     store,
		risk:      risk,
		windows:   make(map[string]map[model.EventType]*WindowState),
		lastSnaps: make(map[string]time.Time),
		cooldown:  NewCooldown(eph),
		dedupe:    NewDedupeCache(),
	}
	e.cfg.Store(cfg)
	return e
}

func (e *Engine) UpdateConfig(cfg *config.Config) {
	e.cfg.Store(cfg)
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

// Evaluate runs one anomaly event through the rule table, updates the
// session's decaying risk score, persists any resulting alerts and
// periodic snapshots, and returns the alerts raised. Calling Evaluate
// twice with the same EventID is a no-op after the first call within
// the dedupe window, so the synchronous and asynchronous paths can
// both invoke it without double-counting.
func (e *Engine) Evaluate(ctx context.Context, ev model.AnomalyEvent) ([]model.Alert, error) {
	cfg := e.config()
	if e.dedupe.Seen(ev.EventID, time.Now().UTC(), cfg.Admission.ReplayTTL) {
		return nil, nil
	}

	specs := buildRuleSpecs(cfg.Rules)
	spec, hasRule := specs[ev.EventType]

	var alerts []model.Alert
	if hasRule {
		triggered, severity := e.applyRule(ev, spec)
		if triggered {
			key := "alert-count:" + ev.SessionID + ":" + string(ev.EventType)
			if e.cooldown.AllowKey(key, cfg.Rules.AlertCooldown) {
				alert := buildAlert(ev, model.Higher(severity, ev.Severity))
				alerts = append(alerts, alert)
			}
		}
	}

	if e.store != nil {
		for _, a := range alerts {
			if err := e.store.InsertAlert(ctx, a); err != nil {
				if e.logger != nil {
					e.logger.Error("persist alert failed", "session_id", ev.SessionID, "err", err)
				}
			} else {
				metrics.AlertsEmittedTotal.WithLabelValues(string(a.Severity)).Inc()
				if e.logger != nil {
					e.logger.Warn("alert raised",
						"session_id", a.SessionID, "type", a.Type, "severity", a.Severity)
				}
			}
		}
	}

	if e.risk != nil {
		base := cfg.Rules.BaseDelta[string(ev.EventType)]
		confidence := 1.0
		if ev.Confidence != nil {
			confidence = *ev.Confidence
		}
		delta := base * confidence
		decay := cfg.Rules.RiskDecayFactor
		newScore, err := e.risk.UpdateRiskScore(ctx, ev.SessionID, func(current float64) float64 {
			next := current*decay + delta
			if next < 0 {
				next = 0
			}
			return next
		})
		if err != nil {
			if e.logger != nil {
				e.logger.Error("risk score update failed", "session_id", ev.SessionID, "err", err)
			}
		} else {
			e.maybeSnapshot(ctx, ev.SessionID, newScore, cfg.Rules.SnapshotInterval)
		}
	}

	return alerts, nil
}

// applyRule advances the (session, type) sliding window (when the rule
// is windowed rather than immediate) and reports whether the rule's
// threshold was crossed on this call.
func (e *Engine) applyRule(ev model.AnomalyEvent, spec RuleSpec) (bool, model.Severity) {
	if spec.Immediate {
		return true, spec.Severity
	}
	if spec.Threshold <= 0 {
		return false, ""
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	sessionWindows, ok := e.windows[ev.SessionID]
	if !ok {
		sessionWindows = make(map[model.EventType]*WindowState)
		e.windows[ev.SessionID] = sessionWindows
	}
	w, ok := sessionWindows[ev.EventType]
	if !ok {
		w = NewWindowState(time.Duration(spec.Window) * time.Second)
		sessionWindows[ev.EventType] = w
	}
	cutoff := ev.EventTime.Add(-w.duration)
	w.Evict(cutoff)
	w.Add(ev.EventTime)
	if w.Count() >= spec.Threshold {
		return true, spec.Severity
	}
	return false, ""
}

func (e *Engine) maybeSnapshot(ctx context.Context, sessionID string, score float64, interval time.Duration) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	now := time.Now().UTC()
	e.mu.Lock()
	last, ok := e.lastSnaps[sessionID]
	due := !ok || now.Sub(last) >= interval
	if due {
		e.lastSnaps[sessionID] = now
	}
	e.mu.Unlock()
	if !due || e.store == nil {
		return
	}
	snap := model.RiskScoreSnapshot{
		SessionID: sessionID,
		Score:     score,
		CreatedAt: now,
	}
	if err := e.store.InsertSnapshot(ctx, snap); err != nil && e.logger != nil {
		e.logger.Error("persist risk score snapshot failed", "session_id", sessionID, "err", err)
	}
}

func buildAlert(ev model.AnomalyEvent, severity model.Severity) model.Alert {
	eventID := ev.EventID
	details := ev.Details
	if details == "" {
		details = "{}"
	}
	if ev.Confidence != nil {
		var raw map[string]any
		if err := json.Unmarshal([]byte(details), &raw); err == nil {
			raw["confidence"] = *ev.Confidence
			if enc, err := json.Marshal(raw); err == nil {
				details = string(enc)
			}
		}
	}
	return model.Alert{
		SessionID:         ev.SessionID,
		Type:              ev.EventType,
		Severity:          severity,
		CreatedAt:         time.Now().UTC(),
		TriggeringEventID: &eventID,
		EvidenceID:        ev.EvidenceID,
		Details:           details,
	}
}
