package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"proctorguard/internal/config"
	"proctorguard/internal/ephemeral"
	"proctorguard/internal/model"
)

func openTestEphemeral(t *testing.T) *ephemeral.Store {
	t.Helper()
	s, err := ephemeral.Open(filepath.Join(t.TempDir(), "badger"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type fakeRisk struct {
	score float64
	calls int
}

func (f *fakeRisk) UpdateRiskScore(_ context.Context, _ string, delta func(float64) float64) (float64, error) {
	f.calls++
	f.score = delta(f.score)
	return f.score, nil
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Rules.Windows = map[string]config.RuleWindow{
		"MULTI_PERSON": {Immediate: true, Threshold: 1, Severity: "CRITICAL"},
		"TAB_SWITCH":   {Window: 5 * time.Minute, Threshold: 2, Severity: "MEDIUM"},
	}
	cfg.Rules.BaseDelta = map[string]float64{
		"MULTI_PERSON": 25,
		"TAB_SWITCH":   5,
	}
	cfg.Rules.AlertCooldown = 0
	cfg.Rules.RiskDecayFactor = 0.98
	cfg.Admission.ReplayTTL = time.Hour
	return cfg
}

func event(id string, t model.EventType, at time.Time) model.AnomalyEvent {
	return model.AnomalyEvent{
		EventID:   id,
		SessionID: "sess-1",
		EventType: t,
		EventTime: at,
		Severity:  model.SeverityLow,
		Details:   "{}",
	}
}

func TestEvaluateImmediateRuleAlertsOnFirstEvent(t *testing.T) {
	cfg := testConfig()
	risk := &fakeRisk{}
	eng := New(cfg, nil, nil, openTestEphemeral(t), risk)

	alerts, err := eng.Evaluate(context.Background(), event("e1", model.EventMultiPerson, time.Now()))
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Equal(t, model.SeverityCritical, alerts[0].Severity)
}

func TestEvaluateWindowedRuleWaitsForThreshold(t *testing.T) {
	cfg := testConfig()
	risk := &fakeRisk{}
	eng := New(cfg, nil, nil, openTestEphemeral(t), risk)
	now := time.Now()

	alerts, err := eng.Evaluate(context.Background(), event("e1", model.EventTabSwitch, now))
	require.NoError(t, err)
	require.Empty(t, alerts, "first tab switch should not cross threshold of 2")

	alerts, err = eng.Evaluate(context.Background(), event("e2", model.EventTabSwitch, now.Add(time.Second)))
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Equal(t, model.SeverityMedium, alerts[0].Severity)
}

func TestEvaluateCooldownSuppressesRepeatAlerts(t *testing.T) {
	cfg := testConfig()
	cfg.Rules.AlertCooldown = time.Hour
	risk := &fakeRisk{}
	eng := New(cfg, nil, nil, openTestEphemeral(t), risk)
	now := time.Now()

	_, err := eng.Evaluate(context.Background(), event("e1", model.EventMultiPerson, now))
	require.NoError(t, err)
	alerts, err := eng.Evaluate(context.Background(), event("e2", model.EventMultiPerson, now.Add(time.Minute)))
	require.NoError(t, err)
	require.Empty(t, alerts, "second alert within cooldown should be suppressed")
}

func TestEvaluateIsIdempotentPerEventID(t *testing.T) {
	cfg := testConfig()
	risk := &fakeRisk{}
	eng := New(cfg, nil, nil, openTestEphemeral(t), risk)
	ev := event("dup-1", model.EventMultiPerson, time.Now())

	_, err := eng.Evaluate(context.Background(), ev)
	require.NoError(t, err)
	_, err = eng.Evaluate(context.Background(), ev)
	require.NoError(t, err)

	require.Equal(t, 1, risk.calls, "risk score must not update twice for the same event id")
}

func TestEvaluateRiskScoreDecaysBeforeAdding(t *testing.T) {
	cfg := testConfig()
	risk := &fakeRisk{score: 10}
	eng := New(cfg, nil, nil, openTestEphemeral(t), risk)

	_, err := eng.Evaluate(context.Background(), event("e1", model.EventTabSwitch, time.Now()))
	require.NoError(t, err)

	require.InDelta(t, 10*0.98+5, risk.score, 0.0001)
}

func TestEvaluateRiskDeltaScalesByStatedConfidence(t *testing.T) {
	cfg := testConfig()
	cfg.Rules.BaseDelta["TAB_SWITCH"] = 5
	risk := &fakeRisk{}
	eng := New(cfg, nil, nil, openTestEphemeral(t), risk)
	ev := event("e1", model.EventTabSwitch, time.Now())
	confidence := 0.8
	ev.Confidence = &confidence

	_, err := eng.Evaluate(context.Background(), ev)
	require.NoError(t, err)

	require.InDelta(t, 4.0, risk.score, 0.0001, "delta must use the stated sub-1 confidence, not floor it to 1")
}

func TestEvaluateRiskDeltaDefaultsConfidenceToOneWhenAbsent(t *testing.T) {
	cfg := testConfig()
	cfg.Rules.BaseDelta["TAB_SWITCH"] = 5
	risk := &fakeRisk{}
	eng := New(cfg, nil, nil, openTestEphemeral(t), risk)

	_, err := eng.Evaluate(context.Background(), event("e1", model.EventTabSwitch, time.Now()))
	require.NoError(t, err)

	require.InDelta(t, 5.0, risk.score, 0.0001)
}

func TestEvaluateUnknownEventTypeStillUpdatesRisk(t *testing.T) {
	cfg := testConfig()
	risk := &fakeRisk{}
	eng := New(cfg, nil, nil, openTestEphemeral(t), risk)

	alerts, err := eng.Evaluate(context.Background(), event("e1", model.EventType("UNRECOGNIZED"), time.Now()))
	require.NoError(t, err)
	require.Empty(t, alerts)
	require.Equal(t, 1, risk.calls)
}
