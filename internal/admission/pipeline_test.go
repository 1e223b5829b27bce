package admission

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"proctorguard/internal/apperr"
	"proctorguard/internal/config"
	"proctorguard/internal/credential"
	"proctorguard/internal/ephemeral"
	"proctorguard/internal/evidence"
	"proctorguard/internal/model"
	"proctorguard/internal/session"
	"proctorguard/internal/storage"
)

func newTestPipeline(t *testing.T) (*Pipeline, *session.Manager, credential.Claims) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Admission.MaxBatchBytes = 65536
	cfg.Admission.RateLimitPerMin = 2
	cfg.Admission.RateLimitWindow = time.Minute
	cfg.Admission.ReplayTTL = time.Hour

	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, config.Save(cfgPath, cfg))
	mgr, err := config.NewManager(cfgPath)
	require.NoError(t, err)

	eph, err := ephemeral.Open(filepath.Join(t.TempDir(), "badger"))
	require.NoError(t, err)
	t.Cleanup(func() { eph.Close() })

	blobs, err := evidence.NewBlobStore(filepath.Join(t.TempDir(), "blobs"))
	require.NoError(t, err)

	store := storage.NewMemStore()
	sessions, err := session.NewManager(store, cfg.Session)
	require.NoError(t, err)

	claims := credential.Claims{TenantID: "T", ExamScheduleID: "E", UserID: "U", AttemptNo: 1}
	sess, err := sessions.Start(context.Background(), claims.Identity(), "{}")
	require.NoError(t, err)

	p := New(mgr, nil, store, eph, blobs, sessions, nil, nil)
	return p, sessions, credential.Claims{
		TenantID: sess.TenantID, ExamScheduleID: sess.ExamScheduleID,
		UserID: sess.UserID, AttemptNo: sess.AttemptNo,
	}
}

func batchEvent(id, eventType string, at time.Time) EventRequest {
	return EventRequest{
		EventID:   id,
		EventType: eventType,
		EventTime: at.Format(time.RFC3339Nano),
		Details:   json.RawMessage(`{}`),
	}
}

func lookupSession(t *testing.T, sessions *session.Manager, claims credential.Claims) model.Session {
	t.Helper()
	sess, err := sessions.LookupByIdentity(context.Background(), claims.Identity())
	require.NoError(t, err)
	return sess
}

func TestAdmitAcceptsValidEvent(t *testing.T) {
	p, sessions, claims := newTestPipeline(t)
	sess := lookupSession(t, sessions, claims)
	now := time.Now().UTC()

	result, err := p.Admit(context.Background(), claims, BatchRequest{
		SessionID: sess.ID,
		Events:    []EventRequest{batchEvent("e1", "LOOK_AWAY", now)},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"e1"}, result.Accepted)
	require.Empty(t, result.Rejected)
}

func TestAdmitRejectsReplayedEventID(t *testing.T) {
	p, sessions, claims := newTestPipeline(t)
	sess := lookupSession(t, sessions, claims)
	now := time.Now().UTC()
	req := BatchRequest{SessionID: sess.ID, Events: []EventRequest{batchEvent("e1", "LOOK_AWAY", now)}}

	_, err := p.Admit(context.Background(), claims, req)
	require.NoError(t, err)

	result, err := p.Admit(context.Background(), claims, req)
	require.NoError(t, err)
	require.Empty(t, result.Accepted)
	require.Equal(t, []string{"e1"}, result.Rejected)
	require.Equal(t, apperr.KindDuplicate, result.ReasonByEvent["e1"])
}

func TestAdmitRejectsDuplicateWithinSameBatch(t *testing.T) {
	p, sessions, claims := newTestPipeline(t)
	sess := lookupSession(t, sessions, claims)
	now := time.Now().UTC()

	result, err := p.Admit(context.Background(), claims, BatchRequest{
		SessionID: sess.ID,
		Events: []EventRequest{
			batchEvent("e1", "LOOK_AWAY", now),
			batchEvent("e1", "LOOK_AWAY", now),
		},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"e1"}, result.Accepted)
	require.Equal(t, []string{"e1"}, result.Rejected)
	require.Equal(t, apperr.KindDuplicate, result.ReasonByEvent["e1"])
}

func TestAdmitRejectsTimestampOutOfRange(t *testing.T) {
	p, sessions, claims := newTestPipeline(t)
	sess := lookupSession(t, sessions, claims)
	stale := time.Now().UTC().Add(-time.Hour)

	result, err := p.Admit(context.Background(), claims, BatchRequest{
		SessionID: sess.ID,
		Events:    []EventRequest{batchEvent("e1", "LOOK_AWAY", stale)},
	})
	require.NoError(t, err)
	require.Empty(t, result.Accepted)
	require.Equal(t, apperr.KindTimestampOutOfRange, result.ReasonByEvent["e1"])
}

func TestAdmitEnforcesRateLimit(t *testing.T) {
	p, sessions, claims := newTestPipeline(t)
	sess := lookupSession(t, sessions, claims)
	now := time.Now().UTC()

	var events []EventRequest
	for i := 0; i < 3; i++ {
		events = append(events, batchEvent(string(rune('a'+i)), "LOOK_AWAY", now.Add(time.Duration(i)*time.Millisecond)))
	}
	result, err := p.Admit(context.Background(), claims, BatchRequest{SessionID: sess.ID, Events: events})
	require.NoError(t, err)
	require.Len(t, result.Accepted, 2, "rate limit of 2/min should admit exactly 2")
	require.Len(t, result.Rejected, 1)
	require.Equal(t, apperr.KindRateLimited, result.ReasonByEvent[result.Rejected[0]])
}

func TestAdmitRejectsIdentityMismatch(t *testing.T) {
	p, sessions, claims := newTestPipeline(t)
	sess := lookupSession(t, sessions, claims)
	wrongClaims := claims
	wrongClaims.TenantID = "someone-else"

	_, err := p.Admit(context.Background(), wrongClaims, BatchRequest{
		SessionID: sess.ID,
		Events:    []EventRequest{batchEvent("e1", "LOOK_AWAY", time.Now().UTC())},
	})
	require.Error(t, err)
	require.Equal(t, apperr.KindIdentityMismatch, apperr.KindOf(err))
}

func TestAdmitRejectsBatchOverSizeLimit(t *testing.T) {
	p, sessions, claims := newTestPipeline(t)
	sess := lookupSession(t, sessions, claims)

	req := BatchRequest{SessionID: sess.ID}
	req.SetRaw(make([]byte, 65537))

	_, err := p.Admit(context.Background(), claims, req)
	require.Error(t, err)
	require.Equal(t, apperr.KindBatchTooLarge, apperr.KindOf(err))
}

func TestInsertEventRejectsEventPersistedAfterSessionEnds(t *testing.T) {
	p, sessions, claims := newTestPipeline(t)
	sess := lookupSession(t, sessions, claims)
	now := time.Now().UTC()

	// Simulates End() landing after Admit's batch-level lookup but before
	// the durable writer sees this event: the batch-wide status check
	// alone would have let it through, so the writer must reject it too.
	require.NoError(t, sessions.End(context.Background(), sess.ID))

	err := p.store.InsertEvent(context.Background(), model.AnomalyEvent{
		EventID: "e1", SessionID: sess.ID, EventType: model.EventLookAway,
		EventTime: now, ReceivedAt: now, Details: "{}",
	})
	require.ErrorIs(t, err, storage.ErrSessionEnded)
}

func TestDecodeBatchRoundTrips(t *testing.T) {
	raw := []byte(`{"sessionId":"s1","events":[{"eventId":"e1","type":"LOOK_AWAY","timestamp":"2026-01-01T00:00:00Z"}]}`)
	req, err := DecodeBatch(raw)
	require.NoError(t, err)
	require.Equal(t, "s1", req.SessionID)
	require.Len(t, req.Events, 1)
}
