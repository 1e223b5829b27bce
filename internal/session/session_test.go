package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"proctorguard/internal/config"
	"proctorguard/internal/model"
	"proctorguard/internal/storage"
)

func testIdentity() model.Identity {
	return model.Identity{TenantID: "T", ExamScheduleID: "E", UserID: "U", AttemptNo: 1}
}

func newManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(storage.NewMemStore(), config.SessionConfig{
		HeartbeatTimeout: time.Minute,
		SweepInterval:    time.Minute,
		LockShardSize:    16,
	})
	require.NoError(t, err)
	return m
}

func TestStartIsIdempotentOnIdentity(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	first, err := m.Start(ctx, testIdentity(), "{}")
	require.NoError(t, err)

	second, err := m.Start(ctx, testIdentity(), "{}")
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID, "second start with the same identity must return the existing session")
}

func TestHeartbeatFailsOnEndedSession(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	sess, err := m.Start(ctx, testIdentity(), "{}")
	require.NoError(t, err)
	require.NoError(t, m.End(ctx, sess.ID))

	err = m.Heartbeat(ctx, sess.ID)
	require.Error(t, err)
}

func TestHeartbeatUnknownSessionNotFound(t *testing.T) {
	m := newManager(t)
	err := m.Heartbeat(context.Background(), "does-not-exist")
	require.Error(t, err)
}

func TestSweepEndsStaleSessions(t *testing.T) {
	store := storage.NewMemStore()
	m, err := NewManager(store, config.SessionConfig{
		HeartbeatTimeout: 10 * time.Millisecond,
		SweepInterval:    time.Minute,
		LockShardSize:    16,
	})
	require.NoError(t, err)
	ctx := context.Background()

	sess, err := m.Start(ctx, testIdentity(), "{}")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	swept, err := m.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{sess.ID}, swept)

	got, err := m.Lookup(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, model.SessionEnded, got.Status)
}

func TestStartAfterEndReactivatesTheSameSession(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	first, err := m.Start(ctx, testIdentity(), "{}")
	require.NoError(t, err)
	require.NoError(t, m.End(ctx, first.ID))

	restarted, err := m.Start(ctx, testIdentity(), "{}")
	require.NoError(t, err)
	require.Equal(t, first.ID, restarted.ID, "restarting an ended session must reuse its id")
	require.Equal(t, model.SessionActive, restarted.Status)
	require.Nil(t, restarted.EndedAt)

	require.NoError(t, m.Heartbeat(ctx, restarted.ID), "the reactivated session must accept heartbeats again")
}

func TestStartAfterSweepReactivatesTheSameSession(t *testing.T) {
	store := storage.NewMemStore()
	m, err := NewManager(store, config.SessionConfig{
		HeartbeatTimeout: 10 * time.Millisecond,
		SweepInterval:    time.Minute,
		LockShardSize:    16,
	})
	require.NoError(t, err)
	ctx := context.Background()

	first, err := m.Start(ctx, testIdentity(), "{}")
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = m.Sweep(ctx)
	require.NoError(t, err)

	restarted, err := m.Start(ctx, testIdentity(), "{}")
	require.NoError(t, err)
	require.Equal(t, first.ID, restarted.ID)
	require.Equal(t, model.SessionActive, restarted.Status)
}

func TestUpdateRiskScoreAppliesDelta(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	sess, err := m.Start(ctx, testIdentity(), "{}")
	require.NoError(t, err)

	score, err := m.UpdateRiskScore(ctx, sess.ID, func(current float64) float64 {
		return current + 10
	})
	require.NoError(t, err)
	require.Equal(t, 10.0, score)
}
