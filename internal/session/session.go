// Package session manages the identity and lifecycle of proctoring
// sessions: idempotent start, heartbeat, end, and lookup by identity.
// Per-session mutual exclusion is provided by a bounded LRU of mutexes
// rather than an unbounded map, so the process stays flat at
// million-session scale.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"proctorguard/internal/apperr"
	"proctorguard/internal/config"
	"proctorguard/internal/metrics"
	"proctorguard/internal/model"
	"proctorguard/internal/storage"
)

type Manager struct {
	store storage.Store
	cfg   *config.SessionConfig
	locks *lru.Cache[string, *sync.Mutex]
}

func NewManager(store storage.Store, cfg config.SessionConfig) (*Manager, error) {
	size := cfg.LockShardSize
	if size <= 0 {
		size = 4096
	}
	locks, err := lru.New[string, *sync.Mutex](size)
	if err != nil {
		return nil, fmt.Errorf("build session lock shard: %w", err)
	}
	return &Manager{store: store, cfg: &cfg, locks: locks}, nil
}

func (m *Manager) lockFor(sessionID string) *sync.Mutex {
	if mu, ok := m.locks.Get(sessionID); ok {
		return mu
	}
	mu := &sync.Mutex{}
	m.locks.Add(sessionID, mu)
	return mu
}

// Start is idempotent: a second Start for the same identity returns the
// existing session rather than creating a duplicate.
func (m *Manager) Start(ctx context.Context, id model.Identity, configSnapshot string) (model.Session, error) {
	now := time.Now().UTC()
	sess := model.Session{
		TenantID:         id.TenantID,
		ExamScheduleID:   id.ExamScheduleID,
		UserID:           id.UserID,
		AttemptNo:        id.AttemptNo,
		Status:           model.SessionActive,
		StartedAt:        now,
		LastHeartbeatAt:  now,
		CurrentRiskScore: 0,
		ConfigSnapshot:   configSnapshot,
	}
	stored, err := m.store.UpsertSession(ctx, sess)
	if err != nil {
		return model.Session{}, apperr.E(apperr.KindInternal, err)
	}
	if stored.StartedAt.Equal(now) {
		metrics.SessionsActive.Inc()
	}
	return stored, nil
}

// Heartbeat extends the session's liveness window. It fails with
// KindSessionEnded if the session already ended, and KindSessionNotFound
// if it never existed.
func (m *Manager) Heartbeat(ctx context.Context, sessionID string) error {
	mu := m.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return apperr.E(apperr.KindSessionNotFound, err)
	}
	if sess.Status != model.SessionActive {
		return apperr.Msg(apperr.KindSessionEnded, "session already ended")
	}
	if err := m.store.HeartbeatSession(ctx, sessionID, time.Now().UTC()); err != nil {
		return apperr.E(apperr.KindInternal, err)
	}
	return nil
}

// End moves a session to ENDED. It does not flush or reset any
// in-memory sliding-window state held by the rules engine for this
// session; any events still in flight continue to see the pre-End
// window until it naturally decays.
func (m *Manager) End(ctx context.Context, sessionID string) error {
	mu := m.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return apperr.E(apperr.KindSessionNotFound, err)
	}
	if sess.Status != model.SessionActive {
		return apperr.Msg(apperr.KindSessionEnded, "session already ended")
	}
	if err := m.store.EndSession(ctx, sessionID, time.Now().UTC()); err != nil {
		return apperr.E(apperr.KindInternal, err)
	}
	metrics.SessionsActive.Dec()
	return nil
}

func (m *Manager) Lookup(ctx context.Context, sessionID string) (model.Session, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return model.Session{}, apperr.E(apperr.KindSessionNotFound, err)
	}
	return sess, nil
}

func (m *Manager) LookupByIdentity(ctx context.Context, id model.Identity) (model.Session, error) {
	sess, err := m.store.FindSessionByIdentity(ctx, id)
	if err != nil {
		return model.Session{}, apperr.E(apperr.KindSessionNotFound, err)
	}
	return sess, nil
}

// UpdateRiskScore delegates to the durable store's optimistic-concurrency
// update, serialized per session so concurrent rule evaluations for the
// same session don't spin through every retry slot.
func (m *Manager) UpdateRiskScore(ctx context.Context, sessionID string, delta func(float64) float64) (float64, error) {
	mu := m.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()
	score, err := m.store.UpdateRiskScore(ctx, sessionID, delta)
	if err != nil {
		return 0, apperr.E(apperr.KindInternal, err)
	}
	return score, nil
}

// Sweep ends every ACTIVE session whose last heartbeat is older than
// the configured timeout, returning the ended session IDs.
func (m *Manager) Sweep(ctx context.Context) ([]string, error) {
	cutoff := time.Now().UTC().Add(-m.cfg.HeartbeatTimeout)
	ids, err := m.store.SweepStaleSessions(ctx, cutoff)
	if err != nil {
		return nil, apperr.E(apperr.KindInternal, err)
	}
	if len(ids) > 0 {
		metrics.SessionsActive.Sub(float64(len(ids)))
	}
	return ids, nil
}

// RunSweeper runs Sweep on a ticker until ctx is done, mirroring the
// hot-reload ticker idiom used by config.Manager.Watch.
func (m *Manager) RunSweeper(ctx context.Context, onSwept func([]string, error)) {
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ids, err := m.Sweep(ctx)
			if onSwept != nil {
				onSwept(ids, err)
			}
		case <-ctx.Done():
			return
		}
	}
}
