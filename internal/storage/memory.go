package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"proctorguard/internal/model"
)

var errDuplicateEventID = errors.New("storage: duplicate event id")

// MemStore is an in-process Store implementation used by package tests
// across session, admission and dashboard so they don't need a real
// Postgres or SQLite instance. It has no persistence and no SQL, but
// honors the same identity-uniqueness and optimistic-concurrency
// contracts the SQL drivers do.
type MemStore struct {
	mu        sync.Mutex
	sessions  map[string]model.Session
	events    map[string]model.AnomalyEvent
	evidence  map[string]model.Evidence
	alerts    map[string]model.Alert
	snapshots []model.RiskScoreSnapshot
}

func NewMemStore() *MemStore {
	return &MemStore{
		sessions: make(map[string]model.Session),
		events:   make(map[string]model.AnomalyEvent),
		evidence: make(map[string]model.Evidence),
		alerts:   make(map[string]model.Alert),
	}
}

func (m *MemStore) Init(ctx context.Context) error { return nil }
func (m *MemStore) Close() error                   { return nil }

// UpsertSession returns the existing row unchanged if it is already
// ACTIVE. A missing or ENDED row is (re)activated in place: status
// flips back to ACTIVE with a fresh started_at/last_heartbeat_at and
// no ended_at, exactly as starting a brand new session would, but
// keeping the same id and accumulated risk score.
func (m *MemStore) UpsertSession(ctx context.Context, s model.Session) (model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.sessions {
		if !existing.Matches(model.Identity{
			TenantID: s.TenantID, ExamScheduleID: s.ExamScheduleID, UserID: s.UserID, AttemptNo: s.AttemptNo,
		}) {
			continue
		}
		if existing.Status == model.SessionActive {
			return existing, nil
		}
		existing.Status = model.SessionActive
		existing.StartedAt = s.StartedAt
		existing.LastHeartbeatAt = s.LastHeartbeatAt
		existing.EndedAt = nil
		existing.ConfigSnapshot = s.ConfigSnapshot
		m.sessions[id] = existing
		return existing, nil
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	m.sessions[s.ID] = s
	return s, nil
}

func (m *MemStore) EndSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.Status = model.SessionEnded
	s.EndedAt = &endedAt
	m.sessions[sessionID] = s
	return nil
}

func (m *MemStore) HeartbeatSession(ctx context.Context, sessionID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.LastHeartbeatAt = at
	m.sessions[sessionID] = s
	return nil
}

func (m *MemStore) GetSession(ctx context.Context, sessionID string) (model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return model.Session{}, ErrNotFound
	}
	return s, nil
}

func (m *MemStore) FindSessionByIdentity(ctx context.Context, id model.Identity) (model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.Matches(id) {
			return s, nil
		}
	}
	return model.Session{}, ErrNotFound
}

func (m *MemStore) SweepStaleSessions(ctx context.Context, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var swept []string
	now := time.Now().UTC()
	for id, s := range m.sessions {
		if s.Status == model.SessionActive && s.LastHeartbeatAt.Before(cutoff) {
			s.Status = model.SessionEnded
			s.EndedAt = &now
			m.sessions[id] = s
			swept = append(swept, id)
		}
	}
	return swept, nil
}

func (m *MemStore) UpdateRiskScore(ctx context.Context, sessionID string, delta func(float64) float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return 0, ErrNotFound
	}
	s.CurrentRiskScore = delta(s.CurrentRiskScore)
	m.sessions[sessionID] = s
	return s.CurrentRiskScore, nil
}

func (m *MemStore) InsertEvent(ctx context.Context, ev model.AnomalyEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.events[ev.EventID]; exists {
		return errDuplicateEventID
	}
	sess, ok := m.sessions[ev.SessionID]
	if !ok || sess.Status != model.SessionActive {
		return ErrSessionEnded
	}
	m.events[ev.EventID] = ev
	return nil
}

func (m *MemStore) LinkEvidence(ctx context.Context, eventID, evidenceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[eventID]
	if !ok {
		return ErrNotFound
	}
	id := evidenceID
	ev.EvidenceID = &id
	m.events[eventID] = ev
	return nil
}

func (m *MemStore) ListEvents(ctx context.Context, sessionID string) ([]model.AnomalyEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.AnomalyEvent
	for _, ev := range m.events {
		if ev.SessionID == sessionID {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

func (m *MemStore) InsertEvidence(ctx context.Context, ev model.Evidence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	m.evidence[ev.ID] = ev
	return nil
}

func (m *MemStore) SaveEvidence(ctx context.Context, ev model.Evidence, eventID string) (model.Evidence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	evt, ok := m.events[eventID]
	if !ok {
		return model.Evidence{}, ErrNotFound
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	m.evidence[ev.ID] = ev
	id := ev.ID
	evt.EvidenceID = &id
	m.events[eventID] = evt
	return ev, nil
}

func (m *MemStore) GetEvidence(ctx context.Context, evidenceID string) (model.Evidence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.evidence[evidenceID]
	if !ok {
		return model.Evidence{}, ErrNotFound
	}
	return ev, nil
}

func (m *MemStore) InsertAlert(ctx context.Context, a model.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	m.alerts[a.ID] = a
	return nil
}

func (m *MemStore) ListAlerts(ctx context.Context, sessionID string) ([]model.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Alert
	for _, a := range m.alerts {
		if a.SessionID == sessionID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemStore) LinkAlertEvidence(ctx context.Context, alertID, evidenceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[alertID]
	if !ok {
		return ErrNotFound
	}
	id := evidenceID
	a.EvidenceID = &id
	m.alerts[alertID] = a
	return nil
}

func (m *MemStore) InsertSnapshot(ctx context.Context, snap model.RiskScoreSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	m.snapshots = append(m.snapshots, snap)
	return nil
}
