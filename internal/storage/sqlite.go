package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"proctorguard/internal/model"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:proctor.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			exam_schedule_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			attempt_no INTEGER NOT NULL,
			status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			last_heartbeat_at TEXT NOT NULL,
			current_risk_score REAL NOT NULL DEFAULT 0,
			config_snapshot TEXT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_identity
			ON sessions(tenant_id, exam_schedule_id, user_id, attempt_no)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status, last_heartbeat_at)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			event_time TEXT NOT NULL,
			severity TEXT NOT NULL,
			confidence REAL,
			details TEXT,
			evidence_id TEXT,
			received_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, event_time)`,
		`CREATE TABLE IF NOT EXISTS evidence (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			byte_size INTEGER NOT NULL,
			sha256 TEXT NOT NULL,
			mime_type TEXT NOT NULL,
			created_at TEXT NOT NULL,
			locator TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_evidence_session ON evidence(session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			type TEXT NOT NULL,
			severity TEXT NOT NULL,
			created_at TEXT NOT NULL,
			triggering_event_id TEXT,
			evidence_id TEXT,
			details TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_session ON alerts(session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS risk_score_snapshots (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			score REAL NOT NULL,
			created_at TEXT NOT NULL,
			details TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_session ON risk_score_snapshots(session_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// UpsertSession returns the existing row unchanged if it is already
// ACTIVE. A missing or ENDED row is (re)activated: status flips back
// to ACTIVE with a fresh started_at/last_heartbeat_at and no ended_at,
// exactly as starting a brand new session would, but keeping the same
// id and accumulated risk score.
func (s *sqliteStore) UpsertSession(ctx context.Context, sess model.Session) (model.Session, error) {
	var existing model.Session
	err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, exam_schedule_id, user_id, attempt_no, status, started_at, ended_at, last_heartbeat_at, current_risk_score, config_snapshot
		FROM sessions WHERE tenant_id=? AND exam_schedule_id=? AND user_id=? AND attempt_no=?`,
		sess.TenantID, sess.ExamScheduleID, sess.UserID, sess.AttemptNo), &existing)
	if err == nil {
		if existing.Status == model.SessionActive {
			return existing, nil
		}
		_, err = s.db.ExecContext(ctx,
			`UPDATE sessions SET status=?, started_at=?, ended_at=NULL, last_heartbeat_at=?, config_snapshot=? WHERE id=?`,
			model.SessionActive, sess.StartedAt.UTC(), sess.LastHeartbeatAt.UTC(), sess.ConfigSnapshot, existing.ID)
		if err != nil {
			return model.Session{}, err
		}
		existing.Status = model.SessionActive
		existing.StartedAt = sess.StartedAt
		existing.LastHeartbeatAt = sess.LastHeartbeatAt
		existing.EndedAt = nil
		existing.ConfigSnapshot = sess.ConfigSnapshot
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return model.Session{}, err
	}
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, tenant_id, exam_schedule_id, user_id, attempt_no, status, started_at, ended_at, last_heartbeat_at, current_risk_score, config_snapshot)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		sess.ID, sess.TenantID, sess.ExamScheduleID, sess.UserID, sess.AttemptNo, sess.Status,
		sess.StartedAt.UTC(), sess.EndedAt, sess.LastHeartbeatAt.UTC(), sess.CurrentRiskScore, sess.ConfigSnapshot)
	if err != nil {
		return model.Session{}, err
	}
	return sess, nil
}

func (s *sqliteStore) EndSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status=?, ended_at=? WHERE id=? AND status=?`,
		model.SessionEnded, endedAt.UTC(), sessionID, model.SessionActive)
	return err
}

func (s *sqliteStore) HeartbeatSession(ctx context.Context, sessionID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_heartbeat_at=? WHERE id=? AND status=?`,
		at.UTC(), sessionID, model.SessionActive)
	return err
}

func (s *sqliteStore) GetSession(ctx context.Context, sessionID string) (model.Session, error) {
	var sess model.Session
	err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, exam_schedule_id, user_id, attempt_no, status, started_at, ended_at, last_heartbeat_at, current_risk_score, config_snapshot
		FROM sessions WHERE id=?`, sessionID), &sess)
	if err == sql.ErrNoRows {
		return model.Session{}, ErrNotFound
	}
	return sess, err
}

func (s *sqliteStore) FindSessionByIdentity(ctx context.Context, id model.Identity) (model.Session, error) {
	var sess model.Session
	err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, exam_schedule_id, user_id, attempt_no, status, started_at, ended_at, last_heartbeat_at, current_risk_score, config_snapshot
		FROM sessions WHERE tenant_id=? AND exam_schedule_id=? AND user_id=? AND attempt_no=?`,
		id.TenantID, id.ExamScheduleID, id.UserID, id.AttemptNo), &sess)
	if err == sql.ErrNoRows {
		return model.Session{}, ErrNotFound
	}
	return sess, err
}

func (s *sqliteStore) SweepStaleSessions(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM sessions WHERE status=? AND last_heartbeat_at < ?`,
		model.SessionActive, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	now := nowUTC()
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET status=?, ended_at=? WHERE id=? AND status=?`,
			model.SessionEnded, now, id, model.SessionActive); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func (s *sqliteStore) UpdateRiskScore(ctx context.Context, sessionID string, delta func(float64) float64) (float64, error) {
	for attempt := 0; attempt < maxRiskScoreRetries; attempt++ {
		var current float64
		if err := s.db.QueryRowContext(ctx,
			`SELECT current_risk_score FROM sessions WHERE id=?`, sessionID).Scan(&current); err != nil {
			if err == sql.ErrNoRows {
				return 0, ErrNotFound
			}
			return 0, err
		}
		next := delta(current)
		res, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET current_risk_score=? WHERE id=? AND current_risk_score=?`,
			next, sessionID, current)
		if err != nil {
			return 0, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return next, nil
		}
	}
	return 0, ErrConcurrentUpdate
}

func (s *sqliteStore) InsertEvent(ctx context.Context, ev model.AnomalyEvent) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (event_id, session_id, event_type, event_time, severity, confidence, details, evidence_id, received_at)
		SELECT ?,?,?,?,?,?,?,?,?
		WHERE EXISTS (SELECT 1 FROM sessions WHERE id=? AND status='ACTIVE')`,
		ev.EventID, ev.SessionID, ev.EventType, ev.EventTime.UTC(), ev.Severity, ev.Confidence, ev.Details, ev.EvidenceID, ev.ReceivedAt.UTC(), ev.SessionID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionEnded
	}
	return nil
}

func (s *sqliteStore) LinkEvidence(ctx context.Context, eventID, evidenceID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE events SET evidence_id=? WHERE event_id=?`, evidenceID, eventID)
	return err
}

func (s *sqliteStore) ListEvents(ctx context.Context, sessionID string) ([]model.AnomalyEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, session_id, event_type, event_time, severity, confidence, details, evidence_id, received_at
		FROM events WHERE session_id=? ORDER BY event_time`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.AnomalyEvent
	for rows.Next() {
		var ev model.AnomalyEvent
		if err := rows.Scan(&ev.EventID, &ev.SessionID, &ev.EventType, &ev.EventTime, &ev.Severity, &ev.Confidence, &ev.Details, &ev.EvidenceID, &ev.ReceivedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *sqliteStore) InsertEvidence(ctx context.Context, ev model.Evidence) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO evidence (id, session_id, byte_size, sha256, mime_type, created_at, locator)
		VALUES (?,?,?,?,?,?,?)`,
		ev.ID, ev.SessionID, ev.ByteSize, ev.SHA256, ev.MimeType, ev.CreatedAt.UTC(), ev.Locator)
	return err
}

func (s *sqliteStore) SaveEvidence(ctx context.Context, ev model.Evidence, eventID string) (model.Evidence, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Evidence{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO evidence (id, session_id, byte_size, sha256, mime_type, created_at, locator)
		VALUES (?,?,?,?,?,?,?)`,
		ev.ID, ev.SessionID, ev.ByteSize, ev.SHA256, ev.MimeType, ev.CreatedAt.UTC(), ev.Locator); err != nil {
		return model.Evidence{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE events SET evidence_id=? WHERE event_id=?`, ev.ID, eventID); err != nil {
		return model.Evidence{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Evidence{}, err
	}
	return ev, nil
}

func (s *sqliteStore) GetEvidence(ctx context.Context, evidenceID string) (model.Evidence, error) {
	var ev model.Evidence
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, byte_size, sha256, mime_type, created_at, locator FROM evidence WHERE id=?`,
		evidenceID).Scan(&ev.ID, &ev.SessionID, &ev.ByteSize, &ev.SHA256, &ev.MimeType, &ev.CreatedAt, &ev.Locator)
	if err == sql.ErrNoRows {
		return model.Evidence{}, ErrNotFound
	}
	return ev, err
}

func (s *sqliteStore) InsertAlert(ctx context.Context, a model.Alert) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (id, session_id, type, severity, created_at, triggering_event_id, evidence_id, details)
		VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.SessionID, a.Type, a.Severity, a.CreatedAt.UTC(), a.TriggeringEventID, a.EvidenceID, a.Details)
	return err
}

func (s *sqliteStore) ListAlerts(ctx context.Context, sessionID string) ([]model.Alert, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, type, severity, created_at, triggering_event_id, evidence_id, details
		FROM alerts WHERE session_id=? ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Alert
	for rows.Next() {
		var a model.Alert
		if err := rows.Scan(&a.ID, &a.SessionID, &a.Type, &a.Severity, &a.CreatedAt, &a.TriggeringEventID, &a.EvidenceID, &a.Details); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) LinkAlertEvidence(ctx context.Context, alertID, evidenceID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE alerts SET evidence_id=? WHERE id=?`, evidenceID, alertID)
	return err
}

func (s *sqliteStore) InsertSnapshot(ctx context.Context, snap model.RiskScoreSnapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO risk_score_snapshots (id, session_id, score, created_at, details)
		VALUES (?,?,?,?,?)`,
		snap.ID, snap.SessionID, snap.Score, snap.CreatedAt.UTC(), snap.Details)
	return err
}
