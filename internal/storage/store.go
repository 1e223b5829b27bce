// Package storage is the durable relational layer for sessions,
// events, evidence, alerts and risk-score snapshots. It ships both a
// Postgres and a SQLite driver behind the same Store interface, the
// way the badge-reader pipeline this was adapted from did.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"proctorguard/internal/config"
	"proctorguard/internal/model"
)

type Store interface {
	Init(ctx context.Context) error
	Close() error

	UpsertSession(ctx context.Context, s model.Session) (model.Session, error)
	EndSession(ctx context.Context, sessionID string, endedAt time.Time) error
	HeartbeatSession(ctx context.Context, sessionID string, at time.Time) error
	GetSession(ctx context.Context, sessionID string) (model.Session, error)
	FindSessionByIdentity(ctx context.Context, id model.Identity) (model.Session, error)
	SweepStaleSessions(ctx context.Context, cutoff time.Time) ([]string, error)
	UpdateRiskScore(ctx context.Context, sessionID string, delta func(current float64) float64) (float64, error)

	InsertEvent(ctx context.Context, ev model.AnomalyEvent) error
	LinkEvidence(ctx context.Context, eventID, evidenceID string) error
	ListEvents(ctx context.Context, sessionID string) ([]model.AnomalyEvent, error)

	InsertEvidence(ctx context.Context, ev model.Evidence) error
	GetEvidence(ctx context.Context, evidenceID string) (model.Evidence, error)
	// SaveEvidence inserts ev (assigning an id if empty) and links it to
	// eventID as a single transaction, so a crash between the two never
	// leaves an evidence row orphaned or an event pointing at a row that
	// was never written.
	SaveEvidence(ctx context.Context, ev model.Evidence, eventID string) (model.Evidence, error)

	InsertAlert(ctx context.Context, a model.Alert) error
	ListAlerts(ctx context.Context, sessionID string) ([]model.Alert, error)
	LinkAlertEvidence(ctx context.Context, alertID, evidenceID string) error

	InsertSnapshot(ctx context.Context, snap model.RiskScoreSnapshot) error
}

var ErrNotFound = errors.New("storage: not found")

var ErrConcurrentUpdate = errors.New("storage: concurrent risk score update exceeded retry budget")

// ErrSessionEnded is returned by InsertEvent when the owning session is
// no longer ACTIVE at the moment the write actually lands, closing the
// race where a session ends between the admission layer's lookup and
// its per-event persist.
var ErrSessionEnded = errors.New("storage: session is not active")

func NewStore(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "sqlite", "":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

type baseStore struct {
	db *sql.DB
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

const maxRiskScoreRetries = 3
