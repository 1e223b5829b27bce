// Package admission is the contention-sensitive front door of the
// proctoring pipeline: it turns a batch of client-submitted anomaly
// events into durable rows, replay-safe and rate-limited, and hands
// each admitted event to the rules engine's synchronous hook before
// optionally publishing it for asynchronous re-evaluation.
package admission

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"proctorguard/internal/apperr"
	"proctorguard/internal/config"
	"proctorguard/internal/credential"
	"proctorguard/internal/engine"
	"proctorguard/internal/ephemeral"
	"proctorguard/internal/evidence"
	"proctorguard/internal/metrics"
	"proctorguard/internal/model"
	"proctorguard/internal/normalize"
	"proctorguard/internal/session"
	"proctorguard/internal/storage"
)

// EventRequest and ThumbnailRequest are the wire shapes nested inside a
// BatchRequest.
type EventRequest = normalize.EventRecord

type ThumbnailRequest struct {
	EventID     string `json:"eventId"`
	ContentType string `json:"contentType"`
	DataBase64  string `json:"dataBase64"`
	SizeBytes   int    `json:"sizeBytes"`
}

// BatchRequest is one events-batch submission bound to a session.
type BatchRequest struct {
	SessionID  string             `json:"sessionId"`
	Events     []EventRequest     `json:"events"`
	Thumbnails []ThumbnailRequest `json:"thumbnails"`
	raw        []byte
}

// SetRaw records the serialized request body so the pipeline can apply
// the byte-size guard without re-marshaling. Callers decode the request
// once and pass the original bytes through here.
func (b *BatchRequest) SetRaw(raw []byte) { b.raw = raw }

// BatchResult reports, in client submission order, which events were
// accepted and why any rejected event was rejected.
type BatchResult struct {
	Accepted      []string
	Rejected      []string
	ReasonByEvent map[string]apperr.Kind
}

func newBatchResult() BatchResult {
	return BatchResult{ReasonByEvent: make(map[string]apperr.Kind)}
}

// Pipeline is the process-wide admission front door. It is safe for
// concurrent use; every batch is handled on the caller's own goroutine.
type Pipeline struct {
	logger    *slog.Logger
	cfg       *config.Manager
	store     storage.Store
	ephemeral *ephemeral.Store
	blobs     *evidence.BlobStore
	sessions  *session.Manager
	engine    *engine.Engine
	producer  *kafka.Writer
}

func New(
	cfg *config.Manager,
	logger *slog.Logger,
	store storage.Store,
	eph *ephemeral.Store,
	blobs *evidence.BlobStore,
	sessions *session.Manager,
	eng *engine.Engine,
	producer *kafka.Writer,
) *Pipeline {
	return &Pipeline{
		logger:    logger,
		cfg:       cfg,
		store:     store,
		ephemeral: eph,
		blobs:     blobs,
		sessions:  sessions,
		engine:    eng,
		producer:  producer,
	}
}

// Admit runs one batch through the size guard, identity bind, per-event
// loop and thumbnail loop described for the admission front door.
// claims must already have been verified by the caller.
func (p *Pipeline) Admit(ctx context.Context, claims credential.Claims, req BatchRequest) (BatchResult, error) {
	cfg := p.cfg.Get()

	if len(req.raw) > cfg.Admission.MaxBatchBytes {
		return BatchResult{}, apperr.Msg(apperr.KindBatchTooLarge, "request exceeds max batch size")
	}

	sess, err := p.sessions.Lookup(ctx, req.SessionID)
	if err != nil {
		return BatchResult{}, err
	}
	if !sess.Matches(claims.Identity()) {
		return BatchResult{}, apperr.Msg(apperr.KindIdentityMismatch, "credential identity does not match session")
	}
	// Early-exit optimization only: the authoritative session_ended check
	// happens per event in the durable writer's InsertEvent, which closes
	// the race where End() lands after this lookup but before the batch's
	// per-event loop finishes.
	if sess.Status != model.SessionActive {
		return BatchResult{}, apperr.Msg(apperr.KindSessionEnded, "session already ended")
	}

	result := newBatchResult()
	now := time.Now().UTC()
	seenInBatch := make(map[string]struct{}, len(req.Events))

	for _, raw := range req.Events {
		if raw.EventID == "" {
			continue
		}
		if _, dup := seenInBatch[raw.EventID]; dup {
			result.Rejected = append(result.Rejected, raw.EventID)
			result.ReasonByEvent[raw.EventID] = apperr.KindDuplicate
			continue
		}
		seenInBatch[raw.EventID] = struct{}{}

		reason, ok := p.admitOne(ctx, cfg, sess.ID, raw, now)
		if ok {
			result.Accepted = append(result.Accepted, raw.EventID)
			metrics.EventsAdmittedTotal.Inc()
		} else {
			result.Rejected = append(result.Rejected, raw.EventID)
			result.ReasonByEvent[raw.EventID] = reason
			metrics.EventsRejectedTotal.WithLabelValues(string(reason)).Inc()
		}
	}

	accepted := make(map[string]struct{}, len(result.Accepted))
	for _, id := range result.Accepted {
		accepted[id] = struct{}{}
	}
	for _, thumb := range req.Thumbnails {
		if _, ok := accepted[thumb.EventID]; !ok {
			continue
		}
		if err := p.admitThumbnail(ctx, cfg, sess.ID, thumb); err != nil && p.logger != nil {
			p.logger.Error("thumbnail admission failed",
				"session_id", sess.ID, "event_id", thumb.EventID, "err", err)
		}
	}

	return result, nil
}

// admitOne runs the replay, skew, rate-limit, persist and inline-rule
// steps for a single event. It returns the rejection reason and false
// when the event is not accepted.
func (p *Pipeline) admitOne(ctx context.Context, cfg *config.Config, sessionID string, raw EventRequest, now time.Time) (apperr.Kind, bool) {
	replayKey := "replay:" + raw.EventID
	firstSeen, err := p.ephemeral.SetIfAbsent(replayKey, cfg.Admission.ReplayTTL)
	if err != nil {
		if p.logger != nil {
			p.logger.Error("replay check failed", "event_id", raw.EventID, "err", err)
		}
		return apperr.KindInternal, false
	}
	if !firstSeen {
		return apperr.KindDuplicate, false
	}

	ev, err := normalize.Normalize(sessionID, raw, now)
	if err != nil {
		p.ephemeral.Delete(replayKey)
		return apperr.KindPayloadInvalid, false
	}

	skew := now.Sub(ev.EventTime)
	if skew > 0 && skew > cfg.Admission.MaxClockSkewPast {
		p.ephemeral.Delete(replayKey)
		return apperr.KindTimestampOutOfRange, false
	}
	if skew < 0 && -skew > cfg.Admission.MaxClockSkewFut {
		p.ephemeral.Delete(replayKey)
		return apperr.KindTimestampOutOfRange, false
	}

	minuteBucket := now.Unix() / 60
	rateKey := fmt.Sprintf("rate:%s:%d", sessionID, minuteBucket)
	count, err := p.ephemeral.Increment(rateKey, cfg.Admission.RateLimitWindow)
	if err != nil {
		if p.logger != nil {
			p.logger.Error("rate limit check failed", "event_id", raw.EventID, "err", err)
		}
		p.ephemeral.Delete(replayKey)
		return apperr.KindInternal, false
	}
	if int(count) > cfg.Admission.RateLimitPerMin {
		p.ephemeral.Delete(replayKey)
		return apperr.KindRateLimited, false
	}

	if err := p.store.InsertEvent(ctx, ev); err != nil {
		p.ephemeral.Delete(replayKey)
		if errors.Is(err, storage.ErrSessionEnded) {
			return apperr.KindSessionEnded, false
		}
		if p.logger != nil {
			p.logger.Error("persist event failed", "event_id", ev.EventID, "err", err)
		}
		return apperr.KindInternal, false
	}

	if p.engine != nil {
		if _, err := p.engine.Evaluate(ctx, ev); err != nil && p.logger != nil {
			p.logger.Error("inline rule evaluation failed", "event_id", ev.EventID, "err", err)
		}
	}

	p.publish(ctx, ev)

	return "", true
}

// admitThumbnail decodes, hashes, stores and back-links one accepted
// event's evidence in a single logical unit. Failures here are logged
// only: the owning event is already durable and accepted. A thumbnail
// over the configured soft size cap is still stored — the cap is
// advisory, not a rejection reason.
func (p *Pipeline) admitThumbnail(ctx context.Context, cfg *config.Config, sessionID string, thumb ThumbnailRequest) error {
	data, err := base64.StdEncoding.DecodeString(thumb.DataBase64)
	if err != nil {
		return fmt.Errorf("decode thumbnail: %w", err)
	}
	if maxBytes := cfg.Evidence.MaxSizeKB * 1024; maxBytes > 0 && len(data) > maxBytes && p.logger != nil {
		p.logger.Warn("thumbnail exceeds evidence soft size cap",
			"session_id", sessionID, "event_id", thumb.EventID, "size_bytes", len(data), "max_bytes", maxBytes)
	}
	sum := sha256.Sum256(data)
	sha := fmt.Sprintf("%x", sum)

	locator := evidence.Locator(sessionID, thumb.EventID)
	if err := p.blobs.Put(locator, data); err != nil {
		return fmt.Errorf("write blob: %w", err)
	}

	ev := model.Evidence{
		SessionID: sessionID,
		ByteSize:  len(data),
		SHA256:    sha,
		MimeType:  thumb.ContentType,
		CreatedAt: time.Now().UTC(),
		Locator:   locator,
	}
	if _, err := p.store.SaveEvidence(ctx, ev, thumb.EventID); err != nil {
		return fmt.Errorf("save evidence: %w", err)
	}
	return nil
}

// publish sends an accepted event to the event stream for asynchronous
// re-evaluation, partitioned by session_id to preserve per-session
// ordering across consumer partitions. A disabled or nil producer is a
// silent no-op — the synchronous inline hook already evaluated the
// event.
func (p *Pipeline) publish(ctx context.Context, ev model.AnomalyEvent) {
	if p.producer == nil {
		return
	}
	payload, err := json.Marshal(wireEvent{
		EventID:    ev.EventID,
		SessionID:  ev.SessionID,
		EventType:  string(ev.EventType),
		EventTime:  ev.EventTime.Format(time.RFC3339Nano),
		Severity:   string(ev.Severity),
		Confidence: ev.Confidence,
		Details:    ev.Details,
		EvidenceID: ev.EvidenceID,
	})
	if err != nil {
		if p.logger != nil {
			p.logger.Error("marshal event stream message failed", "event_id", ev.EventID, "err", err)
		}
		return
	}
	msg := kafka.Message{
		Key:   []byte(ev.SessionID),
		Value: payload,
	}
	if err := p.producer.WriteMessages(ctx, msg); err != nil && p.logger != nil {
		p.logger.Error("event stream publish failed", "event_id", ev.EventID, "err", err)
	}
}

// wireEvent mirrors the shape consumed by engine.StartConsumer.
type wireEvent struct {
	EventID    string   `json:"event_id"`
	SessionID  string   `json:"session_id"`
	EventType  string   `json:"event_type"`
	EventTime  string   `json:"event_time"`
	Severity   string   `json:"severity"`
	Confidence *float64 `json:"confidence,omitempty"`
	Details    string   `json:"details,omitempty"`
	EvidenceID *string  `json:"evidence_id,omitempty"`
}

// DecodeBatch parses a raw JSON request body into a BatchRequest,
// retaining the original bytes for the size guard.
func DecodeBatch(raw []byte) (BatchRequest, error) {
	var req BatchRequest
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return BatchRequest{}, apperr.E(apperr.KindPayloadInvalid, err)
	}
	req.SetRaw(raw)
	return req, nil
}
