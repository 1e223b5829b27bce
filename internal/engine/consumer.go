package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"proctorguard/internal/config"
	"proctorguard/internal/model"
)

// wireEvent mirrors the JSON envelope published to the event stream by
// the admission pipeline after a successful persist.
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

// StartConsumer runs the asynchronous rules-evaluation path: one Kafka
// consumer group member reading proctoring.events and calling
// Engine.Evaluate for each message. It is decoupled from the
// synchronous admission-time hook by design — both paths converge on
// the same dedupe cache, so a message replayed on either path is only
// scored once.
func StartConsumer(ctx context.Context, cfg *config.Manager, e *Engine, logger *slog.Logger) {
	bus := cfg.Get().EventBus
	if !bus.Enabled {
		if logger != nil {
			logger.Info("event stream consumer disabled")
		}
		return
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  bus.Brokers,
		Topic:    bus.Topic,
		GroupID:  bus.ConsumerGroup,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	go func() {
		defer reader.Close()
		for {
			msg, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("event stream read error", "err", err)
				}
				backoffSleep(ctx, 200*time.Millisecond)
				continue
			}
			var wire wireEvent
			if err := json.Unmarshal(msg.Value, &wire); err != nil {
				if logger != nil {
					logger.Warn("event stream decode error", "err", err)
				}
				continue
			}
			ev, err := toAnomalyEvent(wire)
			if err != nil {
				if logger != nil {
					logger.Warn("event stream event invalid", "err", err)
				}
				continue
			}
			if _, err := e.Evaluate(ctx, ev); err != nil && logger != nil {
				logger.Error("async rule evaluation failed", "event_id", ev.EventID, "err", err)
			}
		}
	}()
}

func toAnomalyEvent(w wireEvent) (model.AnomalyEvent, error) {
	ts, err := time.Parse(time.RFC3339Nano, w.EventTime)
	if err != nil {
		return model.AnomalyEvent{}, err
	}
	return model.AnomalyEvent{
		EventID:    w.EventID,
		SessionID:  w.SessionID,
		EventType:  model.EventType(w.EventType),
		EventTime:  ts,
		Severity:   model.Severity(w.Severity),
		Confidence: w.Confidence,
		Details:    w.Details,
		EvidenceID: w.EvidenceID,
		ReceivedAt: time.Now().UTC(),
	}, nil
}

func backoffSleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
