package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"proctorguard/internal/admission"
	"proctorguard/internal/apperr"
	"proctorguard/internal/evidence"
	"proctorguard/internal/model"
)

type startRequest struct {
	ExamConfig json.RawMessage `json:"examConfig,omitempty"`
}

type sessionResponse struct {
	SessionID string              `json:"sessionId"`
	Status    model.SessionStatus `json:"status"`
}

type heartbeatResponse struct {
	SessionID     string `json:"sessionId"`
	LastHeartbeat string `json:"lastHeartbeat"`
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r)
	if !ok {
		s.writeError(w, apperr.Msg(apperr.KindCredentialInvalid, "missing claims"))
		return
	}
	var req startRequest
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			s.writeError(w, apperr.E(apperr.KindPayloadInvalid, err))
			return
		}
	}
	configSnapshot := string(req.ExamConfig)
	if configSnapshot == "" {
		configSnapshot = "{}"
	}
	sess, err := s.sessions.Start(r.Context(), claims.Identity(), configSnapshot)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{SessionID: sess.ID, Status: sess.Status})
}

func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r)
	if !ok {
		s.writeError(w, apperr.Msg(apperr.KindCredentialInvalid, "missing claims"))
		return
	}
	sess, err := s.sessions.LookupByIdentity(r.Context(), claims.Identity())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if sess.Status == model.SessionActive {
		if err := s.sessions.End(r.Context(), sess.ID); err != nil {
			s.writeError(w, err)
			return
		}
		sess.Status = model.SessionEnded
	}
	writeJSON(w, http.StatusOK, sessionResponse{SessionID: sess.ID, Status: sess.Status})
}

func (s *Server) handleSessionHeartbeat(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r)
	if !ok {
		s.writeError(w, apperr.Msg(apperr.KindCredentialInvalid, "missing claims"))
		return
	}
	sess, err := s.sessions.LookupByIdentity(r.Context(), claims.Identity())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.sessions.Heartbeat(r.Context(), sess.ID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, heartbeatResponse{
		SessionID:     sess.ID,
		LastHeartbeat: timeNowRFC3339(),
	})
}

func (s *Server) handleEventsBatch(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r)
	if !ok {
		s.writeError(w, apperr.Msg(apperr.KindCredentialInvalid, "missing claims"))
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, int64(s.cfg.Get().Admission.MaxBatchBytes)+1))
	if err != nil {
		s.writeError(w, apperr.Msg(apperr.KindBatchTooLarge, "request body exceeds max batch size"))
		return
	}
	req, err := admission.DecodeBatch(body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	result, err := s.pipeline.Admit(r.Context(), claims, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"acceptedEventIds": nonNil(result.Accepted),
		"rejectedEventIds": nonNil(result.Rejected),
		"reasonByEventId":  result.ReasonByEvent,
	})
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r)
	if !ok {
		s.writeError(w, apperr.Msg(apperr.KindCredentialInvalid, "missing claims"))
		return
	}
	sessionID := chi.URLParam(r, "id")
	if err := s.checkTenantOwnsSession(r.Context(), sessionID, claims.TenantID); err != nil {
		s.writeError(w, err)
		return
	}
	alerts, err := s.store.ListAlerts(r.Context(), sessionID)
	if err != nil {
		s.writeError(w, apperr.E(apperr.KindInternal, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r)
	if !ok {
		s.writeError(w, apperr.Msg(apperr.KindCredentialInvalid, "missing claims"))
		return
	}
	sessionID := chi.URLParam(r, "id")
	if err := s.checkTenantOwnsSession(r.Context(), sessionID, claims.TenantID); err != nil {
		s.writeError(w, err)
		return
	}
	events, err := s.store.ListEvents(r.Context(), sessionID)
	if err != nil {
		s.writeError(w, apperr.E(apperr.KindInternal, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleGetEvidence(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r)
	if !ok {
		s.writeError(w, apperr.Msg(apperr.KindCredentialInvalid, "missing claims"))
		return
	}
	evidenceID := chi.URLParam(r, "id")
	ev, err := s.store.GetEvidence(r.Context(), evidenceID)
	if err != nil {
		s.writeError(w, apperr.E(apperr.KindSessionNotFound, err))
		return
	}
	sess, err := s.sessions.Lookup(r.Context(), ev.SessionID)
	if err != nil || sess.TenantID != claims.TenantID {
		s.writeError(w, apperr.Msg(apperr.KindSessionNotFound, "evidence not found"))
		return
	}
	data, err := s.blobs.Get(ev.Locator)
	if err != nil {
		s.writeError(w, apperr.E(apperr.KindInternal, err))
		return
	}
	if ev.SHA256 != "" && !evidence.VerifyChecksum(data, ev.SHA256) && s.logger != nil {
		s.logger.Error("evidence checksum mismatch on read", "evidence_id", evidenceID)
	}
	contentType := ev.MimeType
	if contentType == "" {
		contentType = "image/jpeg"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleDashboardSummary(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r)
	if !ok {
		s.writeError(w, apperr.Msg(apperr.KindCredentialInvalid, "missing claims"))
		return
	}
	sessionID := chi.URLParam(r, "id")
	summary, err := s.dashboard.Summary(r.Context(), sessionID, claims.TenantID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// checkTenantOwnsSession returns KindSessionNotFound when sessionID
// does not exist or belongs to a different tenant, so a caller cannot
// distinguish "wrong tenant" from "no such session".
func (s *Server) checkTenantOwnsSession(ctx context.Context, sessionID, tenantID string) error {
	sess, err := s.sessions.Lookup(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.TenantID != tenantID {
		return apperr.Msg(apperr.KindSessionNotFound, "session not found")
	}
	return nil
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func timeNowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
