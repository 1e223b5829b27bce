// Package api exposes the proctoring pipeline over JSON HTTP using the
// chi router: session lifecycle, event admission, alert/event/evidence
// reads and the dashboard summary.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"proctorguard/internal/admission"
	"proctorguard/internal/config"
	"proctorguard/internal/credential"
	"proctorguard/internal/dashboard"
	"proctorguard/internal/evidence"
	"proctorguard/internal/session"
	"proctorguard/internal/storage"
)

type Server struct {
	cfg       *config.Manager
	verifier  *credential.Verifier
	store     storage.Store
	blobs     *evidence.BlobStore
	sessions  *session.Manager
	pipeline  *admission.Pipeline
	dashboard *dashboard.Builder
	logger    *slog.Logger
	version   string
}

func Start(
	ctx context.Context,
	cfg *config.Manager,
	verifier *credential.Verifier,
	store storage.Store,
	blobs *evidence.BlobStore,
	sessions *session.Manager,
	pipeline *admission.Pipeline,
	dash *dashboard.Builder,
	logger *slog.Logger,
	version string,
) *http.Server {
	if cfg == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	s := &Server{
		cfg:       cfg,
		verifier:  verifier,
		store:     store,
		blobs:     blobs,
		sessions:  sessions,
		pipeline:  pipeline,
		dashboard: dash,
		logger:    logger,
		version:   version,
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(5 * time.Second))

	r.Get("/status", s.handleStatus)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/proctoring", func(r chi.Router) {
		r.Use(s.requireCredential)
		r.Post("/sessions/start", s.handleSessionStart)
		r.Post("/sessions/end", s.handleSessionEnd)
		r.Post("/sessions/heartbeat", s.handleSessionHeartbeat)
		r.Post("/events/batch", s.handleEventsBatch)
		r.Get("/sessions/{id}/alerts", s.handleListAlerts)
		r.Get("/sessions/{id}/events", s.handleListEvents)
		r.Get("/evidence/{id}", s.handleGetEvidence)
	})

	r.Route("/dashboard", func(r chi.Router) {
		r.Use(s.requireCredential)
		r.Get("/sessions/{id}/summary", s.handleDashboardSummary)
	})

	httpServer := &http.Server{Addr: current.Addr, Handler: r}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if logger != nil {
			logger.Info("api enabled", "addr", current.Addr)
		}
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

type statusResponse struct {
	Status  string `json:"status"`
	Time    string `json:"time"`
	Version string `json:"version"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Status:  "ok",
		Time:    timeNowRFC3339(),
		Version: s.version,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
