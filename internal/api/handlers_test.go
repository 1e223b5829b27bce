package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"proctorguard/internal/config"
	"proctorguard/internal/credential"
	"proctorguard/internal/dashboard"
	"proctorguard/internal/model"
	"proctorguard/internal/session"
	"proctorguard/internal/storage"
)

func newTestServer(t *testing.T) (*Server, *rsa.PrivateKey) {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pubBytes, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "pub.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}), 0o644))
	keySource, err := credential.NewStaticKeySource(path)
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, config.Save(cfgPath, cfg))
	cfgMgr, err := config.NewManager(cfgPath)
	require.NoError(t, err)

	store := storage.NewMemStore()
	sessions, err := session.NewManager(store, cfg.Session)
	require.NoError(t, err)

	s := &Server{
		cfg:       cfgMgr,
		verifier:  credential.NewVerifier(keySource, ""),
		store:     store,
		sessions:  sessions,
		dashboard: dashboard.NewBuilder(store, nil),
	}
	return s, priv
}

func (s *Server) testRouter() http.Handler {
	r := chi.NewRouter()
	r.Route("/proctoring", func(r chi.Router) {
		r.Use(s.requireCredential)
		r.Post("/sessions/start", s.handleSessionStart)
		r.Post("/sessions/end", s.handleSessionEnd)
		r.Post("/sessions/heartbeat", s.handleSessionHeartbeat)
		r.Get("/sessions/{id}/alerts", s.handleListAlerts)
	})
	r.Route("/dashboard", func(r chi.Router) {
		r.Use(s.requireCredential)
		r.Get("/sessions/{id}/summary", s.handleDashboardSummary)
	})
	return r
}

func signedToken(t *testing.T, priv *rsa.PrivateKey) string {
	t.Helper()
	claims := credential.Claims{
		UserID: "u1", ExamScheduleID: "e1", TenantID: "t1", AttemptNo: 1,
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	s, err := tok.SignedString(priv)
	require.NoError(t, err)
	return s
}

func TestHandleSessionStartRequiresBearerToken(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/proctoring/sessions/start", nil)
	rec := httptest.NewRecorder()

	s.testRouter().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleSessionStartCreatesActiveSession(t *testing.T) {
	s, priv := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/proctoring/sessions/start", bytes.NewReader(nil))
	req.Header.Set("Authorization", "Bearer "+signedToken(t, priv))
	rec := httptest.NewRecorder()

	s.testRouter().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"ACTIVE"`)
}

func TestHandleSessionStartIsIdempotent(t *testing.T) {
	s, priv := newTestServer(t)
	token := signedToken(t, priv)

	req1 := httptest.NewRequest(http.MethodPost, "/proctoring/sessions/start", bytes.NewReader(nil))
	req1.Header.Set("Authorization", "Bearer "+token)
	rec1 := httptest.NewRecorder()
	s.testRouter().ServeHTTP(rec1, req1)

	req2 := httptest.NewRequest(http.MethodPost, "/proctoring/sessions/start", bytes.NewReader(nil))
	req2.Header.Set("Authorization", "Bearer "+token)
	rec2 := httptest.NewRecorder()
	s.testRouter().ServeHTTP(rec2, req2)

	require.Equal(t, rec1.Body.String(), rec2.Body.String())
}

func TestHandleListAlertsHidesOtherTenantsSessions(t *testing.T) {
	s, priv := newTestServer(t)

	other, err := s.sessions.Start(context.Background(), model.Identity{
		TenantID: "someone-else", ExamScheduleID: "e1", UserID: "u1", AttemptNo: 1,
	}, "{}")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/proctoring/sessions/"+other.ID+"/alerts", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, priv))
	rec := httptest.NewRecorder()

	s.testRouter().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleDashboardSummaryReturnsHundredForFreshSession(t *testing.T) {
	s, priv := newTestServer(t)
	token := signedToken(t, priv)

	startReq := httptest.NewRequest(http.MethodPost, "/proctoring/sessions/start", bytes.NewReader(nil))
	startReq.Header.Set("Authorization", "Bearer "+token)
	startRec := httptest.NewRecorder()
	s.testRouter().ServeHTTP(startRec, startReq)

	sess, err := s.sessions.LookupByIdentity(context.Background(), model.Identity{
		TenantID: "t1", ExamScheduleID: "e1", UserID: "u1", AttemptNo: 1,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/dashboard/sessions/"+sess.ID+"/summary", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.testRouter().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"trustScore":100`)
}
