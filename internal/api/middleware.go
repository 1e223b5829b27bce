package api

import (
	"context"
	"net/http"
	"strings"

	"proctorguard/internal/apperr"
	"proctorguard/internal/credential"
)

type contextKey int

const claimsContextKey contextKey = iota

// requireCredential verifies the bearer token on every request and
// stashes the resulting Claims in the request context for downstream
// handlers. It is the only place unauthenticated requests are rejected.
func (s *Server) requireCredential(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			s.writeError(w, apperr.Msg(apperr.KindCredentialInvalid, "missing bearer token"))
			return
		}
		claims, err := s.verifier.Verify(r.Context(), token)
		if err != nil {
			s.writeError(w, apperr.E(apperr.KindCredentialInvalid, err))
			return
		}
		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFrom(r *http.Request) (credential.Claims, bool) {
	claims, ok := r.Context().Value(claimsContextKey).(credential.Claims)
	return claims, ok
}
